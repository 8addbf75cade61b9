package session

import (
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
)

// StartAutoRefresh programa el refresh proactivo. Idempotente: una segunda
// llamada con la tarea activa no crea otra.
func (s *Service) StartAutoRefresh() {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.auto != nil {
		return
	}
	s.autoSeq++
	id := s.autoSeq
	s.autoID = id
	s.auto = s.sched.Every(s.cfg.RefreshInterval, func() { s.autoTick(id) })
	metrics.AutoRefreshActive.Inc()
	s.log.Debug("auto-refresh started", logger.Duration(s.cfg.RefreshInterval))
}

// StopAutoRefresh cancela la tarea. Sin tarea activa es un no-op.
func (s *Service) StopAutoRefresh() {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.auto == nil {
		return
	}
	s.auto.Stop()
	s.auto = nil
	s.autoID = 0
	metrics.AutoRefreshActive.Dec()
	s.log.Debug("auto-refresh stopped")
}

// AutoRefreshActive indica si hay una tarea de auto-refresh activa.
func (s *Service) AutoRefreshActive() bool {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	return s.auto != nil
}

// autoTick verifica que la tarea siga vigente y que haya algo que refrescar
// antes de tocar la red.
func (s *Service) autoTick(id uint64) {
	s.autoMu.Lock()
	current := s.autoID == id
	s.autoMu.Unlock()
	if !current {
		return
	}

	ctx := s.background()
	rec, reason, err := s.store.Peek(ctx)
	if err != nil {
		s.op(ctx, "autoRefresh").Warn("credential store unavailable", logger.Err(err))
		return
	}
	if rec == nil || reason != "" || !rec.HasRefreshToken() {
		return
	}
	if !s.needsRefresh(rec, s.cfg.RefreshLeeway) {
		return
	}

	s.refreshShared(ctx, s.cfg.RefreshLeeway)
}
