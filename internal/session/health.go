package session

import (
	"context"
	"time"
)

// Health es el diagnóstico de HealthCheck.
type Health struct {
	Panel             string    `json:"panel"`
	InstanceID        string    `json:"instanceId"`
	AutoRefreshActive bool      `json:"autoRefreshActive"`
	HasRecord         bool      `json:"hasRecord"`
	RecordValid       bool      `json:"recordValid"`
	InvalidReason     string    `json:"invalidReason,omitempty"`
	HasRefreshToken   bool      `json:"hasRefreshToken"`
	TokenExpired      bool      `json:"tokenExpired"`
	ExpiresAt         time.Time `json:"expiresAt,omitempty"`
	CacheFresh        bool      `json:"cacheFresh"`
	StoreError        string    `json:"storeError,omitempty"`
}

// HealthCheck reporta el estado del servicio para debugging. No tiene side
// effects: no limpia records malformados ni consulta la red.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{
		Panel:             s.cfg.Panel,
		InstanceID:        s.id,
		AutoRefreshActive: s.AutoRefreshActive(),
		CacheFresh:        s.cache.Fresh(),
	}
	rec, reason, err := s.store.Peek(ctx)
	if err != nil {
		h.StoreError = err.Error()
		return h
	}
	h.InvalidReason = reason
	h.HasRecord = rec != nil || reason != ""
	if rec == nil {
		return h
	}
	h.RecordValid = true
	h.HasRefreshToken = rec.HasRefreshToken()
	h.TokenExpired = s.expired(rec)
	if exp, ok := s.expiresAt(rec); ok {
		h.ExpiresAt = exp
	}
	return h
}
