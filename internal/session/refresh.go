package session

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/campusauth/internal/authapi"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
)

const refreshKey = "refresh"

// Refresh fuerza un refresh con el refresh token guardado, compartiendo el
// que ya esté en vuelo. El resultado queda cacheado por refresh.
func (s *Service) Refresh(ctx context.Context) AuthResult {
	return s.refreshShared(ctx, -1)
}

// refreshShared colapsa los refresh concurrentes en uno. El refresh corre con
// un contexto no cancelable: si el primer caller se va, los demás siguen
// esperando el mismo resultado.
//
// leeway < 0 fuerza el refresh; si no, se refresca solo cuando faltan menos
// de leeway para el vencimiento.
func (s *Service) refreshShared(ctx context.Context, leeway time.Duration) AuthResult {
	ch := s.sf.DoChan(refreshKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), leeway), nil
	})
	select {
	case r := <-ch:
		if r.Shared {
			metrics.Refreshes.WithLabelValues("shared").Inc()
		}
		return r.Val.(AuthResult)
	case <-ctx.Done():
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceNetwork, Err: ctx.Err(), CheckedAt: s.now()}
	}
}

func (s *Service) refresh(ctx context.Context, leeway time.Duration) AuthResult {
	log := s.op(ctx, "refresh")

	s.writeMu.Lock()
	gen := s.gen
	cgen := s.cache.Gen()
	s.writeMu.Unlock()

	// Se relee: otra instancia pudo haber refrescado ya.
	rec, err := s.store.Read(ctx)
	if err != nil {
		log.Warn("credential store unavailable", logger.Err(err))
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceStorage, Err: err, CheckedAt: s.now()}
	}
	if rec == nil {
		return s.remember(cgen, AuthFailure{Reason: ReasonNoToken, Source: types.SourceStorage, CheckedAt: s.now()})
	}
	if leeway >= 0 && !s.needsRefresh(rec, leeway) {
		return s.remember(cgen, AuthSuccess{User: rec.User, Source: types.SourceStorage, CheckedAt: s.now()})
	}
	if !rec.HasRefreshToken() {
		log.Info("access token expired without refresh token")
		metrics.Refreshes.WithLabelValues("no_refresh_token").Inc()
		res := AuthFailure{Reason: ReasonExpired, Source: types.SourceStorage, CheckedAt: s.now()}
		s.expire(ctx, gen, res)
		return res
	}

	start := s.now()
	resp, err := s.api.Refresh(ctx, rec.RefreshToken)
	switch {
	case errors.Is(err, authapi.ErrRejected):
		log.Info("refresh rejected", logger.Err(err), logger.Fingerprint(rec.RefreshToken))
		metrics.Refreshes.WithLabelValues("rejected").Inc()
		res := AuthFailure{Reason: ReasonRefreshFailed, Source: types.SourceNetwork, Err: err, CheckedAt: s.now()}
		s.expire(ctx, gen, res)
		return res
	case err != nil:
		// Transitorio: los tokens se conservan.
		log.Warn("refresh unavailable", logger.Err(err))
		metrics.Refreshes.WithLabelValues("unavailable").Inc()
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceNetwork, Err: err, CheckedAt: s.now()}
	}

	user := resp.User
	user.Role = types.ParseRole(string(user.Role))
	if !s.roles.Allows(user.Role) {
		log.Warn("refreshed session has a role not allowed for panel", logger.Role(string(user.Role)))
		metrics.Refreshes.WithLabelValues("rejected").Inc()
		res := AuthFailure{Reason: ReasonRoleNotAllowed, Source: types.SourceNetwork, Err: ErrRoleNotAllowed, CheckedAt: s.now()}
		s.expire(ctx, gen, res)
		return res
	}
	next := resp.RefreshToken
	if next == "" {
		next = rec.RefreshToken
	}

	s.writeMu.Lock()
	if s.gen != gen {
		// Hubo login/logout mientras el refresh estaba en vuelo.
		s.writeMu.Unlock()
		log.Info("discarding stale refresh result")
		metrics.Refreshes.WithLabelValues("stale").Inc()
		return s.resolveStored(ctx)
	}
	err = s.writeLocked(ctx, types.CredentialRecord{AccessToken: resp.Token, RefreshToken: next, User: user})
	res := AuthSuccess{User: user, Source: types.SourceNetwork, CheckedAt: s.now()}
	if err == nil {
		s.cache.Set(toEntry(res))
	}
	s.writeMu.Unlock()
	if err != nil {
		log.Error("could not persist refreshed session", logger.Err(err))
		metrics.Refreshes.WithLabelValues("unavailable").Inc()
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceStorage, Err: err, CheckedAt: s.now()}
	}

	metrics.Refreshes.WithLabelValues("ok").Inc()
	log.Info("session refreshed", logger.UserID(user.ID), logger.Fingerprint(resp.Token), logger.Duration(s.now().Sub(start)))
	s.publish(ctx, true, &user)
	return res
}

// expire limpia la sesión por vencimiento, deja res cacheado y avisa a los
// hooks, salvo que la sesión ya haya cambiado desde gen.
func (s *Service) expire(ctx context.Context, gen uint64, res AuthFailure) {
	reason := res.Reason
	s.writeMu.Lock()
	if s.gen != gen {
		s.writeMu.Unlock()
		return
	}
	removed, err := s.clearLocked(ctx)
	if err == nil {
		s.cache.Set(toEntry(res))
	}
	s.writeMu.Unlock()
	if err != nil {
		s.op(ctx, "expire").Error("could not clear expired session", logger.Err(err))
	}
	if removed {
		s.publish(ctx, false, nil)
	}
	s.fireExpired(ctx, reason)
}

// resolveStored clasifica lo que haya en el store sin refrescar.
func (s *Service) resolveStored(ctx context.Context) AuthResult {
	rec, err := s.store.Read(ctx)
	switch {
	case err != nil:
		return AuthFailure{Reason: ReasonUnavailable, Source: types.SourceStorage, Err: err, CheckedAt: s.now()}
	case rec == nil:
		return AuthFailure{Reason: ReasonNoToken, Source: types.SourceStorage, CheckedAt: s.now()}
	case s.expired(rec):
		return AuthFailure{Reason: ReasonExpired, Source: types.SourceStorage, CheckedAt: s.now()}
	}
	return AuthSuccess{User: rec.User, Source: types.SourceStorage, CheckedAt: s.now()}
}
