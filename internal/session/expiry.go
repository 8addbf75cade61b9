package session

import (
	"strings"
	"time"

	"github.com/dropDatabas3/campusauth/internal/domain/types"
	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// expiresAt calcula el vencimiento sin red: claim "exp" si el token es un JWT,
// si no IssuedAt + TokenTTL. ok=false significa que el token no vence
// localmente (token opaco y TokenTTL = 0).
//
// La firma no se verifica: el cliente no tiene la clave y solo necesita
// saber cuándo pedir un refresh.
func (s *Service) expiresAt(rec *types.CredentialRecord) (time.Time, bool) {
	if exp, ok := jwtExpiry(rec.AccessToken); ok {
		return exp, true
	}
	if s.cfg.TokenTTL <= 0 {
		return time.Time{}, false
	}
	if rec.IssuedAt.IsZero() {
		// Edad desconocida: se considera vencido.
		return time.Time{}, true
	}
	return rec.IssuedAt.Add(s.cfg.TokenTTL), true
}

func (s *Service) expired(rec *types.CredentialRecord) bool {
	return s.needsRefresh(rec, 0)
}

// needsRefresh indica si faltan menos de leeway para el vencimiento.
func (s *Service) needsRefresh(rec *types.CredentialRecord, leeway time.Duration) bool {
	exp, ok := s.expiresAt(rec)
	if !ok {
		return false
	}
	return !s.now().Add(leeway).Before(exp)
}

func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwtv5.MapClaims{}
	if _, _, err := jwtv5.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
