package session

import (
	"time"

	"github.com/dropDatabas3/campusauth/internal/cache"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
)

// Reason explica un AuthFailure.
type Reason string

const (
	// ReasonNoToken: no hay sesión (o el record local era inválido y se limpió).
	ReasonNoToken Reason = "no_token"
	// ReasonExpired: el access token venció y no hay refresh token.
	ReasonExpired Reason = "expired"
	// ReasonRefreshFailed: el backend rechazó el refresh token.
	ReasonRefreshFailed Reason = "refresh_failed"
	// ReasonUnavailable: fallo transitorio (red, backend de storage). No desloguea.
	ReasonUnavailable Reason = "unavailable"
	// ReasonInvalidCredentials: el backend rechazó email/contraseña.
	ReasonInvalidCredentials Reason = "invalid_credentials"
	// ReasonRoleNotAllowed: el usuario no tiene un rol aceptado por el panel.
	ReasonRoleNotAllowed Reason = "role_not_allowed"
)

// AuthResult es AuthSuccess o AuthFailure.
type AuthResult interface {
	Authenticated() bool
	isAuthResult()
}

// AuthSuccess: hay sesión válida para User.
type AuthSuccess struct {
	User      types.UserProfile
	Source    types.Source
	CheckedAt time.Time
}

func (AuthSuccess) Authenticated() bool { return true }
func (AuthSuccess) isAuthResult()       {}

// AuthFailure: no hay sesión, o no se pudo determinar (Transient).
type AuthFailure struct {
	Reason    Reason
	Source    types.Source
	Err       error
	CheckedAt time.Time
}

func (AuthFailure) Authenticated() bool { return false }
func (AuthFailure) isAuthResult()       {}

// Transient indica que el estado previo debe mantenerse.
func (f AuthFailure) Transient() bool { return f.Reason == ReasonUnavailable }

func (f AuthFailure) Error() string {
	if f.Err != nil {
		return string(f.Reason) + ": " + f.Err.Error()
	}
	return string(f.Reason)
}

// IsTransient indica si r es un fallo transitorio.
func IsTransient(r AuthResult) bool {
	f, ok := r.(AuthFailure)
	return ok && f.Transient()
}

// UserOf retorna el usuario si r es AuthSuccess.
func UserOf(r AuthResult) (types.UserProfile, bool) {
	s, ok := r.(AuthSuccess)
	if !ok {
		return types.UserProfile{}, false
	}
	return s.User, true
}

func toEntry(r AuthResult) cache.Entry {
	switch v := r.(type) {
	case AuthSuccess:
		u := v.User
		return cache.Entry{Success: true, User: &u, Source: v.Source, CheckedAt: v.CheckedAt}
	case AuthFailure:
		return cache.Entry{Reason: string(v.Reason), Source: v.Source, CheckedAt: v.CheckedAt}
	}
	return cache.Entry{}
}

// fromEntry reconstruye el resultado servido desde memoria.
func fromEntry(e cache.Entry) AuthResult {
	if e.Success && e.User != nil {
		return AuthSuccess{User: *e.User, Source: types.SourceMemory, CheckedAt: e.CheckedAt}
	}
	return AuthFailure{Reason: Reason(e.Reason), Source: types.SourceMemory, CheckedAt: e.CheckedAt}
}
