package tabsync

import (
	"time"

	"github.com/dropDatabas3/campusauth/internal/domain/types"
)

// Status del estado mostrado por una instancia.
type Status int

const (
	// StatusUnknown todavía no se resolvió nada.
	StatusUnknown Status = iota
	// StatusChecking el primer chequeo está en vuelo.
	StatusChecking
	StatusLoggedIn
	StatusLoggedOut
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusLoggedIn:
		return "logged_in"
	case StatusLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// State es lo que ven los consumidores (guard, UI, CLI).
type State struct {
	Status    Status
	User      *types.UserProfile
	Source    types.Source
	Reason    string
	UpdatedAt time.Time
}

// Resolved indica si el estado ya es definitivo (logged in/out).
func (s State) Resolved() bool {
	return s.Status == StatusLoggedIn || s.Status == StatusLoggedOut
}

func (s State) sameAs(o State) bool {
	if s.Status != o.Status {
		return false
	}
	if (s.User == nil) != (o.User == nil) {
		return false
	}
	return s.User == nil || *s.User == *o.User
}

func (s State) clone() State {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}
