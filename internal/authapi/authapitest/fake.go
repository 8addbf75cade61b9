// Package authapitest provee un authapi.Client en memoria para tests.
package authapitest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dropDatabas3/campusauth/internal/authapi"
)

// Fake implementa authapi.Client. Los campos Fn se pueden reemplazar antes de
// usarlo; los contadores se leen con LoginCalls, RefreshCalls y LogoutCalls.
type Fake struct {
	LoginFn   func(ctx context.Context, email, password string) (*authapi.TokenResponse, error)
	RefreshFn func(ctx context.Context, refreshToken string) (*authapi.TokenResponse, error)
	LogoutFn  func(ctx context.Context, accessToken, refreshToken string) error

	login, refresh, logout atomic.Int64

	mu          sync.Mutex
	lastRefresh string
	lastLogout  [2]string
}

var _ authapi.Client = (*Fake)(nil)

func (f *Fake) Login(ctx context.Context, email, password string) (*authapi.TokenResponse, error) {
	f.login.Add(1)
	if f.LoginFn == nil {
		return nil, authapi.ErrUnavailable
	}
	return f.LoginFn(ctx, email, password)
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (*authapi.TokenResponse, error) {
	f.refresh.Add(1)
	f.mu.Lock()
	f.lastRefresh = refreshToken
	f.mu.Unlock()
	if f.RefreshFn == nil {
		return nil, authapi.ErrUnavailable
	}
	return f.RefreshFn(ctx, refreshToken)
}

func (f *Fake) Logout(ctx context.Context, accessToken, refreshToken string) error {
	f.logout.Add(1)
	f.mu.Lock()
	f.lastLogout = [2]string{accessToken, refreshToken}
	f.mu.Unlock()
	if f.LogoutFn == nil {
		return nil
	}
	return f.LogoutFn(ctx, accessToken, refreshToken)
}

func (f *Fake) LoginCalls() int   { return int(f.login.Load()) }
func (f *Fake) RefreshCalls() int { return int(f.refresh.Load()) }
func (f *Fake) LogoutCalls() int  { return int(f.logout.Load()) }

// NetworkCalls suma todas las llamadas.
func (f *Fake) NetworkCalls() int { return f.LoginCalls() + f.RefreshCalls() + f.LogoutCalls() }

// LastRefreshToken es el último refresh token recibido.
func (f *Fake) LastRefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRefresh
}

// LastLogout retorna los tokens del último logout.
func (f *Fake) LastLogout() (accessToken, refreshToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLogout[0], f.lastLogout[1]
}
