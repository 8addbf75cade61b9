package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/campusauth/internal/authapi"
	"github.com/dropDatabas3/campusauth/internal/authapi/authapitest"
	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/events"
	"github.com/dropDatabas3/campusauth/internal/session"
	"github.com/dropDatabas3/campusauth/internal/store"
	"github.com/dropDatabas3/campusauth/internal/store/adapters/memory"
	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	admin = types.UserProfile{ID: "u-1", Email: "a@b.com", FullName: "Ana", Role: types.RoleAdmin}
	other = types.UserProfile{ID: "u-2", Email: "c@d.com", Role: types.RoleAdmin}
)

type fixture struct {
	svc   *session.Service
	api   *authapitest.Fake
	clk   *clock.Manual
	space *memory.Space
	store *store.Store
	bus   *events.Bus
}

func newFixture(t *testing.T, cfg session.Config, roles ...types.Role) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	rs := types.RoleSet(roles)
	st := store.New(sp.Tab(), store.Options{Clock: clk.Now, Roles: rs})
	api := &authapitest.Fake{}
	bus := events.NewBus()
	svc, err := session.New(session.Deps{
		Store: st, API: api, Bus: bus, Scheduler: clk, Clock: clk.Now, Roles: rs, Config: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Close()
		_ = st.Close()
	})
	return &fixture{svc: svc, api: api, clk: clk, space: sp, store: st, bus: bus}
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, jwtv5.MapClaims{
		"sub": "u-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestGetAuthWithCache_MalformedRecordsReportNoToken(t *testing.T) {
	keys := store.DefaultKeys("campus_")
	cases := map[string]map[string]string{
		"missing token": {keys.User: `{"id":"u-1","email":"a@b.com","role":"admin"}`},
		"missing user":  {keys.AccessToken: "tok1"},
		"bad json":      {keys.AccessToken: "tok1", keys.User: `{"id":`},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, session.Config{})
			require.NoError(t, f.space.Tab().SetMany(ctx, kv))

			rec, err := f.store.Read(ctx)
			require.NoError(t, err)
			require.Nil(t, rec)

			// Read ya limpió; se vuelve a sembrar para GetAuthWithCache.
			require.NoError(t, f.space.Tab().SetMany(ctx, kv))
			res := f.svc.GetAuthWithCache(ctx)
			fail, ok := res.(session.AuthFailure)
			require.True(t, ok)
			require.Equal(t, session.ReasonNoToken, fail.Reason)
			require.Empty(t, f.space.Snapshot())
			require.Zero(t, f.api.NetworkCalls())
		})
	}
}

func TestSetTokens_NoStaleCacheWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{TokenTTL: time.Hour})

	require.True(t, f.svc.SetTokens(ctx, "tok1", admin, ""))
	u, ok := session.UserOf(f.svc.GetAuthWithCache(ctx))
	require.True(t, ok)
	require.Equal(t, admin, u)
	require.True(t, f.svc.Cache().Fresh())

	require.True(t, f.svc.SetTokens(ctx, "tok2", other, "rt2"))
	u, ok = session.UserOf(f.svc.GetAuthWithCache(ctx))
	require.True(t, ok)
	require.Equal(t, other, u)

	rec, err := f.store.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok2", rec.AccessToken)
	require.Equal(t, "rt2", rec.RefreshToken)
}

func TestSetTokens_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{}, types.RoleAdmin)

	require.False(t, f.svc.SetTokens(ctx, "", admin, ""))
	require.False(t, f.svc.SetTokens(ctx, "  ", admin, ""))
	require.False(t, f.svc.SetTokens(ctx, "tok1", types.UserProfile{}, ""))
	require.False(t, f.svc.SetTokens(ctx, "tok1", types.UserProfile{ID: "u-9", Role: types.RoleUser}, ""))
	require.Empty(t, f.space.Snapshot())
}

func TestSetTokens_PublishesAuthStateChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	var got []events.AuthState
	sub := f.bus.Subscribe(events.AuthStateChanged, func(_ context.Context, ev events.AuthState) {
		got = append(got, ev)
	})
	defer sub.Unsubscribe()

	require.True(t, f.svc.SetTokens(ctx, "tok1", admin, ""))
	require.NoError(t, f.svc.ClearTokens(ctx))

	require.Len(t, got, 2)
	assert.True(t, got[0].IsAuthenticated)
	assert.Equal(t, admin, *got[0].User)
	assert.Equal(t, f.svc.InstanceID(), got[0].Origin)
	assert.False(t, got[1].IsAuthenticated)
	assert.Nil(t, got[1].User)
}

func TestClearTokens_TwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	var published int
	f.bus.Subscribe(events.AuthStateChanged, func(context.Context, events.AuthState) { published++ })

	require.True(t, f.svc.SetTokens(ctx, "tok1", admin, "rt1"))
	require.NoError(t, f.svc.ClearTokens(ctx))
	require.NoError(t, f.svc.ClearTokens(ctx))

	require.Empty(t, f.space.Snapshot())
	require.Equal(t, 2, published)
	require.False(t, f.svc.Cache().Fresh())
}

func TestStartAutoRefresh_Idempotent(t *testing.T) {
	f := newFixture(t, session.Config{})

	f.svc.StartAutoRefresh()
	f.svc.StartAutoRefresh()
	require.Equal(t, 1, f.clk.Active())
	require.True(t, f.svc.AutoRefreshActive())

	f.svc.StopAutoRefresh()
	f.svc.StopAutoRefresh()
	require.Equal(t, 0, f.clk.Active())
	require.False(t, f.svc.AutoRefreshActive())

	f.svc.StartAutoRefresh()
	require.Equal(t, 1, f.clk.Active())
}

func TestAutoRefresh_RefreshesInsideLeeway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{RefreshInterval: 2 * time.Minute, RefreshLeeway: 5 * time.Minute})
	fresh := signed(t, t0.Add(time.Hour))
	f.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		return &authapi.TokenResponse{Token: fresh, RefreshToken: "rt2", User: admin}, nil
	}
	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(6*time.Minute)), admin, "rt1"))

	f.svc.StartAutoRefresh()
	f.clk.Advance(2 * time.Minute) // faltan 4m: dentro del leeway
	require.Equal(t, 1, f.api.RefreshCalls())
	require.Equal(t, "rt1", f.api.LastRefreshToken())

	rec, err := f.store.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, fresh, rec.AccessToken)
	require.Equal(t, "rt2", rec.RefreshToken)

	f.clk.Advance(2 * time.Minute)
	require.Equal(t, 1, f.api.RefreshCalls())
}

func TestAutoRefresh_SkipsWithoutCredentialsOrAfterStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{RefreshInterval: time.Minute})

	f.svc.StartAutoRefresh()
	f.clk.Advance(3 * time.Minute)
	require.Zero(t, f.api.RefreshCalls())

	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(4*time.Minute)), admin, ""))
	f.clk.Advance(time.Minute)
	require.Zero(t, f.api.RefreshCalls(), "no refresh token")

	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(5*time.Minute)), admin, "rt1"))
	f.svc.StopAutoRefresh()
	f.clk.Advance(10 * time.Minute)
	require.Zero(t, f.api.RefreshCalls())
}

func TestGetAuthWithCache_RefreshRejectedExpiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	release := make(chan struct{})
	f.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		<-release
		return nil, authapi.ErrRejected
	}
	var expired atomic.Int32
	var reason atomic.Value
	f.svc.OnSessionExpired(func(_ context.Context, r session.Reason) {
		expired.Add(1)
		reason.Store(r)
	})
	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(-time.Minute)), admin, "rt1"))

	var wg sync.WaitGroup
	results := make([]session.AuthResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.svc.GetAuthWithCache(ctx)
		}(i)
	}
	require.Eventually(t, func() bool { return f.api.RefreshCalls() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		require.False(t, r.Authenticated())
	}
	require.Equal(t, 1, f.api.RefreshCalls())
	require.Equal(t, int32(1), expired.Load())
	require.Equal(t, session.ReasonRefreshFailed, reason.Load())
	require.Empty(t, f.space.Snapshot())

	// Sin reintentos: la sesión ya no existe.
	f.clk.Advance(5 * time.Minute)
	res := f.svc.GetAuthWithCache(ctx)
	require.Equal(t, session.ReasonNoToken, res.(session.AuthFailure).Reason)
	require.Equal(t, 1, f.api.RefreshCalls())
	require.Equal(t, int32(1), expired.Load())
}

func TestGetAuthWithCache_ConcurrentCallersShareRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	release := make(chan struct{})
	f.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		<-release
		return &authapi.TokenResponse{Token: signed(t, t0.Add(time.Hour)), User: admin}, nil
	}
	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(-time.Second)), admin, "rt1"))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.GetAuthWithCache(ctx).Authenticated() {
				ok.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return f.api.RefreshCalls() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(10), ok.Load())
	require.Equal(t, 1, f.api.RefreshCalls())

	// Sin refresh token nuevo se conserva el anterior.
	rec, err := f.store.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "rt1", rec.RefreshToken)
}

func TestGetAuthWithCache_NetworkErrorKeepsTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	f.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		return nil, errors.Join(authapi.ErrUnavailable, errors.New("dial tcp: connection refused"))
	}
	var expired int
	f.svc.OnSessionExpired(func(context.Context, session.Reason) { expired++ })
	tok := signed(t, t0.Add(-time.Minute))
	require.True(t, f.svc.SetTokens(ctx, tok, admin, "rt1"))

	res := f.svc.GetAuthWithCache(ctx)
	require.True(t, session.IsTransient(res))
	require.Zero(t, expired)

	rec, err := f.store.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, tok, rec.AccessToken)

	// Los fallos transitorios no se cachean.
	f.svc.GetAuthWithCache(ctx)
	require.Equal(t, 2, f.api.RefreshCalls())
}

func TestGetAuthWithCache_ExpiredWithoutRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{TokenTTL: 10 * time.Minute})
	var reasons []session.Reason
	f.svc.OnSessionExpired(func(_ context.Context, r session.Reason) { reasons = append(reasons, r) })

	require.True(t, f.svc.SetTokens(ctx, "opaque-tok", admin, ""))
	require.True(t, f.svc.GetAuthWithCache(ctx).Authenticated())

	f.clk.Advance(11 * time.Minute)
	res := f.svc.GetAuthWithCache(ctx)
	require.Equal(t, session.ReasonExpired, res.(session.AuthFailure).Reason)
	require.Equal(t, []session.Reason{session.ReasonExpired}, reasons)
	require.Zero(t, f.api.NetworkCalls())
}

func TestRefresh_DiscardsResultAfterLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	f.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		close(started)
		<-release
		return &authapi.TokenResponse{Token: signed(t, t0.Add(time.Hour)), RefreshToken: "rt2", User: admin}, nil
	}
	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(-time.Minute)), admin, "rt1"))

	done := make(chan session.AuthResult, 1)
	go func() { done <- f.svc.Refresh(ctx) }()
	<-started
	require.NoError(t, f.svc.ClearTokens(ctx))
	close(release)

	res := <-done
	require.False(t, res.Authenticated())
	require.Empty(t, f.space.Snapshot())
}

func TestIsTokenExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{TokenTTL: time.Hour})
	require.True(t, f.svc.IsTokenExpired(ctx), "no credentials")

	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(time.Minute)), admin, ""))
	require.False(t, f.svc.IsTokenExpired(ctx))
	f.clk.Advance(time.Minute)
	require.True(t, f.svc.IsTokenExpired(ctx))

	require.True(t, f.svc.SetTokens(ctx, "opaque", admin, ""))
	require.False(t, f.svc.IsTokenExpired(ctx))
	f.clk.Advance(time.Hour)
	require.True(t, f.svc.IsTokenExpired(ctx))
	require.Zero(t, f.api.NetworkCalls())
}

func TestIsTokenExpired_OpaqueWithoutTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	require.True(t, f.svc.SetTokens(ctx, "tok1", admin, ""))
	f.clk.Advance(365 * 24 * time.Hour)
	require.False(t, f.svc.IsTokenExpired(ctx))
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{}, types.RoleAdmin)
	f.api.LoginFn = func(_ context.Context, email, password string) (*authapi.TokenResponse, error) {
		switch {
		case email == "a@b.com" && password == "secret":
			return &authapi.TokenResponse{Token: "tok1", RefreshToken: "rt1", User: admin}, nil
		case email == "u@b.com":
			return &authapi.TokenResponse{Token: "tok2", User: types.UserProfile{ID: "u-3", Email: email, Role: "USER"}}, nil
		}
		return nil, authapi.ErrRejected
	}

	res := f.svc.Login(ctx, "a@b.com", "nope")
	require.Equal(t, session.ReasonInvalidCredentials, res.(session.AuthFailure).Reason)
	require.ErrorIs(t, res.(session.AuthFailure).Err, session.ErrInvalidCredentials)

	res = f.svc.Login(ctx, "u@b.com", "x")
	require.Equal(t, session.ReasonRoleNotAllowed, res.(session.AuthFailure).Reason)
	require.Empty(t, f.space.Snapshot())

	res = f.svc.Login(ctx, " A@B.com ", "secret")
	ok, isOK := res.(session.AuthSuccess)
	require.True(t, isOK)
	require.Equal(t, types.SourceNetwork, ok.Source)
	require.Equal(t, admin, ok.User)

	res = f.svc.GetAuthWithCache(ctx)
	require.Equal(t, types.SourceMemory, res.(session.AuthSuccess).Source)
}

func TestLogout_BackendFailureIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	f.api.LogoutFn = func(context.Context, string, string) error { return authapi.ErrUnavailable }
	require.True(t, f.svc.SetTokens(ctx, "tok1", admin, "rt1"))

	require.NoError(t, f.svc.Logout(ctx, true))
	require.Empty(t, f.space.Snapshot())
	require.Equal(t, 1, f.api.LogoutCalls())
	at, rt := f.api.LastLogout()
	require.Equal(t, "tok1", at)
	require.Equal(t, "rt1", rt)

	require.NoError(t, f.svc.Logout(ctx, true))
	require.Equal(t, 1, f.api.LogoutCalls(), "no session, no backend call")
}

func TestHealthCheck_HasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, session.Config{})
	keys := store.DefaultKeys("campus_")
	require.NoError(t, f.space.Tab().SetMany(ctx, map[string]string{keys.AccessToken: "tok1"}))

	h := f.svc.HealthCheck(ctx)
	require.True(t, h.HasRecord)
	require.False(t, h.RecordValid)
	require.Equal(t, "missing_user", h.InvalidReason)
	require.Contains(t, f.space.Snapshot(), keys.AccessToken)

	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(time.Hour)), admin, "rt1"))
	f.svc.StartAutoRefresh()
	h = f.svc.HealthCheck(ctx)
	require.True(t, h.AutoRefreshActive)
	require.True(t, h.RecordValid)
	require.True(t, h.HasRefreshToken)
	require.False(t, h.TokenExpired)
	require.True(t, h.ExpiresAt.Equal(t0.Add(time.Hour)))
	require.False(t, h.CacheFresh)
	require.Zero(t, f.api.NetworkCalls())
}

// midRead corre hook (si está seteado) una vez, después de la lectura del
// backend y antes de que el servicio use el resultado.
type midRead struct {
	store.Backend
	once sync.Once
	hook func()
}

func (b *midRead) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	kv, err := b.Backend.GetMany(ctx, keys...)
	if b.hook != nil {
		b.once.Do(b.hook)
	}
	return kv, err
}

func newMidReadFixture(t *testing.T) (*fixture, *midRead) {
	t.Helper()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	mb := &midRead{Backend: sp.Tab()}
	st := store.New(mb, store.Options{Clock: clk.Now})
	api := &authapitest.Fake{}
	bus := events.NewBus()
	svc, err := session.New(session.Deps{Store: st, API: api, Bus: bus, Scheduler: clk, Clock: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Close()
		_ = st.Close()
	})
	return &fixture{svc: svc, api: api, clk: clk, space: sp, store: st, bus: bus}, mb
}

func TestGetAuthWithCache_ClearDuringReadIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	f, mb := newMidReadFixture(t)
	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(time.Hour)), admin, "rt1"))

	mb.hook = func() { require.NoError(t, f.svc.ClearTokens(ctx)) }
	res := f.svc.GetAuthWithCache(ctx)
	require.True(t, res.Authenticated(), "the read saw the session before the clear")
	require.Empty(t, f.space.Snapshot())

	res = f.svc.GetAuthWithCache(ctx)
	require.False(t, res.Authenticated())
	require.Equal(t, session.ReasonNoToken, res.(session.AuthFailure).Reason)
}

func TestGetAuthWithCache_LoginDuringReadIsNotHidden(t *testing.T) {
	ctx := context.Background()
	f, mb := newMidReadFixture(t)

	mb.hook = func() { require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(time.Hour)), admin, "rt1")) }
	res := f.svc.GetAuthWithCache(ctx)
	require.False(t, res.Authenticated())

	res = f.svc.GetAuthWithCache(ctx)
	require.True(t, res.Authenticated())
	u, ok := session.UserOf(res)
	require.True(t, ok)
	require.Equal(t, admin, u)
}

func TestGetAuthWithCache_InvalidateDuringReadDropsResult(t *testing.T) {
	ctx := context.Background()
	f, mb := newMidReadFixture(t)
	require.True(t, f.svc.SetTokens(ctx, signed(t, t0.Add(time.Hour)), admin, "rt1"))

	mb.hook = func() { f.svc.Cache().Invalidate() }
	require.True(t, f.svc.GetAuthWithCache(ctx).Authenticated())
	require.False(t, f.svc.Cache().Fresh())
}
