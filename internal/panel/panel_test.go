package panel_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dropDatabas3/campusauth/internal/authapi"
	"github.com/dropDatabas3/campusauth/internal/authapi/authapitest"
	"github.com/dropDatabas3/campusauth/internal/authmock"
	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/config"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/panel"
	"github.com/dropDatabas3/campusauth/internal/policy"
	"github.com/dropDatabas3/campusauth/internal/session"
	"github.com/dropDatabas3/campusauth/internal/store/adapters/memory"
	"github.com/dropDatabas3/campusauth/internal/tabsync"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func adminConfig() *config.Config {
	cfg := config.Default()
	cfg.Panel.Name = "admin"
	cfg.Panel.Roles = []string{"admin"}
	cfg.Panel.KeyPrefix = "admin_"
	cfg.Session.DisableAutoRefresh = true
	return cfg
}

func openTab(t *testing.T, cfg *config.Config, sp *memory.Space, clk *clock.Manual, api authapi.Client) *panel.Panel {
	t.Helper()
	p, err := panel.Open(context.Background(), cfg, panel.Options{
		Backend:   sp.Tab(),
		API:       api,
		Scheduler: clk,
		Clock:     clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPanel_LoginThenManualLogoutClearsAllKeys(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	api := &authapitest.Fake{}
	p := openTab(t, adminConfig(), sp, clk, api)

	user := types.UserProfile{ID: "u-1", Email: "a@b.com", Role: types.RoleAdmin}
	require.True(t, p.Session().SetTokens(ctx, "tok1", user, ""))
	require.True(t, p.IsAdminAuthenticated(ctx))

	done, err := p.LogoutAdmin(ctx, "manual")
	require.NoError(t, err)
	require.True(t, done)
	require.False(t, p.IsAdminAuthenticated(ctx))

	snap := sp.Snapshot()
	for _, k := range p.Store().Keys().All() {
		require.NotContains(t, snap, k)
	}
	require.Equal(t, 1, api.LogoutCalls())
}

func TestPanel_OtherTabWriteLogsInWithoutLogin(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	apiA, apiB := &authapitest.Fake{}, &authapitest.Fake{}
	a := openTab(t, adminConfig(), sp, clk, apiA)
	b := openTab(t, adminConfig(), sp, clk, apiB)
	require.NoError(t, b.Start(ctx))
	require.Equal(t, tabsync.StatusLoggedOut, b.Sync().State().Status)

	user := types.UserProfile{ID: "u-1", Email: "a@b.com", Role: types.RoleAdmin}
	require.True(t, a.Session().SetTokens(ctx, "tok1", user, "rt1"))

	require.Eventually(t, func() bool {
		clk.Advance(100 * time.Millisecond)
		return b.Sync().State().Status == tabsync.StatusLoggedIn
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, user, *b.Sync().State().User)
	require.True(t, b.IsAdminAuthenticated(ctx))
	require.Zero(t, apiB.LoginCalls())
	require.Zero(t, apiB.NetworkCalls())
}

func TestPanel_UserPanelRejectsAdmin(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	api := &authapitest.Fake{
		LoginFn: func(context.Context, string, string) (*authapi.TokenResponse, error) {
			return &authapi.TokenResponse{Token: "tok", User: types.UserProfile{ID: "u-1", Email: "a@b.com", Role: types.RoleAdmin}}, nil
		},
	}
	cfg := config.Default()
	cfg.Panel.Name = "user"
	cfg.Panel.Roles = []string{"user", "provider"}
	cfg.Session.DisableAutoRefresh = true
	p := openTab(t, cfg, memory.NewSpace(), clk, api)

	res := p.Login(ctx, "a@b.com", "x")
	require.False(t, res.Authenticated())
	require.Equal(t, session.ReasonRoleNotAllowed, res.(session.AuthFailure).Reason)
	require.False(t, p.IsAuthenticated(ctx))
}

func TestPanel_OpenFromRegistry(t *testing.T) {
	ctx := context.Background()
	cfg := adminConfig()
	cfg.Storage.Driver = "memory"
	cfg.Storage.Namespace = "panel-test-" + t.Name()
	clk := clock.NewManual(t0)

	open := func() *panel.Panel {
		p, err := panel.Open(ctx, cfg, panel.Options{API: &authapitest.Fake{}, Scheduler: clk, Clock: clk.Now})
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		return p
	}
	a, b := open(), open()
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	user := types.UserProfile{ID: "u-1", Email: "a@b.com", Role: types.RoleAdmin}
	require.True(t, a.Session().SetTokens(ctx, "tok1", user, ""))
	// Mismo namespace => mismo espacio compartido.
	require.True(t, b.IsAuthenticated(ctx))

	h := b.HealthCheck(ctx)
	require.True(t, h.RecordValid)
	require.Equal(t, "admin", h.Panel)
}

func TestPanel_StartStartsAutoRefreshAndInactivity(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	cfg := adminConfig()
	cfg.Session.DisableAutoRefresh = false
	cfg.Session.Inactivity.Enabled = true
	p := openTab(t, cfg, memory.NewSpace(), clk, &authapitest.Fake{})

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	require.True(t, p.Session().AutoRefreshActive())
	require.NotNil(t, p.Inactivity())
	require.Equal(t, 2, clk.Active())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.False(t, p.Session().AutoRefreshActive())
	require.Zero(t, clk.Active())
}

func TestPanel_AgainstMockBackend(t *testing.T) {
	ctx := context.Background()
	srv, err := authmock.New(authmock.Config{Secret: []byte("k"), BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	_, err = srv.AddUser("admin@campus.edu", "s3cret", "Ada", types.RoleAdmin)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router(authmock.RouterOptions{}))
	defer ts.Close()

	cfg := adminConfig()
	cfg.API.BaseURL = ts.URL + "/api/auth"
	p, err := panel.Open(ctx, cfg, panel.Options{Backend: memory.NewSpace().Tab()})
	require.NoError(t, err)
	defer p.Close()

	res := p.Login(ctx, "admin@campus.edu", "s3cret")
	require.True(t, res.Authenticated())
	require.Equal(t, 1, srv.ActiveRefreshTokens())

	// Refresh forzado: rota el refresh token en el backend.
	before, _ := p.Store().Read(ctx)
	require.True(t, p.Session().Refresh(ctx).Authenticated())
	after, _ := p.Store().Read(ctx)
	require.NotEqual(t, before.RefreshToken, after.RefreshToken)
	require.Equal(t, 1, srv.ActiveRefreshTokens())

	require.NoError(t, p.Logout(ctx, policy.VariantManual))
	require.Zero(t, srv.ActiveRefreshTokens())
	require.False(t, p.IsAuthenticated(ctx))
}
