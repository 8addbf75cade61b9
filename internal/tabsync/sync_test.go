package tabsync_test

import (
	"context"
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
	"github.com/dropDatabas3/campusauth/internal/tabsync"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	admin = types.UserProfile{ID: "u-1", Email: "a@b.com", FullName: "Ana", Role: types.RoleAdmin}
)

type tab struct {
	svc  *session.Service
	api  *authapitest.Fake
	sync *tabsync.Synchronizer
}

func newTab(t *testing.T, sp *memory.Space, clk *clock.Manual) *tab {
	t.Helper()
	st := store.New(sp.Tab(), store.Options{Clock: clk.Now})
	api := &authapitest.Fake{}
	svc, err := session.New(session.Deps{
		Store: st, API: api, Bus: events.NewBus(), Scheduler: clk, Clock: clk.Now,
		Config: session.Config{TokenTTL: 10 * time.Minute},
	})
	require.NoError(t, err)
	sy := tabsync.New(svc, tabsync.Options{Scheduler: clk, Clock: clk.Now})
	t.Cleanup(func() {
		sy.Stop()
		svc.Close()
		_ = st.Close()
	})
	return &tab{svc: svc, api: api, sync: sy}
}

func TestSynchronizer_StorageWriteInOtherTabLogsIn(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	a, b := newTab(t, sp, clk), newTab(t, sp, clk)
	require.Equal(t, tabsync.StatusLoggedOut, b.sync.Revalidate(ctx).Status)

	require.True(t, a.svc.SetTokens(ctx, "tok1", admin, "rt1"))

	// El evento de storage llega a B.
	b.sync.HandleStorageChange(ctx, store.Change{Key: b.svc.Store().Keys().AccessToken})
	clk.Advance(100 * time.Millisecond)

	st := b.sync.State()
	require.Equal(t, tabsync.StatusLoggedIn, st.Status)
	require.Equal(t, admin, *st.User)
	require.True(t, b.svc.Cache().Fresh())
	u, ok := session.UserOf(b.svc.GetAuthWithCache(ctx))
	require.True(t, ok)
	require.Equal(t, admin, u)
	require.Zero(t, b.api.LoginCalls())
	require.Zero(t, b.api.NetworkCalls())
}

func TestSynchronizer_WatchDeliversOtherTabWrites(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	a, b := newTab(t, sp, clk), newTab(t, sp, clk)
	require.NoError(t, b.sync.Start(ctx))

	require.True(t, a.svc.SetTokens(ctx, "tok1", admin, ""))
	require.Eventually(t, func() bool {
		clk.Advance(100 * time.Millisecond)
		return b.sync.State().Status == tabsync.StatusLoggedIn
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.svc.ClearTokens(ctx))
	require.Eventually(t, func() bool {
		return b.sync.State().Status == tabsync.StatusLoggedOut
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "storage_removed", b.sync.State().Reason)
	require.Zero(t, b.api.NetworkCalls())
}

func TestSynchronizer_RemovalLogsOutWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	b := newTab(t, sp, clk)
	require.True(t, b.svc.SetTokens(ctx, "tok1", admin, "rt1"))
	require.NoError(t, b.sync.Start(ctx))
	require.Equal(t, tabsync.StatusLoggedIn, b.sync.State().Status)

	var seen []tabsync.Status
	b.sync.Subscribe(func(s tabsync.State) { seen = append(seen, s.Status) })

	b.sync.HandleStorageChange(ctx, store.Change{Key: b.svc.Store().Keys().User, Removed: true})

	require.Equal(t, tabsync.StatusLoggedOut, b.sync.State().Status)
	require.Equal(t, []tabsync.Status{tabsync.StatusLoggedOut}, seen)
	require.False(t, b.svc.Cache().Fresh())
	require.Zero(t, b.api.NetworkCalls())
	require.Zero(t, clk.Active())
}

func TestSynchronizer_CoalescesBursts(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	sp := memory.NewSpace()
	b := newTab(t, sp, clk)
	require.True(t, b.svc.SetTokens(ctx, "tok1", admin, ""))
	require.NoError(t, b.sync.Start(ctx))
	keys := b.svc.Store().Keys()

	before := b.svc.Cache().Stats().Misses
	for i := 0; i < 5; i++ {
		b.sync.HandleStorageChange(ctx, store.Change{Key: keys.AccessToken})
		b.sync.HandleStorageChange(ctx, store.Change{Key: keys.LastLogin})
		clk.Advance(10 * time.Millisecond)
	}
	b.sync.NotifyVisible()
	require.Equal(t, 1, clk.Active())

	clk.Advance(100 * time.Millisecond)
	require.Equal(t, before+1, b.svc.Cache().Stats().Misses)
	require.Zero(t, clk.Active())
}

func TestSynchronizer_IgnoresForeignKeys(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	b := newTab(t, memory.NewSpace(), clk)

	b.sync.HandleStorageChange(ctx, store.Change{Key: "theme", Removed: true})
	require.Zero(t, clk.Active())
	require.Equal(t, tabsync.StatusUnknown, b.sync.State().Status)
}

func TestSynchronizer_TransientFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	b := newTab(t, memory.NewSpace(), clk)
	b.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		return nil, authapi.ErrUnavailable
	}
	require.True(t, b.svc.SetTokens(ctx, "tok1", admin, "rt1"))
	require.NoError(t, b.sync.Start(ctx))
	require.Equal(t, tabsync.StatusLoggedIn, b.sync.State().Status)

	clk.Advance(11 * time.Minute)
	b.sync.NotifyVisible()
	clk.Advance(100 * time.Millisecond)

	require.Equal(t, 1, b.api.RefreshCalls())
	st := b.sync.State()
	require.Equal(t, tabsync.StatusLoggedIn, st.Status)
	require.Equal(t, admin, *st.User)
}

func TestSynchronizer_LocalLogoutEvent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	b := newTab(t, memory.NewSpace(), clk)
	require.True(t, b.svc.SetTokens(ctx, "tok1", admin, ""))
	require.NoError(t, b.sync.Start(ctx))

	require.NoError(t, b.svc.ClearTokens(ctx))
	require.Equal(t, tabsync.StatusLoggedOut, b.sync.State().Status)
	require.Zero(t, clk.Active())
}

func TestSynchronizer_StartStop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	b := newTab(t, memory.NewSpace(), clk)

	require.NoError(t, b.sync.Start(ctx))
	require.ErrorIs(t, b.sync.Start(ctx), tabsync.ErrAlreadyStarted)
	require.Equal(t, 1, b.svc.Bus().Count(events.AuthStateChanged))

	b.sync.NotifyVisible()
	b.sync.Stop()
	b.sync.Stop()
	require.Zero(t, b.svc.Bus().Count(events.AuthStateChanged))
	require.Zero(t, clk.Active())

	require.NoError(t, b.sync.Start(ctx))
}

func TestSynchronizer_StartStopLoop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	b := newTab(t, memory.NewSpace(), clk)

	for i := 0; i < 500; i++ {
		require.NoError(t, b.sync.Start(ctx))
		b.sync.Stop()
	}
	require.Zero(t, b.svc.Bus().Count(events.AuthStateChanged))
}

func TestSynchronizer_FirstCheckTransientFailureNotifiesUnknown(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	b := newTab(t, memory.NewSpace(), clk)
	b.api.RefreshFn = func(context.Context, string) (*authapi.TokenResponse, error) {
		return nil, authapi.ErrUnavailable
	}
	require.True(t, b.svc.SetTokens(ctx, "tok1", admin, "rt1"))
	clk.Advance(11 * time.Minute)

	var seen []tabsync.Status
	b.sync.Subscribe(func(s tabsync.State) { seen = append(seen, s.Status) })
	require.NoError(t, b.sync.Start(ctx))

	require.Equal(t, []tabsync.Status{tabsync.StatusChecking, tabsync.StatusUnknown}, seen)
	require.Equal(t, tabsync.StatusUnknown, b.sync.State().Status)
}
