package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *rdb.Client {
	t.Helper()
	addr := os.Getenv("CAMPUSAUTH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAMPUSAUTH_TEST_REDIS_ADDR not set")
	}
	return rdb.NewClient(&rdb.Options{Addr: addr})
}

func TestBackend_CrossInstanceChanges(t *testing.T) {
	ns := "test-" + uuid.NewString()
	a := New(newTestClient(t), ns)
	defer a.Close()
	b := New(newTestClient(t), ns)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, err := b.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetMany(ctx, map[string]string{"campus_access_token": "tok", "campus_user": "{}"}))
	v, ok, err := b.Get(ctx, "campus_access_token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok", v)

	kv, err := b.GetMany(ctx, "campus_access_token", "campus_user", "campus_refresh_token")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"campus_access_token": "tok", "campus_user": "{}"}, kv)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case c := <-changes:
			require.False(t, c.Removed)
			seen[c.Key] = true
		case <-ctx.Done():
			t.Fatalf("timeout, seen=%v", seen)
		}
	}

	n, err := a.DeleteMany(ctx, "campus_access_token", "campus_user", "campus_refresh_token")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	select {
	case c := <-changes:
		require.True(t, c.Removed)
	case <-ctx.Done():
		t.Fatal("no removal delivered")
	}
}
