package memory

import (
	"context"
	"testing"
	"time"

	store "github.com/dropDatabas3/campusauth/internal/store"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan store.Change) store.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change received")
		return store.Change{}
	}
}

func TestSpace_OtherTabsSeeChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sp := NewSpace()
	a, b := sp.Tab(), sp.Tab()
	defer a.Close()
	defer b.Close()

	aw, err := a.Watch(ctx)
	require.NoError(t, err)
	bw, err := b.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetMany(ctx, map[string]string{"k": "v"}))
	c := recv(t, bw)
	require.Equal(t, "k", c.Key)
	require.False(t, c.Removed)

	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	// Escribir el mismo valor no es un cambio.
	require.NoError(t, a.SetMany(ctx, map[string]string{"k": "v"}))

	n, err := b.DeleteMany(ctx, "k", "missing")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	c = recv(t, aw)
	require.True(t, c.Removed)

	// La instancia que escribe nunca recibe sus propios cambios.
	select {
	case c := <-bw:
		t.Fatalf("unexpected own change %+v", c)
	default:
	}
	require.Empty(t, sp.Snapshot())
}

func TestAdapter_SharesSpaceByNamespace(t *testing.T) {
	ctx := context.Background()
	a, err := store.OpenBackend(ctx, store.BackendConfig{Driver: "memory", Namespace: t.Name()})
	require.NoError(t, err)
	b, err := store.OpenBackend(ctx, store.BackendConfig{Driver: "memory", Namespace: t.Name()})
	require.NoError(t, err)
	other, err := store.OpenBackend(ctx, store.BackendConfig{Driver: "memory", Namespace: t.Name() + "-other"})
	require.NoError(t, err)

	require.NoError(t, a.SetMany(ctx, map[string]string{"k": "v"}))
	_, ok, _ := b.Get(ctx, "k")
	require.True(t, ok)
	_, ok, _ = other.Get(ctx, "k")
	require.False(t, ok)
}
