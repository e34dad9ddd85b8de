package storage

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citypulse/internal/config"
)

func TestMemoryStoreGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	value := []byte(`{"a":1}`)
	require.NoError(t, m.Set(ctx, "k", value))
	value[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
	assert.NoError(t, m.Close())
}

func TestNamespacePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	ns := WithNamespace(inner, "citypulse")

	require.NoError(t, ns.Set(ctx, "source_status", []byte("{}")))
	assert.Equal(t, []string{"citypulse:source_status"}, inner.Keys())

	got, err := ns.Get(ctx, "source_status")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))

	assert.Equal(t, "k", WithNamespace(inner, "").Key("k"))
	assert.Equal(t, "x:k", WithNamespace(inner, "x:").Key("k"))
}

func TestCapabilityUnwrapsNamespace(t *testing.T) {
	pg := NewStore(nil)
	ns := WithNamespace(pg, "citypulse")

	locker, ok := Capability[AdvisoryLocker](ns)
	require.True(t, ok)
	assert.Same(t, pg, locker)

	_, ok = Capability[AlertStore](ns)
	assert.True(t, ok)

	_, ok = Capability[AdvisoryLocker](WithNamespace(NewMemoryStore(), "x"))
	assert.False(t, ok)

	_, ok = Capability[AdvisoryLocker](nil)
	assert.False(t, ok)
}

func TestOpenMemoryAndBadger(t *testing.T) {
	ctx := context.Background()

	kv, err := Open(ctx, config.StorageConfig{Driver: config.DriverMemory, Namespace: "t"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	require.NoError(t, kv.Close())

	kv, err = Open(ctx, config.StorageConfig{
		Driver:    config.DriverBadger,
		Namespace: "t",
		Badger:    config.BadgerConfig{InMemory: true},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer kv.Close()
	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	_, err = Open(ctx, config.StorageConfig{Driver: "sqlite"}, zerolog.Nop())
	assert.Error(t, err)
}
