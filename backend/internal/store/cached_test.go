package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStore_ServesCacheWhenBackendFails(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	c, err := NewCachedStore(mem, 16)
	require.NoError(t, err)

	require.NoError(t, c.Write(ctx, testKey, []byte("v1")))
	docs, err := c.List(ctx, testKey.Collection)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	mem.SetFailure(errors.New("unreachable"))
	doc, err := c.Read(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(doc.Value))
	docs, err = c.List(ctx, testKey.Collection)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	// 没缓存过的键照样报错
	_, err = c.Read(ctx, Key{Collection: "x", ID: "y"})
	assert.Error(t, err)

	// CAS 永远不走缓存
	_, err = c.CompareAndSwap(ctx, testKey, []byte("v1"), []byte("v2"))
	assert.Error(t, err)
}

func TestCachedStore_SubscriptionDegradesToCache(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	c, err := NewCachedStore(mem, 16)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, testKey, []byte("v1")))

	snaps := make(chan Snapshot, 8)
	errs := make(chan error, 8)
	unsub, err := c.Subscribe(ctx, testKey, func(s Snapshot, err error) {
		if err != nil {
			errs <- err
			return
		}
		snaps <- s
	})
	require.NoError(t, err)
	defer unsub()

	first := <-snaps
	assert.False(t, first.Metadata.FromCache)

	mem.SetFailure(errors.New("unreachable"))
	select {
	case s := <-snaps:
		assert.True(t, s.Metadata.FromCache)
		assert.Equal(t, "v1", string(s.Value))
	case err := <-errs:
		t.Fatalf("expected cached snapshot, got error %v", err)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestCachedStore_DeleteEvicts(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	c, err := NewCachedStore(mem, 0)
	require.NoError(t, err)

	require.NoError(t, c.Write(ctx, testKey, []byte("v1")))
	require.NoError(t, c.Delete(ctx, testKey))
	mem.SetFailure(errors.New("unreachable"))
	_, err = c.Read(ctx, testKey)
	assert.Error(t, err)
}
