package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCoord/backend/internal/entity"
)

var testKey = Key{Collection: "locks:quiz", ID: "q1"}

func TestMemoryStore_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Read(ctx, testKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Write(ctx, testKey, []byte(`{"version":0}`)))
	doc, err := m.Read(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, `{"version":0}`, string(doc.Value))

	require.NoError(t, m.Delete(ctx, testKey))
	// 删除不存在的键不是错误
	require.NoError(t, m.Delete(ctx, testKey))
	_, err = m.Read(ctx, testKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	res, err := m.CompareAndSwap(ctx, testKey, nil, []byte("a"))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// 期望不存在，但已经存在
	res, err = m.CompareAndSwap(ctx, testKey, nil, []byte("b"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "a", string(res.Current))

	res, err = m.CompareAndSwap(ctx, testKey, []byte("x"), []byte("b"))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = m.CompareAndSwap(ctx, testKey, []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "b", string(res.Current))
}

func TestMemoryStore_CompareAndSwapSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Write(ctx, testKey, []byte("v0")))

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.CompareAndSwap(ctx, testKey, []byte("v0"), []byte("v1"))
			if err == nil && res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestMemoryStore_SubscribeOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	var mu sync.Mutex
	var got []string
	unsub, err := m.Subscribe(ctx, testKey, func(s Snapshot, err error) {
		assert.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		if s.Exists {
			got = append(got, string(s.Value))
		} else {
			got = append(got, "<nil>")
		}
	})
	require.NoError(t, err)
	defer unsub()

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, m.Write(ctx, testKey, []byte(v)))
	}
	require.NoError(t, m.Delete(ctx, testKey))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"<nil>", "1", "2", "3", "<nil>"}, got)
	mu.Unlock()
}

func TestMemoryStore_SubscribeCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	latest := make(chan []Document, 16)
	unsub, err := m.SubscribeCollection(ctx, "presence:quiz:q1", func(s CollectionSnapshot, err error) {
		assert.NoError(t, err)
		latest <- s.Documents
	})
	require.NoError(t, err)
	defer unsub()

	assert.Len(t, <-latest, 0)
	require.NoError(t, m.Write(ctx, Key{Collection: "presence:quiz:q1", ID: "u1"}, []byte("{}")))
	assert.Len(t, <-latest, 1)
	// 其他集合的写入不影响
	require.NoError(t, m.Write(ctx, Key{Collection: "presence:quiz:q2", ID: "u1"}, []byte("{}")))
	require.NoError(t, m.Write(ctx, Key{Collection: "presence:quiz:q1", ID: "u2"}, []byte("{}")))
	docs := <-latest
	require.Len(t, docs, 2)
	assert.Equal(t, "u1", docs[0].Key.ID)
	assert.Equal(t, "u2", docs[1].Key.ID)
}

func TestMemoryStore_UnsubscribeReleases(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	u1, err := m.Subscribe(ctx, testKey, func(Snapshot, error) {})
	require.NoError(t, err)
	u2, err := m.SubscribeCollection(ctx, "c", func(CollectionSnapshot, error) {})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Subscriptions())

	u1()
	u1()
	u2()
	assert.Equal(t, 0, m.Subscriptions())
}

func TestMemoryStore_FailureAndStall(t *testing.T) {
	m := NewMemoryStore()
	boom := errors.New("network down")

	errs := make(chan error, 4)
	unsub, err := m.Subscribe(context.Background(), testKey, func(_ Snapshot, err error) {
		if err != nil {
			errs <- err
		}
	})
	require.NoError(t, err)
	defer unsub()

	m.SetFailure(boom)
	assert.ErrorIs(t, <-errs, boom)
	err = m.Write(context.Background(), testKey, []byte("x"))
	assert.True(t, entity.IsTransient(err))
	_, err = m.Subscribe(context.Background(), testKey, func(Snapshot, error) {})
	assert.ErrorIs(t, err, boom)
	m.SetFailure(nil)

	m.SetStalled(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Read(ctx, testKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	m.SetStalled(false)
	require.NoError(t, m.Ping(context.Background()))
}
