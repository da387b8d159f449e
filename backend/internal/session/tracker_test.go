package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/store"
)

var doc = entity.DocKey{Type: entity.DocMaterial, ID: "m1"}

type memArchive struct {
	mu    sync.Mutex
	saved []entity.EditSession
	err   error
}

func (a *memArchive) Save(_ context.Context, s entity.EditSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, s)
	return a.err
}

func newTracker(gate connection.Gate, archive Archive) (*Tracker, *store.MemoryStore, *clockwork.FakeClock) {
	mem := store.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	return NewTracker(mem, gate, clock, nil, archive), mem, clock
}

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	archive := &memArchive{}
	tr, _, clock := newTracker(connection.StaticGate(true), archive)

	_, err := tr.StartSession(ctx, "", doc)
	assert.ErrorIs(t, err, entity.ErrAuthentication)

	id, err := tr.StartSession(ctx, "u1", doc)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := tr.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.EditCount)
	assert.Nil(t, s.LastEditAt)
	assert.Equal(t, doc, s.Key())

	// 冲突的编辑不计数
	require.NoError(t, tr.RecordEdit(ctx, "u1", id, false))
	clock.Advance(time.Minute)
	require.NoError(t, tr.RecordEdit(ctx, "u1", id, true))
	require.NoError(t, tr.RecordEdit(ctx, "u1", id, true))

	s, err = tr.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.EditCount)
	require.NotNil(t, s.LastEditAt)
	assert.True(t, s.LastEditAt.Equal(clock.Now()))

	tr.EndSession(ctx, "u1", id)
	s, err = tr.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, s.Closed())

	// 结束后不再计数，也不会重复归档
	require.NoError(t, tr.RecordEdit(ctx, "u1", id, true))
	tr.EndSession(ctx, "u1", id)
	s, err = tr.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.EditCount)

	archive.mu.Lock()
	require.Len(t, archive.saved, 1)
	assert.Equal(t, id, archive.saved[0].ID)
	assert.Equal(t, int64(2), archive.saved[0].EditCount)
	archive.mu.Unlock()
}

func TestTracker_ConcurrentEditsAllCounted(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTracker(connection.StaticGate(true), nil)
	id, err := tr.StartSession(ctx, "u1", doc)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.RecordEdit(ctx, "u1", id, true))
		}()
	}
	wg.Wait()

	s, err := tr.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.EditCount)
}

func TestTracker_BestEffortEnd(t *testing.T) {
	ctx := context.Background()
	archive := &memArchive{err: errors.New("db down")}
	tr, mem, _ := newTracker(connection.StaticGate(true), archive)
	id, err := tr.StartSession(ctx, "u1", doc)
	require.NoError(t, err)

	// 归档失败也不影响结束
	assert.NotPanics(t, func() { tr.EndSession(ctx, "u1", id) })
	s, err := tr.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, s.Closed())

	mem.SetFailure(errors.New("unreachable"))
	assert.NotPanics(t, func() { tr.EndSession(ctx, "u1", "missing") })
	err = tr.RecordEdit(ctx, "u1", id, true)
	assert.True(t, entity.IsTransient(err))
}

func TestTracker_OfflineStartsLocally(t *testing.T) {
	ctx := context.Background()
	tr, mem, _ := newTracker(connection.StaticGate(false), nil)

	id, err := tr.StartSession(ctx, "u1", doc)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	docs, err := mem.List(ctx, entity.SessionCollection("u1"))
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NoError(t, tr.RecordEdit(ctx, "u1", id, true))
}
