package collab

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
	"collabCoord/backend/internal/identity"
	"collabCoord/backend/internal/store"
)

var (
	doc   = entity.DocKey{Type: entity.DocQuiz, ID: "q1"}
	alice = identity.NewStaticProvider(identity.Identity{UserID: "alice", DisplayName: "Alice"}, true)
	bob   = identity.NewStaticProvider(identity.Identity{UserID: "bob", DisplayName: "Bob"}, true)
)

type recordingSink struct {
	mu     sync.Mutex
	events []CoordEvent
}

func (s *recordingSink) Publish(evt CoordEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) count(t EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type fixture struct {
	mem     *store.MemoryStore
	machine *connection.Machine
	clock   *clockwork.FakeClock
	sink    *recordingSink
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, Config{})
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	mem := store.NewMemoryStore()
	// 状态机用真实时钟；fake clock 只管文档会话的定时器
	machine := connection.NewMachine(mem, nil, nil, connection.Config{})
	machine.Start(true, true)
	require.Eventually(t, func() bool { return machine.Status() == connection.StatusConnected },
		2*time.Second, 5*time.Millisecond)

	f := &fixture{
		mem:     mem,
		machine: machine,
		clock:   clockwork.NewFakeClock(),
		sink:    &recordingSink{},
	}
	f.coord = NewCoordinator(mem, machine, Options{Clock: f.clock, Events: f.sink, Config: cfg})
	t.Cleanup(f.coord.Close)
	return f
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		clock.BlockUntil(n)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d timers", n)
	}
}

func readPresence(t *testing.T, mem *store.MemoryStore, userID string) (entity.EditorPresence, bool) {
	t.Helper()
	raw, err := mem.Read(context.Background(), store.Key{Collection: doc.PresenceCollection(), ID: userID})
	if err != nil {
		return entity.EditorPresence{}, false
	}
	p, err := store.DecodeJSON[entity.EditorPresence](raw.Value)
	require.NoError(t, err)
	return p, true
}

func TestCoordinator_OpenInitializesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ds, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)

	st := ds.Snapshot()
	assert.False(t, st.IsLoading)
	require.NotNil(t, st.SessionID)
	require.NotNil(t, st.DocumentLock)
	assert.Equal(t, int64(0), st.DocumentLock.Version)
	assert.Equal(t, int64(0), st.CurrentVersion)
	assert.False(t, st.HasConflict)
	assert.Nil(t, st.Error)
	assert.Equal(t, connection.StatusConnected, st.Status)
	assert.True(t, st.IsOnline)
	// 自己不出现在名单里
	assert.Empty(t, st.ActiveEditors)

	_, ok := readPresence(t, f.mem, "alice")
	assert.True(t, ok)
	assert.Equal(t, 1, f.sink.count(EventSessionStarted))

	// 再次打开复用同一个会话
	again, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)
	assert.Same(t, ds, again)
	assert.Equal(t, 1, f.coord.OpenCount())

	_, err = f.coord.Open(ctx, bob, doc)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		eds := ds.Snapshot().ActiveEditors
		return len(eds) == 1 && eds[0].UserID == "bob"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinator_OpenRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Open(context.Background(), identity.NewStaticProvider(identity.Identity{}, true), doc)
	assert.ErrorIs(t, err, entity.ErrAuthentication)
	assert.Equal(t, 0, f.coord.OpenCount())

	_, err = f.coord.Open(context.Background(), alice, entity.DocKey{ID: "x"})
	assert.Error(t, err)
}

func TestDocumentSession_ConflictScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)
	b, err := f.coord.Open(ctx, bob, doc)
	require.NoError(t, err)

	assert.True(t, a.RecordEdit(ctx))
	assert.Equal(t, int64(1), a.Snapshot().CurrentVersion)
	assert.False(t, a.Snapshot().HasConflict)

	// B 通过订阅提前看到冲突
	assert.Eventually(t, func() bool { return b.Snapshot().HasConflict }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, b.RecordEdit(ctx))
	st := b.Snapshot()
	assert.True(t, st.HasConflict)
	assert.Equal(t, int64(0), st.CurrentVersion)
	// 冲突确认前不再发起
	assert.False(t, b.RecordEdit(ctx))

	v, err := b.AcknowledgeConflict(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.False(t, b.Snapshot().HasConflict)

	assert.True(t, b.RecordEdit(ctx))
	assert.Equal(t, int64(2), b.Snapshot().CurrentVersion)

	sa, err := f.coord.sessions.Get(ctx, "alice", *a.Snapshot().SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sa.EditCount)
	sb, err := f.coord.sessions.Get(ctx, "bob", *b.Snapshot().SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sb.EditCount)

	assert.Equal(t, 2, f.sink.count(EventVersionAdvanced))
	assert.Equal(t, 1, f.sink.count(EventEditConflict))
}

func TestDocumentSession_EditsDroppedWhileOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ds, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)

	f.machine.SetBrowserOnline(false)
	assert.False(t, ds.RecordEdit(ctx))
	st := ds.Snapshot()
	assert.Equal(t, connection.StatusOffline, st.Status)
	assert.False(t, st.IsOnline)
	assert.Nil(t, st.Error)

	rec, err := f.coord.Versions().GetLock(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Version)
	s, err := f.coord.sessions.Get(ctx, "alice", *st.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.EditCount)
}

func TestDocumentSession_TimersHeartbeatAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ds, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)
	blockUntil(t, f.clock, 2)

	ghost, err := store.EncodeJSON(entity.EditorPresence{
		UserID: "ghost", DocumentType: doc.Type, DocumentID: doc.ID,
		LastSeenAt: f.clock.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, f.mem.Write(ctx, store.Key{Collection: doc.PresenceCollection(), ID: "ghost"}, ghost))
	// 过期的记录不进名单
	assert.Empty(t, ds.Snapshot().ActiveEditors)

	section := "question-1"
	ds.UpdatePresence(ctx, &section)
	f.clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool {
		p, ok := readPresence(t, f.mem, "alice")
		return ok && p.LastSeenAt.Equal(f.clock.Now()) && p.EditingSection != nil && *p.EditingSection == section
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool {
		_, ok := readPresence(t, f.mem, "ghost")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDocumentSession_CloseReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ds, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)
	sid := *ds.Snapshot().SessionID

	// 两个定时器 + 两个订阅
	blockUntil(t, f.clock, 2)
	assert.Equal(t, 2, f.mem.Subscriptions())

	var mu sync.Mutex
	notified := 0
	ds.OnChange(func(State) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	ds.Close()
	ds.Close()
	mu.Lock()
	before := notified
	mu.Unlock()

	blockUntil(t, f.clock, 0)
	assert.Equal(t, 0, f.mem.Subscriptions())
	assert.Equal(t, 0, f.coord.OpenCount())

	// removePresence / endSession 不等待，最终完成
	assert.Eventually(t, func() bool {
		_, ok := readPresence(t, f.mem, "alice")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		s, err := f.coord.sessions.Get(ctx, "alice", sid)
		return err == nil && s.Closed()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sink.count(EventSessionEnded))

	// 关闭后的操作都是空操作
	assert.False(t, ds.RecordEdit(ctx))
	f.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, notified)
	mu.Unlock()
}

func TestCoordinator_CloseClosesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)
	_, err = f.coord.Open(ctx, bob, entity.DocKey{Type: entity.DocLecture, ID: "l1"})
	require.NoError(t, err)
	blockUntil(t, f.clock, 4)

	f.coord.Close()
	blockUntil(t, f.clock, 0)
	assert.Equal(t, 0, f.mem.Subscriptions())
	assert.Equal(t, 0, f.coord.OpenCount())

	_, err = f.coord.Open(ctx, alice, doc)
	assert.Error(t, err)
}

func TestCoordinator_OutageCountsAsOneFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "q3"} {
		_, err := f.coord.Open(ctx, alice, entity.DocKey{Type: entity.DocQuiz, ID: id})
		require.NoError(t, err)
	}
	// 每个文档一个 roster 订阅 + 一个 lock 订阅
	require.Eventually(t, func() bool { return f.mem.Subscriptions() == 6 }, 2*time.Second, 5*time.Millisecond)

	f.mem.SetFailure(errors.New("store down"))
	require.Eventually(t, func() bool { return f.machine.Status() == connection.StatusReconnecting },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	s := f.machine.State()
	assert.Equal(t, 1, s.ReconnectAttempts)
	assert.Equal(t, time.Second, s.RetryDelay)
	assert.Contains(t, s.LastError, "store down")
}

func TestCoordinator_SyncDisabledIdentityStaysLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carol := identity.NewStaticProvider(identity.Identity{UserID: "carol", DisplayName: "Carol"}, false)

	ds, err := f.coord.Open(ctx, carol, doc)
	require.NoError(t, err)
	st := ds.Snapshot()
	assert.False(t, st.IsLoading)
	require.NotNil(t, st.SessionID)
	require.NotNil(t, st.DocumentLock)
	assert.Equal(t, connection.StatusDisabled, st.Status)
	assert.Eventually(t, func() bool { return f.mem.Subscriptions() == 0 }, 2*time.Second, 5*time.Millisecond)

	section := "intro"
	ds.UpdatePresence(ctx, &section)
	assert.False(t, ds.RecordEdit(ctx))
	v, err := ds.AcknowledgeConflict(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	// 连接状态变化不影响本地会话
	f.machine.SetBrowserOnline(false)
	f.machine.SetBrowserOnline(true)
	assert.Equal(t, connection.StatusDisabled, ds.Snapshot().Status)

	sid := *st.SessionID
	f.coord.Close()

	_, ok := readPresence(t, f.mem, "carol")
	assert.False(t, ok)
	_, err = f.mem.Read(ctx, store.Key{Collection: doc.LockCollection(), ID: doc.ID})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.mem.Read(ctx, store.Key{Collection: entity.SessionCollection("carol"), ID: sid})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.sink.count(EventSessionStarted))
	assert.Zero(t, f.sink.count(EventSessionEnded))
}

func TestDocumentSession_CloseDoesNotWaitForStalledStore(t *testing.T) {
	f := newFixtureWith(t, Config{TeardownTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	ds, err := f.coord.Open(ctx, alice, doc)
	require.NoError(t, err)
	blockUntil(t, f.clock, 2)
	f.mem.SetStalled(true)

	start := time.Now()
	ds.Close()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, f.coord.OpenCount())
	assert.Equal(t, 0, f.mem.Subscriptions())

	// 协调器关闭最多等 TeardownTimeout
	start = time.Now()
	f.coord.Close()
	assert.Less(t, time.Since(start), time.Second)

	// removePresence 超时放弃，记录还在
	f.mem.SetStalled(false)
	_, ok := readPresence(t, f.mem, "alice")
	assert.True(t, ok)
}
