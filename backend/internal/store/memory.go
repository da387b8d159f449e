package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"collabCoord/backend/internal/entity"
)

type keyWatcher struct {
	sub *subscription
	fn  SnapshotFunc
}

type collWatcher struct {
	sub *subscription
	fn  CollectionFunc
}

// MemoryStore 进程内实现：单机部署和测试用。
// 支持故障注入：SetFailure 让所有调用失败，SetStalled 让调用一直挂起（模拟存储无响应）
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte // collection -> id -> value

	keyWatchers  map[Key]map[*keyWatcher]struct{}
	collWatchers map[string]map[*collWatcher]struct{}

	failure error
	stalled bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:         make(map[string]map[string][]byte),
		keyWatchers:  make(map[Key]map[*keyWatcher]struct{}),
		collWatchers: make(map[string]map[*collWatcher]struct{}),
	}
}

// SetFailure 非 nil 时所有操作返回该错误，已有订阅收到一次错误回调
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
	if err == nil {
		return
	}
	for _, ws := range m.keyWatchers {
		for w := range ws {
			w := w
			w.sub.push(func() { w.fn(Snapshot{}, err) })
		}
	}
	for _, ws := range m.collWatchers {
		for w := range ws {
			w := w
			w.sub.push(func() { w.fn(CollectionSnapshot{}, err) })
		}
	}
}

// SetStalled 为 true 时调用挂起直到 ctx 结束，新订阅不推送初始值
func (m *MemoryStore) SetStalled(stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalled = stalled
}

// Subscriptions 当前存活的订阅数
func (m *MemoryStore) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ws := range m.keyWatchers {
		n += len(ws)
	}
	for _, ws := range m.collWatchers {
		n += len(ws)
	}
	return n
}

// gate 返回 nil 表示可以继续；调用方持有锁进入，返回时仍持有锁
func (m *MemoryStore) gate(ctx context.Context, op string, key string) error {
	if m.stalled {
		m.mu.Unlock()
		<-ctx.Done()
		m.mu.Lock()
		return entity.NewTransient(op, key, ctx.Err())
	}
	if m.failure != nil {
		return entity.NewTransient(op, key, m.failure)
	}
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, key Key) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx, "read", key.String()); err != nil {
		return Document{}, err
	}
	v, ok := m.docs[key.Collection][key.ID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Key: key, Value: bytes.Clone(v)}, nil
}

func (m *MemoryStore) Write(ctx context.Context, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx, "write", key.String()); err != nil {
		return err
	}
	m.put(key, value)
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key Key, expected, next []byte) (CASResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx, "cas", key.String()); err != nil {
		return CASResult{}, err
	}
	cur, exists := m.docs[key.Collection][key.ID]
	matches := (expected == nil && !exists) || (expected != nil && exists && bytes.Equal(cur, expected))
	if !matches {
		var current []byte
		if exists {
			current = bytes.Clone(cur)
		}
		return CASResult{Applied: false, Current: current}, nil
	}
	m.put(key, next)
	return CASResult{Applied: true, Current: bytes.Clone(next)}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx, "delete", key.String()); err != nil {
		return err
	}
	coll := m.docs[key.Collection]
	if _, ok := coll[key.ID]; !ok {
		return nil
	}
	delete(coll, key.ID)
	if len(coll) == 0 {
		delete(m.docs, key.Collection)
	}
	m.notify(key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gate(ctx, "list", collection); err != nil {
		return nil, err
	}
	return m.listLocked(collection), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, key Key, fn SnapshotFunc) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, entity.NewTransient("subscribe", key.String(), m.failure)
	}
	w := &keyWatcher{sub: newSubscription(), fn: fn}
	if m.keyWatchers[key] == nil {
		m.keyWatchers[key] = make(map[*keyWatcher]struct{})
	}
	m.keyWatchers[key][w] = struct{}{}
	if !m.stalled {
		snap := m.snapshotLocked(key)
		w.sub.push(func() { fn(snap, nil) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.keyWatchers[key], w)
			if len(m.keyWatchers[key]) == 0 {
				delete(m.keyWatchers, key)
			}
			m.mu.Unlock()
			w.sub.close()
		})
	}, nil
}

func (m *MemoryStore) SubscribeCollection(ctx context.Context, collection string, fn CollectionFunc) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, entity.NewTransient("subscribe", collection, m.failure)
	}
	w := &collWatcher{sub: newSubscription(), fn: fn}
	if m.collWatchers[collection] == nil {
		m.collWatchers[collection] = make(map[*collWatcher]struct{})
	}
	m.collWatchers[collection][w] = struct{}{}
	if !m.stalled {
		snap := CollectionSnapshot{Collection: collection, Documents: m.listLocked(collection)}
		w.sub.push(func() { fn(snap, nil) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.collWatchers[collection], w)
			if len(m.collWatchers[collection]) == 0 {
				delete(m.collWatchers, collection)
			}
			m.mu.Unlock()
			w.sub.close()
		})
	}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate(ctx, "ping", "")
}

func (m *MemoryStore) put(key Key, value []byte) {
	if m.docs[key.Collection] == nil {
		m.docs[key.Collection] = make(map[string][]byte)
	}
	m.docs[key.Collection][key.ID] = bytes.Clone(value)
	m.notify(key)
}

// notify 在持锁状态下入队，保证同一个键的推送顺序与写入顺序一致
func (m *MemoryStore) notify(key Key) {
	if ws := m.keyWatchers[key]; len(ws) > 0 {
		snap := m.snapshotLocked(key)
		for w := range ws {
			w := w
			w.sub.push(func() { w.fn(snap, nil) })
		}
	}
	if ws := m.collWatchers[key.Collection]; len(ws) > 0 {
		snap := CollectionSnapshot{Collection: key.Collection, Documents: m.listLocked(key.Collection)}
		for w := range ws {
			w := w
			w.sub.push(func() { w.fn(snap, nil) })
		}
	}
}

func (m *MemoryStore) snapshotLocked(key Key) Snapshot {
	v, ok := m.docs[key.Collection][key.ID]
	if !ok {
		return Snapshot{Key: key}
	}
	return Snapshot{Key: key, Value: bytes.Clone(v), Exists: true}
}

func (m *MemoryStore) listLocked(collection string) []Document {
	coll := m.docs[collection]
	out := make([]Document, 0, len(coll))
	for id, v := range coll {
		out = append(out, Document{Key: Key{Collection: collection, ID: id}, Value: bytes.Clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out
}
