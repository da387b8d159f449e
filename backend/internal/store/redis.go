package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"collabCoord/backend/internal/entity"
)

// KEYS[1] = docKey  KEYS[2] = collKey
// ARGV[1] = value   ARGV[2] = id   ARGV[3] = notify channel
var writeScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("PUBLISH", ARGV[3], ARGV[2])
return 1
`)

// KEYS[1] = docKey  KEYS[2] = collKey
// ARGV[1] = "1" 要求键不存在 / "0" 要求等于 ARGV[2]
// ARGV[2] = expected  ARGV[3] = next  ARGV[4] = id  ARGV[5] = notify channel
// 返回 {applied, current}；键不存在时只返回 {0}
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
local matches
if ARGV[1] == "1" then
	matches = (cur == false)
else
	matches = (cur == ARGV[2])
end
if matches then
	redis.call("SET", KEYS[1], ARGV[3])
	redis.call("SADD", KEYS[2], ARGV[4])
	redis.call("PUBLISH", ARGV[5], ARGV[4])
	return {1, ARGV[3]}
end
if cur == false then
	return {0}
end
return {0, cur}
`)

// KEYS[1] = docKey  KEYS[2] = collKey
// ARGV[1] = id  ARGV[2] = notify channel
var deleteScript = redis.NewScript(`
local removed = redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if removed == 1 then
	redis.call("PUBLISH", ARGV[2], ARGV[1])
end
return removed
`)

// 订阅连接断开后的重试间隔
const resubscribeDelay = 500 * time.Millisecond

// RedisStore 基于 redis 的 Store 实现；单机和 cluster 都用 UniversalClient
type RedisStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, logger: logger}
}

func (r *RedisStore) Read(ctx context.Context, key Key) (Document, error) {
	v, err := r.rdb.Get(ctx, docKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, ErrNotFound
		}
		return Document{}, entity.NewTransient("read", key.String(), err)
	}
	return Document{Key: key, Value: v}, nil
}

func (r *RedisStore) Write(ctx context.Context, key Key, value []byte) error {
	err := writeScript.Run(ctx, r.rdb,
		[]string{docKey(key), collKey(key.Collection)},
		value, key.ID, notifyChannel(key.Collection)).Err()
	if err != nil {
		return entity.NewTransient("write", key.String(), err)
	}
	return nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key Key, expected, next []byte) (CASResult, error) {
	expectAbsent := "0"
	if expected == nil {
		expectAbsent = "1"
	}
	res, err := casScript.Run(ctx, r.rdb,
		[]string{docKey(key), collKey(key.Collection)},
		expectAbsent, expected, next, key.ID, notifyChannel(key.Collection)).Result()
	if err != nil {
		return CASResult{}, entity.NewTransient("cas", key.String(), err)
	}
	return parseCASResult(res)
}

func parseCASResult(res any) (CASResult, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return CASResult{}, fmt.Errorf("invalid cas result: %v", res)
	}
	applied, ok := arr[0].(int64)
	if !ok {
		return CASResult{}, fmt.Errorf("invalid cas flag: %T", arr[0])
	}
	out := CASResult{Applied: applied == 1}
	if len(arr) > 1 {
		s, ok := arr[1].(string)
		if !ok {
			return CASResult{}, fmt.Errorf("invalid cas value: %T", arr[1])
		}
		out.Current = []byte(s)
	}
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	err := deleteScript.Run(ctx, r.rdb,
		[]string{docKey(key), collKey(key.Collection)},
		key.ID, notifyChannel(key.Collection)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return entity.NewTransient("delete", key.String(), err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	ids, err := r.rdb.SMembers(ctx, collKey(collection)).Result()
	if err != nil {
		return nil, entity.NewTransient("list", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(Key{Collection: collection, ID: id})
	}
	// 同一个 hash tag，cluster 下 MGET 不会跨 slot
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, entity.NewTransient("list", collection, err)
	}
	out := make([]Document, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// 索引里有但文档已经不在了
			continue
		}
		out = append(out, Document{Key: Key{Collection: collection, ID: ids[i]}, Value: []byte(s)})
	}
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return entity.NewTransient("ping", "", err)
	}
	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, key Key, fn SnapshotFunc) (Unsubscribe, error) {
	var (
		mu   sync.Mutex
		last *Snapshot
	)
	fetch := func(ctx context.Context) (Snapshot, error) {
		doc, err := r.Read(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			return Snapshot{Key: key}, nil
		case err != nil:
			return Snapshot{}, err
		}
		return Snapshot{Key: key, Value: doc.Value, Exists: true}, nil
	}
	deliver := func(snap Snapshot, err error) {
		if err == nil && !snap.Metadata.FromCache {
			mu.Lock()
			cp := snap
			last = &cp
			mu.Unlock()
		}
		fn(snap, err)
	}
	cached := func() (Snapshot, bool) {
		mu.Lock()
		defer mu.Unlock()
		if last == nil {
			return Snapshot{}, false
		}
		snap := *last
		snap.Metadata = Metadata{FromCache: true}
		return snap, true
	}

	return r.watch(ctx, key.Collection, func(payload string) bool { return payload == key.ID },
		func(sub *subscription, ctx context.Context) {
			snap, err := fetch(ctx)
			sub.push(func() { deliver(snap, err) })
		},
		func(sub *subscription, err error, first bool) {
			if snap, ok := cached(); ok && first {
				sub.push(func() { fn(snap, nil) })
				return
			}
			sub.push(func() { fn(Snapshot{}, err) })
		})
}

func (r *RedisStore) SubscribeCollection(ctx context.Context, collection string, fn CollectionFunc) (Unsubscribe, error) {
	var (
		mu   sync.Mutex
		last *CollectionSnapshot
	)
	return r.watch(ctx, collection, func(string) bool { return true },
		func(sub *subscription, ctx context.Context) {
			docs, err := r.List(ctx, collection)
			snap := CollectionSnapshot{Collection: collection, Documents: docs}
			if err == nil {
				mu.Lock()
				last = &snap
				mu.Unlock()
			}
			sub.push(func() { fn(snap, err) })
		},
		func(sub *subscription, err error, first bool) {
			mu.Lock()
			prev := last
			mu.Unlock()
			if prev != nil && first {
				snap := *prev
				snap.Metadata = Metadata{FromCache: true}
				sub.push(func() { fn(snap, nil) })
				return
			}
			sub.push(func() { fn(CollectionSnapshot{}, err) })
		})
}

// watch 订阅集合的通知频道：
// - 订阅成功后立即拉取一次
// - 收到匹配的通知或重新订阅成功后重新拉取
// - 连接断开时，第一次用缓存值降级，之后连续失败直接回调错误
func (r *RedisStore) watch(
	ctx context.Context,
	collection string,
	match func(payload string) bool,
	refresh func(sub *subscription, ctx context.Context),
	degrade func(sub *subscription, err error, first bool),
) (Unsubscribe, error) {
	ps := r.rdb.Subscribe(ctx, notifyChannel(collection))
	// 等待订阅确认，确保之后的写入一定能收到通知
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, entity.NewTransient("subscribe", collection, err)
	}

	sub := newSubscription()
	loopCtx, cancel := context.WithCancel(context.Background())
	refresh(sub, loopCtx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		failures := 0
		for {
			msg, err := ps.Receive(loopCtx)
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				failures++
				r.logger.Warn("store subscription receive failed",
					"collection", collection, "failures", failures, "error", err)
				degrade(sub, entity.NewTransient("subscribe", collection, err), failures == 1)
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(resubscribeDelay):
				}
				continue
			}
			failures = 0
			switch m := msg.(type) {
			case *redis.Message:
				if match(m.Payload) {
					refresh(sub, loopCtx)
				}
			case *redis.Subscription:
				// 断线重连后 go-redis 会自动重新订阅，这里补一次最新值
				if m.Kind == "subscribe" {
					refresh(sub, loopCtx)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
			<-done
			sub.close()
		})
	}, nil
}
