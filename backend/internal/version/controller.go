package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/metrics"
	"collabCoord/backend/internal/store"
)

const defaultMaxCASAttempts = 8

// AdvanceResult 冲突是数据不是错误
type AdvanceResult struct {
	Conflict       bool  `json:"conflict"`
	CurrentVersion int64 `json:"currentVersion"`
}

// Controller 每个文档一条版本记录，只能通过 CAS 推进，每次成功恰好 +1。
// 乐观并发，不是互斥锁：输掉 CAS 的调用不改任何本地状态
type Controller struct {
	store  store.Store
	gate   connection.Gate
	clock  clockwork.Clock
	logger *slog.Logger

	// 同一进程内对同一文档的懒创建合并成一次
	sf          singleflight.Group
	maxAttempts int
}

func NewController(s store.Store, gate connection.Gate, clock clockwork.Clock, logger *slog.Logger) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:       s,
		gate:        gate,
		clock:       clock,
		logger:      logger.With("component", "version"),
		maxAttempts: defaultMaxCASAttempts,
	}
}

func lockKey(key entity.DocKey) store.Key {
	return store.Key{Collection: key.LockCollection(), ID: key.ID}
}

// GetLock 读取版本记录，不存在时懒创建 version=0。只是信息性读取，从不阻塞调用方
func (c *Controller) GetLock(ctx context.Context, key entity.DocKey) (entity.VersionRecord, error) {
	if !key.Valid() {
		return entity.VersionRecord{}, fmt.Errorf("get lock: invalid document key %q", key.String())
	}
	sk := lockKey(key)
	doc, err := c.store.Read(ctx, sk)
	if err == nil {
		return decodeRecord(doc.Value)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return entity.VersionRecord{}, entity.NewTransient("read", sk.String(), err)
	}
	if !c.gate.CanSync() {
		// 离线不做远程写，给默认值
		return entity.VersionRecord{}, nil
	}

	v, err, _ := c.sf.Do(sk.String(), func() (any, error) {
		initial, err := store.EncodeJSON(entity.VersionRecord{})
		if err != nil {
			return nil, err
		}
		res, err := c.store.CompareAndSwap(ctx, sk, nil, initial)
		if err != nil {
			return nil, entity.NewTransient("cas", sk.String(), err)
		}
		if res.Applied {
			c.logger.Debug("version record created", "doc", key.String())
			return entity.VersionRecord{}, nil
		}
		// 别的客户端先建好了
		if res.Current == nil {
			return entity.VersionRecord{}, nil
		}
		return decodeRecord(res.Current)
	})
	if err != nil {
		return entity.VersionRecord{}, err
	}
	return v.(entity.VersionRecord), nil
}

// TryAdvance 存储中的版本等于 expected 时原子地推进到 expected+1。
// 版本不同返回 {Conflict: true, CurrentVersion: 存储中的版本}，记录不变
func (c *Controller) TryAdvance(ctx context.Context, key entity.DocKey, userID string, expected int64) (AdvanceResult, error) {
	if userID == "" {
		return AdvanceResult{}, entity.ErrAuthentication
	}
	if !key.Valid() || expected < 0 {
		return AdvanceResult{}, fmt.Errorf("try advance: invalid arguments doc=%q expected=%d", key.String(), expected)
	}
	if !c.gate.CanSync() {
		return AdvanceResult{}, entity.ErrSyncUnavailable
	}
	sk := lockKey(key)

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		var cur []byte
		rec := entity.VersionRecord{}
		doc, err := c.store.Read(ctx, sk)
		switch {
		case err == nil:
			cur = doc.Value
			if rec, err = decodeRecord(cur); err != nil {
				return AdvanceResult{}, err
			}
		case errors.Is(err, store.ErrNotFound):
			// 还没创建，等价于 version 0；cur=nil 让 CAS 要求键不存在
		default:
			metrics.AdvanceResults.WithLabelValues(metrics.ResultError).Inc()
			return AdvanceResult{}, entity.NewTransient("read", sk.String(), err)
		}

		if rec.Version != expected {
			return c.conflict(key, expected, rec.Version), nil
		}

		now := c.clock.Now()
		next, err := store.EncodeJSON(entity.VersionRecord{
			Version:        expected + 1,
			LastModifiedBy: entity.StringPtr(userID),
			LastModifiedAt: &now,
		})
		if err != nil {
			return AdvanceResult{}, fmt.Errorf("encode version record: %w", err)
		}

		res, err := c.store.CompareAndSwap(ctx, sk, cur, next)
		if err != nil {
			metrics.AdvanceResults.WithLabelValues(metrics.ResultError).Inc()
			return AdvanceResult{}, entity.NewTransient("cas", sk.String(), err)
		}
		if res.Applied {
			metrics.AdvanceResults.WithLabelValues(metrics.ResultApplied).Inc()
			c.logger.Info("version advanced", "doc", key.String(), "user", userID, "version", expected+1)
			return AdvanceResult{Conflict: false, CurrentVersion: expected + 1}, nil
		}

		// 输掉 CAS：版本变了就是冲突，版本没变（例如并发懒创建）就再来一次
		if res.Current != nil {
			stored, err := decodeRecord(res.Current)
			if err != nil {
				return AdvanceResult{}, err
			}
			if stored.Version != expected {
				return c.conflict(key, expected, stored.Version), nil
			}
		}
		c.logger.Debug("cas lost without version change, retrying", "doc", key.String(), "attempt", attempt+1)
	}

	metrics.AdvanceResults.WithLabelValues(metrics.ResultError).Inc()
	return AdvanceResult{}, entity.NewTransient("cas", sk.String(),
		fmt.Errorf("gave up after %d attempts", c.maxAttempts))
}

func (c *Controller) conflict(key entity.DocKey, expected, stored int64) AdvanceResult {
	metrics.AdvanceResults.WithLabelValues(metrics.ResultConflict).Inc()
	c.logger.Info("version conflict", "doc", key.String(), "expected", expected, "stored", stored)
	return AdvanceResult{Conflict: true, CurrentVersion: stored}
}

// SubscribeToLock 推送每一次远程版本变化；记录不存在时回调 nil
func (c *Controller) SubscribeToLock(ctx context.Context, key entity.DocKey, fn func(*entity.VersionRecord)) (store.Unsubscribe, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("subscribe lock: invalid document key %q", key.String())
	}
	sk := lockKey(key)
	unsub, err := c.store.Subscribe(ctx, sk, func(snap store.Snapshot, err error) {
		if err != nil {
			c.gate.HandleFailure(err)
			return
		}
		c.gate.HandleSnapshot(snap.Metadata)
		if !snap.Exists {
			fn(nil)
			return
		}
		rec, err := decodeRecord(snap.Value)
		if err != nil {
			c.logger.Warn("skip malformed version record", "key", sk.String(), "error", err)
			return
		}
		fn(&rec)
	})
	if err != nil {
		return nil, entity.NewTransient("subscribe", sk.String(), err)
	}
	return unsub, nil
}

func decodeRecord(b []byte) (entity.VersionRecord, error) {
	rec, err := store.DecodeJSON[entity.VersionRecord](b)
	if err != nil {
		return entity.VersionRecord{}, fmt.Errorf("decode version record: %w", err)
	}
	return rec, nil
}
