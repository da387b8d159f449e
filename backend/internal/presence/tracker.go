package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/metrics"
	"collabCoord/backend/internal/store"
)

type Config struct {
	HeartbeatInterval time.Duration
	// 不设置时取 3 × HeartbeatInterval；小于 2 × HeartbeatInterval 时同样回退
	StalenessThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StalenessThreshold < 2*c.HeartbeatInterval {
		c.StalenessThreshold = 3 * c.HeartbeatInterval
	}
	return c
}

// Tracker 在线编辑者：心跳 + 过期清理（租约模式）。
// 每个 (userId, 文档) 一条记录，存放在集合 presence:<type>:<id> 下，文档ID就是 userId
type Tracker struct {
	store  store.Store
	gate   connection.Gate
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    Config
}

func NewTracker(s store.Store, gate connection.Gate, clock clockwork.Clock, logger *slog.Logger, cfg Config) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		gate:   gate,
		clock:  clock,
		logger: logger.With("component", "presence"),
		cfg:    cfg.withDefaults(),
	}
}

func (t *Tracker) StalenessThreshold() time.Duration { return t.cfg.StalenessThreshold }

func presenceKey(userID string, key entity.DocKey) store.Key {
	return store.Key{Collection: key.PresenceCollection(), ID: userID}
}

// SetPresence 创建/覆盖自己的在线记录。没有身份返回 ErrAuthentication；离线时跳过
func (t *Tracker) SetPresence(ctx context.Context, userID, displayName string, key entity.DocKey, md entity.PresenceMetadata) error {
	if userID == "" {
		return entity.ErrAuthentication
	}
	if !key.Valid() {
		return fmt.Errorf("set presence: invalid document key %q", key.String())
	}
	if !t.gate.CanSync() {
		t.logger.Debug("skip set presence, sync unavailable", "doc", key.String(), "user", userID)
		return nil
	}

	p := entity.EditorPresence{
		UserID:         userID,
		DisplayName:    displayName,
		DocumentType:   key.Type,
		DocumentID:     key.ID,
		UserEmail:      md.UserEmail,
		AvatarRef:      md.AvatarRef,
		EditingSection: md.EditingSection,
		LastSeenAt:     t.clock.Now(),
	}
	b, err := store.EncodeJSON(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	sk := presenceKey(userID, key)
	if err := t.store.Write(ctx, sk, b); err != nil {
		return entity.NewTransient("write", sk.String(), err)
	}
	return nil
}

// Heartbeat 刷新 lastSeenAt；md.EditingSection 非 nil 时一并更新。永远不返回错误，失败只记日志。
// 记录已被清理时按 displayName / md 重建完整记录
func (t *Tracker) Heartbeat(ctx context.Context, userID, displayName string, key entity.DocKey, md entity.PresenceMetadata) {
	if userID == "" || !key.Valid() || !t.gate.CanSync() {
		return
	}
	sk := presenceKey(userID, key)
	now := t.clock.Now()

	p := entity.EditorPresence{
		UserID:       userID,
		DisplayName:  displayName,
		DocumentType: key.Type,
		DocumentID:   key.ID,
		UserEmail:    md.UserEmail,
		AvatarRef:    md.AvatarRef,
	}
	doc, err := t.store.Read(ctx, sk)
	switch {
	case err == nil:
		if cur, derr := store.DecodeJSON[entity.EditorPresence](doc.Value); derr == nil {
			p = mergeIdentity(cur, p)
		} else {
			t.logger.Warn("heartbeat: malformed presence, rewriting", "key", sk.String(), "error", derr)
		}
	case errors.Is(err, store.ErrNotFound):
		t.logger.Debug("heartbeat: presence missing, restoring", "key", sk.String())
	default:
		metrics.HeartbeatFailures.Inc()
		t.logger.Warn("heartbeat read failed", "key", sk.String(), "error", err)
		return
	}

	// lastSeenAt 只增不减
	if now.After(p.LastSeenAt) {
		p.LastSeenAt = now
	}
	if md.EditingSection != nil {
		p.EditingSection = md.EditingSection
	}
	b, err := store.EncodeJSON(p)
	if err != nil {
		t.logger.Warn("heartbeat encode failed", "key", sk.String(), "error", err)
		return
	}
	if err := t.store.Write(ctx, sk, b); err != nil {
		metrics.HeartbeatFailures.Inc()
		t.logger.Warn("heartbeat write failed", "key", sk.String(), "error", err)
		return
	}
	t.logger.Debug("heartbeat", "key", sk.String())
}

// mergeIdentity 以存储中的记录为准，空字段用调用方的身份补齐
func mergeIdentity(cur, id entity.EditorPresence) entity.EditorPresence {
	if cur.DisplayName == "" {
		cur.DisplayName = id.DisplayName
	}
	if cur.UserEmail == "" {
		cur.UserEmail = id.UserEmail
	}
	if cur.AvatarRef == "" {
		cur.AvatarRef = id.AvatarRef
	}
	cur.UserID, cur.DocumentType, cur.DocumentID = id.UserID, id.DocumentType, id.DocumentID
	return cur
}

// RemovePresence 尽力删除，失败吞掉
func (t *Tracker) RemovePresence(ctx context.Context, userID string, key entity.DocKey) {
	if userID == "" || !key.Valid() || !t.gate.CanSync() {
		return
	}
	sk := presenceKey(userID, key)
	if err := t.store.Delete(ctx, sk); err != nil {
		t.logger.Warn("remove presence failed", "key", sk.String(), "error", err)
	}
}

// SubscribeToRoster 每次远程变更推送一次当前名单（已过滤过期记录）。
// 推送失败只上报给连接状态机，不清空调用方已有的名单
func (t *Tracker) SubscribeToRoster(ctx context.Context, key entity.DocKey, fn func([]entity.EditorPresence)) (store.Unsubscribe, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("subscribe roster: invalid document key %q", key.String())
	}
	unsub, err := t.store.SubscribeCollection(ctx, key.PresenceCollection(), func(snap store.CollectionSnapshot, err error) {
		if err != nil {
			t.gate.HandleFailure(err)
			return
		}
		t.gate.HandleSnapshot(snap.Metadata)
		fn(t.filter(snap.Documents))
	})
	if err != nil {
		return nil, entity.NewTransient("subscribe", key.PresenceCollection(), err)
	}
	return unsub, nil
}

// ActiveEditors 一次性读取当前名单
func (t *Tracker) ActiveEditors(ctx context.Context, key entity.DocKey) ([]entity.EditorPresence, error) {
	docs, err := t.store.List(ctx, key.PresenceCollection())
	if err != nil {
		return nil, entity.NewTransient("list", key.PresenceCollection(), err)
	}
	return t.filter(docs), nil
}

// SweepStale 删除所有过期记录，返回删除数量。
// 多个客户端同时清理是安全的：每条删除针对独立的记录，重复删除是空操作
func (t *Tracker) SweepStale(ctx context.Context, key entity.DocKey) int {
	if !key.Valid() || !t.gate.CanSync() {
		return 0
	}
	docs, err := t.store.List(ctx, key.PresenceCollection())
	if err != nil {
		t.logger.Warn("sweep list failed", "doc", key.String(), "error", err)
		return 0
	}
	now := t.clock.Now()
	removed := 0
	for _, d := range docs {
		p, err := store.DecodeJSON[entity.EditorPresence](d.Value)
		if err == nil && !p.IsStale(now, t.cfg.StalenessThreshold) {
			continue
		}
		if err := t.store.Delete(ctx, d.Key); err != nil {
			t.logger.Warn("sweep delete failed", "key", d.Key.String(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.PresenceSwept.Add(float64(removed))
		t.logger.Info("swept stale presence", "doc", key.String(), "removed", removed)
	}
	return removed
}

// filter 去掉过期/损坏的记录，按 lastSeenAt 倒序、userId 正序
func (t *Tracker) filter(docs []store.Document) []entity.EditorPresence {
	now := t.clock.Now()
	out := make([]entity.EditorPresence, 0, len(docs))
	for _, d := range docs {
		p, err := store.DecodeJSON[entity.EditorPresence](d.Value)
		if err != nil {
			t.logger.Warn("skip malformed presence", "key", d.Key.String(), "error", err)
			continue
		}
		if p.IsStale(now, t.cfg.StalenessThreshold) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
