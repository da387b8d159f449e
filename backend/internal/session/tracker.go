package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/store"
)

const maxUpdateAttempts = 5

// Archive 结束的会话交给归档（可选，尽力而为）
type Archive interface {
	Save(ctx context.Context, s entity.EditSession) error
}

// Tracker 每个用户在每个文档上的一次连续编辑会话；记录放在 sessions:<userId> 集合下
type Tracker struct {
	store   store.Store
	gate    connection.Gate
	clock   clockwork.Clock
	logger  *slog.Logger
	archive Archive
}

func NewTracker(s store.Store, gate connection.Gate, clock clockwork.Clock, logger *slog.Logger, archive Archive) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   s,
		gate:    gate,
		clock:   clock,
		logger:  logger.With("component", "session"),
		archive: archive,
	}
}

func sessionKey(userID, sessionID string) store.Key {
	return store.Key{Collection: entity.SessionCollection(userID), ID: sessionID}
}

// StartSession 创建会话并返回ID。离线时只生成ID，不写远程
func (t *Tracker) StartSession(ctx context.Context, userID string, key entity.DocKey) (string, error) {
	if userID == "" {
		return "", entity.ErrAuthentication
	}
	if !key.Valid() {
		return "", fmt.Errorf("start session: invalid document key %q", key.String())
	}
	s := entity.EditSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		DocumentType: key.Type,
		DocumentID:   key.ID,
		StartedAt:    t.clock.Now(),
	}
	if !t.gate.CanSync() {
		t.logger.Debug("session started locally, sync unavailable", "session", s.ID, "doc", key.String())
		return s.ID, nil
	}
	b, err := store.EncodeJSON(s)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	sk := sessionKey(userID, s.ID)
	if err := t.store.Write(ctx, sk, b); err != nil {
		return "", entity.NewTransient("write", sk.String(), err)
	}
	t.logger.Info("session started", "session", s.ID, "user", userID, "doc", key.String())
	return s.ID, nil
}

// RecordEdit 只有 succeeded=true（通过了 TryAdvance）才计数
func (t *Tracker) RecordEdit(ctx context.Context, userID, sessionID string, succeeded bool) error {
	if !succeeded || !t.gate.CanSync() {
		return nil
	}
	return t.update(ctx, userID, sessionID, func(s *entity.EditSession) bool {
		if s.Closed() {
			return false
		}
		now := t.clock.Now()
		s.EditCount++
		s.LastEditAt = &now
		return true
	})
}

// EndSession 标记结束（不删除），然后交给归档。尽力而为，错误只记日志
func (t *Tracker) EndSession(ctx context.Context, userID, sessionID string) {
	if userID == "" || sessionID == "" || !t.gate.CanSync() {
		return
	}
	var ended entity.EditSession
	err := t.update(ctx, userID, sessionID, func(s *entity.EditSession) bool {
		if s.Closed() {
			return false
		}
		now := t.clock.Now()
		s.EndedAt = &now
		ended = *s
		return true
	})
	if err != nil {
		t.logger.Warn("end session failed", "session", sessionID, "user", userID, "error", err)
		return
	}
	if ended.ID == "" {
		return
	}
	t.logger.Info("session ended", "session", sessionID, "user", userID, "edits", ended.EditCount)
	if t.archive != nil {
		if err := t.archive.Save(ctx, ended); err != nil {
			t.logger.Warn("archive session failed", "session", sessionID, "error", err)
		}
	}
}

func (t *Tracker) Get(ctx context.Context, userID, sessionID string) (entity.EditSession, error) {
	sk := sessionKey(userID, sessionID)
	doc, err := t.store.Read(ctx, sk)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return entity.EditSession{}, err
		}
		return entity.EditSession{}, entity.NewTransient("read", sk.String(), err)
	}
	return store.DecodeJSON[entity.EditSession](doc.Value)
}

// update 读-改-CAS，同一会话的并发计数不会丢
func (t *Tracker) update(ctx context.Context, userID, sessionID string, mutate func(*entity.EditSession) bool) error {
	sk := sessionKey(userID, sessionID)
	for i := 0; i < maxUpdateAttempts; i++ {
		doc, err := t.store.Read(ctx, sk)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("session %s: %w", sessionID, err)
			}
			return entity.NewTransient("read", sk.String(), err)
		}
		s, err := store.DecodeJSON[entity.EditSession](doc.Value)
		if err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if !mutate(&s) {
			return nil
		}
		next, err := store.EncodeJSON(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		res, err := t.store.CompareAndSwap(ctx, sk, doc.Value, next)
		if err != nil {
			return entity.NewTransient("cas", sk.String(), err)
		}
		if res.Applied {
			return nil
		}
	}
	return entity.NewTransient("cas", sk.String(), fmt.Errorf("gave up after %d attempts", maxUpdateAttempts))
}
