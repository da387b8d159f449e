package collab

import (
	"time"

	"collabCoord/backend/internal/entity"
)

type EventType string

const (
	EventVersionAdvanced EventType = "VERSION_ADVANCED"
	EventEditConflict    EventType = "EDIT_CONFLICT"
	EventSessionStarted  EventType = "SESSION_STARTED"
	EventSessionEnded    EventType = "SESSION_ENDED"
)

// CoordEvent 发到 kafka 的协同事件，以文档键为消息 key（同一文档进同一分区）
type CoordEvent struct {
	EventType    EventType           `json:"eventType"`
	DocumentType entity.DocumentType `json:"documentType"`
	DocumentID   string              `json:"documentId"`
	UserID       string              `json:"userId"`
	SessionID    string              `json:"sessionId,omitempty"`
	// VERSION_ADVANCED 是新版本，EDIT_CONFLICT 是存储中的版本
	Version    int64     `json:"version"`
	Expected   int64     `json:"expected,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (e CoordEvent) DocKey() entity.DocKey {
	return entity.DocKey{Type: e.DocumentType, ID: e.DocumentID}
}

// EventSink 发布协同事件，不能阻塞调用方
type EventSink interface {
	Publish(evt CoordEvent)
}

type nopSink struct{}

func (nopSink) Publish(CoordEvent) {}
