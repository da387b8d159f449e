package entity

import (
	"fmt"
	"time"
)

// DocKey 文档键：version 记录只按 (type, id) 区分
type DocKey struct {
	Type DocumentType `json:"documentType"`
	ID   string       `json:"documentId"`
}

func (k DocKey) String() string { return fmt.Sprintf("%s:%s", k.Type, k.ID) }

func (k DocKey) Valid() bool { return k.Type.Valid() && k.ID != "" }

// 存储中的集合名
func (k DocKey) PresenceCollection() string { return "presence:" + k.String() }
func (k DocKey) LockCollection() string     { return "locks:" + k.Type.String() }

// EditorPresence 某个用户正在查看/编辑某个文档
type EditorPresence struct {
	UserID         string       `json:"userId"`
	DisplayName    string       `json:"displayName"`
	DocumentType   DocumentType `json:"documentType"`
	DocumentID     string       `json:"documentId"`
	UserEmail      string       `json:"userEmail,omitempty"`
	AvatarRef      string       `json:"avatarRef,omitempty"`
	EditingSection *string      `json:"editingSection,omitempty"`
	LastSeenAt     time.Time    `json:"lastSeenAt"`
}

func (p EditorPresence) Key() DocKey { return DocKey{Type: p.DocumentType, ID: p.DocumentID} }

// IsStale now-lastSeenAt 超过阈值视为过期
func (p EditorPresence) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(p.LastSeenAt) > threshold
}

// PresenceMetadata setPresence 的可选字段
type PresenceMetadata struct {
	UserEmail      string  `json:"userEmail,omitempty"`
	AvatarRef      string  `json:"avatarRef,omitempty"`
	EditingSection *string `json:"editingSection,omitempty"`
}

// VersionRecord 每个文档一条，只能通过 CAS 推进
type VersionRecord struct {
	Version        int64      `json:"version"`
	LastModifiedBy *string    `json:"lastModifiedBy"`
	LastModifiedAt *time.Time `json:"lastModifiedAt"`
}

// EditSession 一次连续的编辑会话
type EditSession struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	DocumentType DocumentType `json:"documentType"`
	DocumentID   string       `json:"documentId"`
	StartedAt    time.Time    `json:"startedAt"`
	EditCount    int64        `json:"editCount"`
	LastEditAt   *time.Time   `json:"lastEditAt"`
	EndedAt      *time.Time   `json:"endedAt,omitempty"`
}

func (s EditSession) Closed() bool { return s.EndedAt != nil }

func (s EditSession) Key() DocKey { return DocKey{Type: s.DocumentType, ID: s.DocumentID} }

// SessionCollection 会话按用户归集
func SessionCollection(userID string) string { return "sessions:" + userID }

// StringPtr 可选字段的小工具
func StringPtr(s string) *string { return &s }
