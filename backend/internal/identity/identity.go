package identity

import (
	"collabCoord/backend/internal/entity"
)

// Identity 当前用户
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

func (i Identity) Valid() bool { return i.UserID != "" }

// Metadata setPresence 用的附加字段
func (i Identity) Metadata(section *string) entity.PresenceMetadata {
	return entity.PresenceMetadata{UserEmail: i.Email, AvatarRef: i.AvatarRef, EditingSection: section}
}

// Provider 本地身份/会话上下文
type Provider interface {
	// Current 没有可用身份时返回 entity.ErrAuthentication
	Current() (Identity, error)
	// SyncEnabled 远程同步当前是否被授权且已配置
	SyncEnabled() bool
}

// StaticProvider 固定身份，嵌入式使用或已经在上游完成鉴权时用
type StaticProvider struct {
	id          Identity
	syncEnabled bool
}

var _ Provider = StaticProvider{}

func NewStaticProvider(id Identity, syncEnabled bool) StaticProvider {
	return StaticProvider{id: id, syncEnabled: syncEnabled}
}

func (p StaticProvider) Current() (Identity, error) {
	if !p.id.Valid() {
		return Identity{}, entity.ErrAuthentication
	}
	return p.id, nil
}

func (p StaticProvider) SyncEnabled() bool { return p.syncEnabled && p.id.Valid() }
