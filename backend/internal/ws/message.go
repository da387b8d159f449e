package ws

import (
	"collabCoord/backend/internal/collab"
)

// 客户端消息类型
const (
	TypePresence = "presence"
	TypeEdit     = "edit"
	TypeAck      = "ack"
	TypeCheck    = "check"
	TypeClose    = "close"
)

// 服务端消息类型
const (
	TypeWelcome    = "welcome"
	TypeState      = "state"
	TypeEditResult = "edit_result"
	TypeAckResult  = "ack_result"
	TypeError      = "error"
	TypeIgnored    = "ignored"
)

type ClientMessage struct {
	Type           string  `json:"type"`
	EditingSection *string `json:"editingSection,omitempty"`
}

type ServerMessage struct {
	Type    string        `json:"type"`
	DocKey  string        `json:"docKey,omitempty"`
	UserID  string        `json:"userId,omitempty"`
	State   *collab.State `json:"state,omitempty"`
	Applied *bool         `json:"applied,omitempty"`
	// ack_result 里采用的版本
	Version *int64 `json:"version,omitempty"`
	Content string `json:"content,omitempty"`
}

func stateMessage(st collab.State) ServerMessage {
	return ServerMessage{Type: TypeState, State: &st}
}

func errorMessage(err error) ServerMessage {
	return ServerMessage{Type: TypeError, Content: err.Error()}
}
