package connection

import "collabCoord/backend/internal/store"

// Gate 其他组件看到的连接状态机：远程调用前先问 CanSync，订阅推送回报给状态机
type Gate interface {
	CanSync() bool
	HandleSnapshot(store.Metadata)
	HandleFailure(error)
}

var _ Gate = (*Machine)(nil)

// StaticGate 固定的闸门，嵌入式使用或测试用
type StaticGate bool

func (g StaticGate) CanSync() bool               { return bool(g) }
func (StaticGate) HandleSnapshot(store.Metadata) {}
func (StaticGate) HandleFailure(error)           {}
