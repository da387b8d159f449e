package store

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("NOT_FOUND")

// Key 存储键：集合 + 文档ID
type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string { return k.Collection + "/" + k.ID }

type Document struct {
	Key   Key
	Value []byte
}

// Metadata 推送通知附带的元信息
// FromCache: 当前只拿得到本地缓存数据
// HasPendingWrites: 本地有尚未确认的写
type Metadata struct {
	FromCache        bool
	HasPendingWrites bool
}

// Snapshot 单个键的推送；Exists=false 表示文档不存在（或已被删除）
type Snapshot struct {
	Key      Key
	Value    []byte
	Exists   bool
	Metadata Metadata
}

type CollectionSnapshot struct {
	Collection string
	Documents  []Document
	Metadata   Metadata
}

// CASResult Current 为 nil 表示键不存在
type CASResult struct {
	Applied bool
	Current []byte
}

// Unsubscribe 订阅的释放句柄，必须显式调用；重复调用无副作用
type Unsubscribe func()

type SnapshotFunc func(Snapshot, error)
type CollectionFunc func(CollectionSnapshot, error)

// Store 后端文档存储的抽象契约
type Store interface {
	Read(ctx context.Context, key Key) (Document, error)
	Write(ctx context.Context, key Key, value []byte) error
	// expected == nil 表示要求键不存在
	CompareAndSwap(ctx context.Context, key Key, expected, next []byte) (CASResult, error)
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context, collection string) ([]Document, error)

	// 订阅后立即推送一次当前值，之后每次变更推送一次；同一个订阅内按存储发出的顺序回调
	Subscribe(ctx context.Context, key Key, fn SnapshotFunc) (Unsubscribe, error)
	SubscribeCollection(ctx context.Context, collection string, fn CollectionFunc) (Unsubscribe, error)

	Ping(ctx context.Context) error
}

// HealthKey 连接检查用的探测键
var HealthKey = Key{Collection: "_coord", ID: "health"}

func EncodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func DecodeJSON[T any](b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}
