package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication 没有可用的身份上下文，初始化直接失败
	ErrAuthentication = errors.New("AUTHENTICATION_REQUIRED")
	// ErrConflict CAS 失败；TryAdvance 以数据形式返回冲突，这个错误只给上层状态机/HTTP 用
	ErrConflict = errors.New("VERSION_CONFLICT")
	// ErrTimeout 手动连接检查超时，按暂时性错误处理
	ErrTimeout = errors.New("CONNECTION_CHECK_TIMEOUT")
)

// TransientStoreError 读/写/订阅失败，可重试或吞掉
type TransientStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func NewTransient(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientStoreError
	if errors.As(err, &te) {
		return err
	}
	return &TransientStoreError{Op: op, Key: key, Err: err}
}

// IsTransient 超时也算暂时性错误
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientStoreError
	return errors.As(err, &te) || errors.Is(err, ErrTimeout)
}

// ErrSyncUnavailable 离线或同步被禁用时的远程写：直接丢弃，不排队
var ErrSyncUnavailable = errors.New("SYNC_UNAVAILABLE")
