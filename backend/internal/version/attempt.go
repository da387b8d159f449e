package version

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"collabCoord/backend/internal/entity"
)

var (
	ErrInvalidTransition = errors.New("invalid attempt transition")
	ErrRetryLimit        = errors.New("retry limit reached")
)

type AttemptState int

const (
	Idle AttemptState = iota
	Attempting
	Applied
	ConflictDetected
	Retrying
	Abandoned
)

func (s AttemptState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attempting:
		return "attempting"
	case Applied:
		return "applied"
	case ConflictDetected:
		return "conflict_detected"
	case Retrying:
		return "retrying"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("AttemptState(%d)", int(s))
	}
}

// Attempt 调用方的乐观重试循环：
//
//	idle → attempting → applied
//	                  ↘ conflict_detected → retrying → attempting …
//	                                      ↘ abandoned
//
// applied 之后可以直接开始下一次编辑
type Attempt struct {
	mu         sync.Mutex
	state      AttemptState
	expected   int64
	stored     int64
	retries    int
	maxRetries int
}

// NewAttempt maxRetries <= 0 表示不限次数
func NewAttempt(expected int64, maxRetries int) *Attempt {
	return &Attempt{state: Idle, expected: expected, stored: expected, maxRetries: maxRetries}
}

func (a *Attempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Expected 下一次 TryAdvance 应该带的版本
func (a *Attempt) Expected() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expected
}

// Stored 最近一次观察到的存储版本
func (a *Attempt) Stored() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stored
}

func (a *Attempt) Retries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retries
}

// Begin 发起一次 TryAdvance 之前调用
func (a *Attempt) Begin() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Idle, Applied, Retrying:
		a.state = Attempting
		return a.expected, nil
	default:
		return 0, a.invalid("begin")
	}
}

// Resolve 记录 TryAdvance 的结果
func (a *Attempt) Resolve(res AdvanceResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Attempting {
		return a.invalid("resolve")
	}
	a.stored = res.CurrentVersion
	if res.Conflict {
		a.state = ConflictDetected
		return nil
	}
	a.state = Applied
	a.expected = res.CurrentVersion
	a.retries = 0
	return nil
}

// Fail TryAdvance 本身出错（不是冲突），回到可以重新发起的状态
func (a *Attempt) Fail() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Attempting {
		return a.invalid("fail")
	}
	a.state = Idle
	return nil
}

// Retry 调用方完成协调后，以新的期望版本重试。超过上限直接进入 abandoned
func (a *Attempt) Retry(newExpected int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != ConflictDetected {
		return a.invalid("retry")
	}
	if a.maxRetries > 0 && a.retries >= a.maxRetries {
		a.state = Abandoned
		return ErrRetryLimit
	}
	a.retries++
	a.expected = newExpected
	a.state = Retrying
	return nil
}

// Abandon 放弃这次编辑
func (a *Attempt) Abandon() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Idle, ConflictDetected, Retrying:
		a.state = Abandoned
		return nil
	default:
		return a.invalid("abandon")
	}
}

func (a *Attempt) invalid(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, a.state)
}

// Reconcile 冲突后由调用方决定：返回 false 放弃，true 以 current 重试
type Reconcile func(current int64) bool

// Run 驱动完整的重试循环，直到 applied、放弃或出错
func Run(ctx context.Context, c *Controller, key entity.DocKey, userID string, a *Attempt, reconcile Reconcile) (AdvanceResult, error) {
	for {
		expected, err := a.Begin()
		if err != nil {
			return AdvanceResult{}, err
		}
		res, err := c.TryAdvance(ctx, key, userID, expected)
		if err != nil {
			_ = a.Fail()
			return AdvanceResult{}, err
		}
		if err := a.Resolve(res); err != nil {
			return res, err
		}
		if !res.Conflict {
			return res, nil
		}
		if reconcile == nil || !reconcile(res.CurrentVersion) {
			_ = a.Abandon()
			return res, entity.ErrConflict
		}
		if err := a.Retry(res.CurrentVersion); err != nil {
			return res, err
		}
	}
}
