package connection

import (
	"time"
)

type Status string

const (
	StatusDisabled     Status = "disabled"
	StatusOffline      Status = "offline"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// State 进程级连接状态（不是每个文档一份）
type State struct {
	Status             Status     `json:"status"`
	BrowserOnline      bool       `json:"browserOnline"`
	LastSuccessfulSync *time.Time `json:"lastSuccessfulSync"`
	LastError          string     `json:"lastError,omitempty"`
	ReconnectAttempts  int        `json:"reconnectAttempts"`
	// 下一次重试的等待时间，没有待执行的重试时为 0
	RetryDelay time.Duration `json:"retryDelayMs"`
}

// CanSync offline / disabled 时不发起任何远程写
func (s State) CanSync() bool {
	return s.Status != StatusDisabled && s.Status != StatusOffline
}

func (s State) clone() State {
	if s.LastSuccessfulSync != nil {
		t := *s.LastSuccessfulSync
		s.LastSuccessfulSync = &t
	}
	return s
}

type Config struct {
	CheckTimeout   time.Duration
	HealthInterval time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckTimeout:   5 * time.Second,
		HealthInterval: 30 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	return c
}
