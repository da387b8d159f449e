package connection

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/store"
)

// Machine 连接状态机：跟踪后端存储是否可达，所有远程调用都以它为闸门。
//
// 迁移规则：
//   - 同步未授权/未配置 → disabled，覆盖其他一切信号
//   - 网络断开 → offline（取消待执行的重试，attempts 清零，清空 lastError）
//   - offline 时网络恢复 → reconnecting，并立即检查一次
//   - 非缓存推送 → connected（attempts 清零，记录 lastSuccessfulSync）
//   - 只有缓存、无本地待写、网络在线且之前是 connected → reconnecting（静默）
//   - 检查/推送失败：之前 connected/reconnecting → reconnecting，否则 → error；都会安排重试
type Machine struct {
	store  store.Store
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    Config

	mu          sync.Mutex
	state       State
	syncEnabled bool
	closed      bool
	backoff     *backoff.ExponentialBackOff
	retryTimer  clockwork.Timer
	healthTimer clockwork.Timer
	// 正在进行的检查数
	checking int

	listeners  map[int]func(State)
	nextListen int
	// 待投递的快照，按迁移顺序排队，由 drain 逐个投递
	pending  []State
	draining bool
}

func NewMachine(s store.Store, clock clockwork.Clock, logger *slog.Logger, cfg Config) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.MaxInterval = cfg.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()

	return &Machine{
		store:     s,
		clock:     clock,
		logger:    logger.With("component", "connection"),
		cfg:       cfg,
		backoff:   b,
		state:     State{Status: StatusDisabled, BrowserOnline: true},
		listeners: make(map[int]func(State)),
	}
}

// Start 根据初始信号确定状态；可同步且在线时立即检查一次
func (m *Machine) Start(syncEnabled, browserOnline bool) {
	m.mu.Lock()
	m.syncEnabled = syncEnabled
	m.state.BrowserOnline = browserOnline
	check := false
	switch {
	case !syncEnabled:
		m.state.Status = StatusDisabled
	case !browserOnline:
		m.state.Status = StatusOffline
	default:
		m.state.Status = StatusReconnecting
		check = true
		m.checking++
	}
	m.enqueueLocked()
	m.mu.Unlock()

	m.drain()
	if check {
		go m.runCheck()
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *Machine) Status() Status { return m.State().Status }

func (m *Machine) IsOnline() bool { return m.State().BrowserOnline }

func (m *Machine) CanSync() bool { return m.State().CanSync() }

// Subscribe 注册状态变更监听，返回取消函数
func (m *Machine) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// SetSyncEnabled 身份/配置变化时调用
func (m *Machine) SetSyncEnabled(enabled bool) {
	m.mu.Lock()
	if m.closed || m.syncEnabled == enabled {
		m.mu.Unlock()
		return
	}
	m.syncEnabled = enabled
	check := false
	if !enabled {
		m.stopTimersLocked()
		m.state.Status = StatusDisabled
		m.state.ReconnectAttempts = 0
		m.state.RetryDelay = 0
		m.state.LastError = ""
		m.backoff.Reset()
	} else if m.state.BrowserOnline {
		m.state.Status = StatusReconnecting
		check = true
		m.checking++
	} else {
		m.state.Status = StatusOffline
	}
	status := m.state.Status
	m.enqueueLocked()
	m.mu.Unlock()

	m.logger.Info("sync enabled changed", "enabled", enabled, "status", status)
	m.drain()
	if check {
		go m.runCheck()
	}
}

// SetBrowserOnline 网络可达性信号
func (m *Machine) SetBrowserOnline(online bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state.BrowserOnline = online
	check := false
	switch {
	case !m.syncEnabled:
		// disabled 优先，只记录网络状态
	case !online:
		m.stopTimersLocked()
		m.state.Status = StatusOffline
		m.state.ReconnectAttempts = 0
		m.state.RetryDelay = 0
		m.state.LastError = ""
		m.backoff.Reset()
	case m.state.Status == StatusOffline:
		m.state.Status = StatusReconnecting
		check = true
		m.checking++
	}
	status := m.state.Status
	m.enqueueLocked()
	m.mu.Unlock()

	m.logger.Info("network changed", "online", online, "status", status)
	m.drain()
	if check {
		go m.runCheck()
	}
}

// HandleSnapshot 存储推送到达（任意订阅都可以上报）
func (m *Machine) HandleSnapshot(md store.Metadata) {
	m.mu.Lock()
	if m.closed || !m.syncEnabled || m.state.Status == StatusOffline {
		m.mu.Unlock()
		return
	}
	if !md.FromCache {
		m.markSuccessLocked()
		m.mu.Unlock()
		m.drain()
		return
	}
	if md.HasPendingWrites || !m.state.BrowserOnline || m.state.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	// 只剩缓存数据：静默进入 reconnecting，不给用户报错
	m.state.Status = StatusReconnecting
	m.enqueueLocked()
	m.mu.Unlock()

	m.logger.Debug("serving cached data, reconnecting")
	m.drain()
}

// HandleFailure 订阅推送失败。
// 已有待执行的重试或检查正在进行时，视为同一次故障：不累加 attempts，不推进退避
func (m *Machine) HandleFailure(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	scheduled := m.failLocked(err, false)
	st := m.state.clone()
	m.mu.Unlock()

	if scheduled {
		m.logger.Warn("connection failure", "status", st.Status, "attempt", st.ReconnectAttempts,
			"retry_in", st.RetryDelay, "error", err)
	}
	m.drain()
}

// CheckConnection 手动检查：订阅探测键，等待第一次推送，最多等 CheckTimeout。
// 无论成功、失败还是超时，订阅都会被释放
func (m *Machine) CheckConnection(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || !m.syncEnabled || !m.state.BrowserOnline {
		m.mu.Unlock()
		return nil
	}
	m.checking++
	m.mu.Unlock()

	return m.finishCheck(m.probe(ctx))
}

// runCheck 调用方已在锁内 checking++
func (m *Machine) runCheck() {
	m.mu.Lock()
	if m.closed || !m.syncEnabled || !m.state.BrowserOnline {
		m.checking--
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	_ = m.finishCheck(m.probe(context.Background()))
}

// finishCheck 只有检查失败才推进退避
func (m *Machine) finishCheck(err error) error {
	m.mu.Lock()
	m.checking--
	if err != nil {
		scheduled := m.failLocked(err, true)
		st := m.state.clone()
		m.mu.Unlock()
		if scheduled {
			m.logger.Warn("connection check failed", "status", st.Status, "attempt", st.ReconnectAttempts,
				"retry_in", st.RetryDelay, "error", err)
		}
		m.drain()
		return err
	}
	m.markSuccessLocked()
	m.mu.Unlock()
	m.drain()
	return nil
}

// failLocked 返回是否安排了新的重试
func (m *Machine) failLocked(err error, fromCheck bool) bool {
	if m.closed || !m.syncEnabled || m.state.Status == StatusOffline {
		return false
	}
	if !fromCheck && (m.retryTimer != nil || m.checking > 0) {
		return false
	}
	switch m.state.Status {
	case StatusConnected, StatusReconnecting:
		m.state.Status = StatusReconnecting
	default:
		m.state.Status = StatusError
	}
	m.state.LastError = err.Error()
	m.scheduleRetryLocked()
	m.enqueueLocked()
	return true
}

func (m *Machine) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	var (
		subMu    sync.Mutex
		released bool
		unsub    store.Unsubscribe
	)
	release := func() {
		subMu.Lock()
		released = true
		u := unsub
		unsub = nil
		subMu.Unlock()
		if u != nil {
			u()
		}
	}
	defer release()

	go func() {
		u, err := m.store.Subscribe(probeCtx, store.HealthKey, func(snap store.Snapshot, err error) {
			if err == nil && snap.Metadata.FromCache {
				// 缓存数据不能证明后端可达
				return
			}
			report(err)
		})
		if err != nil {
			report(err)
			return
		}
		subMu.Lock()
		if released {
			subMu.Unlock()
			u()
			return
		}
		unsub = u
		subMu.Unlock()
	}()

	timer := m.clock.NewTimer(m.cfg.CheckTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return entity.NewTransient("check", store.HealthKey.String(), err)
		}
		return nil
	case <-timer.Chan():
		return entity.ErrTimeout
	case <-ctx.Done():
		return entity.NewTransient("check", store.HealthKey.String(), ctx.Err())
	}
}

// Close 停止所有定时器，之后的信号全部忽略
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimersLocked()
	m.listeners = make(map[int]func(State))
	m.pending = nil
}

// markSuccessLocked 成功后：connected、attempts 清零、退避重置、启动周期探测
func (m *Machine) markSuccessLocked() {
	if m.closed || !m.syncEnabled || m.state.Status == StatusOffline {
		return
	}
	prev := m.state.clone()
	now := m.clock.Now()
	m.state.Status = StatusConnected
	m.state.ReconnectAttempts = 0
	m.state.RetryDelay = 0
	m.state.LastError = ""
	m.state.LastSuccessfulSync = &now
	m.backoff.Reset()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.healthTimer == nil {
		m.healthTimer = m.clock.AfterFunc(m.cfg.HealthInterval, m.healthTick)
	}
	if prev.Status != StatusConnected || prev.ReconnectAttempts != 0 || prev.LastError != "" {
		m.enqueueLocked()
	}
}

// scheduleRetryLocked 同一时间最多一个待执行的重试：
// delay = min(base * 2^(attempt-1), cap)
func (m *Machine) scheduleRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.state.ReconnectAttempts++
	delay := m.backoff.NextBackOff()
	m.state.RetryDelay = delay
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.checking++
		m.mu.Unlock()
		m.runCheck()
	})
}

func (m *Machine) healthTick() {
	m.mu.Lock()
	m.healthTimer = nil
	run := !m.closed && m.state.Status == StatusConnected
	if run {
		m.checking++
	}
	m.mu.Unlock()
	if run {
		m.runCheck()
	}
}

func (m *Machine) stopTimersLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}
}

func (m *Machine) enqueueLocked() {
	m.pending = append(m.pending, m.state.clone())
}

// drain 按入队顺序投递快照。同一时间只有一个 goroutine 在投递，已有投递时只入队返回
func (m *Machine) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		fns := make([]func(State), 0, len(m.listeners))
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
		m.mu.Unlock()
		for _, fn := range fns {
			fn(s)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}
