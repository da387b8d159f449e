package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/identity"
	"collabCoord/backend/internal/metrics"
	"collabCoord/backend/internal/store"
	"collabCoord/backend/internal/version"
)

var errSessionClosed = errors.New("document session closed")

// State 暴露给 UI 的单文档状态
type State struct {
	ActiveEditors  []entity.EditorPresence `json:"activeEditors"`
	DocumentLock   *entity.VersionRecord   `json:"documentLock"`
	CurrentVersion int64                   `json:"currentVersion"`
	SessionID      *string                 `json:"sessionId"`
	HasConflict    bool                    `json:"hasConflict"`
	IsLoading      bool                    `json:"isLoading"`
	Error          *string                 `json:"error"`
	Status         connection.Status       `json:"status"`
	IsOnline       bool                    `json:"isOnline"`
}

// DocumentSession 一个用户打开的一个文档。
// 所有定时器和订阅句柄都由它持有，只通过 teardown 一条路径释放
type DocumentSession struct {
	c *Coordinator
	trackers
	who         identity.Identity
	key         entity.DocKey
	syncEnabled bool
	logger      *slog.Logger

	mu             sync.Mutex
	roster         []entity.EditorPresence
	lock           *entity.VersionRecord
	currentVersion int64
	sessionID      string
	lastConflict   bool
	loading        bool
	err            string
	section        *string
	attempt        *version.Attempt
	closed         bool
	ready          bool
	lastStatus     connection.Status

	unsubRoster store.Unsubscribe
	unsubLock   store.Unsubscribe
	stopTimers  chan struct{}
	timersDone  sync.WaitGroup

	listeners  map[int]func(State)
	nextListen int
}

func newDocumentSession(c *Coordinator, who identity.Identity, key entity.DocKey, syncEnabled bool) *DocumentSession {
	t := c.trackers
	if !syncEnabled {
		t = c.local
	}
	return &DocumentSession{
		c:           c,
		trackers:    t,
		who:         who,
		key:         key,
		syncEnabled: syncEnabled,
		logger:      c.logger.With("doc", key.String(), "user", who.UserID),
		loading:     true,
		attempt:     version.NewAttempt(0, 0),
		listeners:   make(map[int]func(State)),
	}
}

func (ds *DocumentSession) Key() entity.DocKey { return ds.key }

func (ds *DocumentSession) UserID() string { return ds.who.UserID }

// init 并行建立 presence / 版本记录 / 编辑会话，然后订阅并启动定时器。
// 任何一步失败都走 teardown
func (ds *DocumentSession) init(ctx context.Context) error {
	if !ds.syncEnabled {
		return ds.initLocal(ctx)
	}
	var (
		rec entity.VersionRecord
		sid string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ds.presence.SetPresence(gctx, ds.who.UserID, ds.who.DisplayName, ds.key, ds.who.Metadata(nil))
	})
	g.Go(func() error {
		r, err := ds.versions.GetLock(gctx, ds.key)
		rec = r
		return err
	})
	g.Go(func() error {
		s, err := ds.sessions.StartSession(gctx, ds.who.UserID, ds.key)
		sid = s
		return err
	})
	err := g.Wait()

	ds.mu.Lock()
	ds.sessionID = sid
	if err == nil {
		r := rec
		ds.lock = &r
		ds.currentVersion = rec.Version
		ds.attempt = version.NewAttempt(rec.Version, 0)
	}
	ds.mu.Unlock()
	if err != nil {
		return ds.fail(err)
	}

	unsubRoster, err := ds.presence.SubscribeToRoster(ctx, ds.key, ds.onRoster)
	if err != nil {
		return ds.fail(err)
	}
	if !ds.hold(func() { ds.unsubRoster = unsubRoster }) {
		unsubRoster()
		return errSessionClosed
	}

	unsubLock, err := ds.versions.SubscribeToLock(ctx, ds.key, ds.onLock)
	if err != nil {
		return ds.fail(err)
	}
	status := ds.c.machine.Status()
	if !ds.hold(func() {
		ds.unsubLock = unsubLock
		ds.stopTimers = make(chan struct{})
		ds.startTimers(ds.stopTimers)
		ds.loading = false
		ds.ready = true
		ds.lastStatus = status
	}) {
		unsubLock()
		return errSessionClosed
	}

	ds.c.events.Publish(ds.event(EventSessionStarted, rec.Version, 0))
	ds.logger.Info("document opened", "session", sid, "version", rec.Version)
	ds.notify()
	return nil
}

// initLocal 未授权同步：只生成本地会话ID，版本从 0 开始
func (ds *DocumentSession) initLocal(ctx context.Context) error {
	sid, err := ds.sessions.StartSession(ctx, ds.who.UserID, ds.key)
	if err != nil {
		return ds.fail(err)
	}
	if !ds.hold(func() {
		ds.sessionID = sid
		ds.lock = &entity.VersionRecord{}
		ds.loading = false
		ds.ready = true
		ds.lastStatus = connection.StatusDisabled
	}) {
		return errSessionClosed
	}
	ds.logger.Info("document opened locally, sync disabled", "session", sid)
	ds.notify()
	return nil
}

// canSync 身份授权且连接状态允许
func (ds *DocumentSession) canSync() bool {
	return ds.syncEnabled && ds.c.machine.CanSync()
}

// hold 会话还没被关闭时登记资源；已关闭返回 false，由调用方自己释放
func (ds *DocumentSession) hold(register func()) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return false
	}
	register()
	return true
}

func (ds *DocumentSession) fail(err error) error {
	ds.mu.Lock()
	ds.err = err.Error()
	ds.loading = false
	ds.mu.Unlock()
	ds.logger.Warn("document open failed", "error", err)
	ds.teardown()
	return err
}

// startTimers 调用方持有 ds.mu
func (ds *DocumentSession) startTimers(stop chan struct{}) {
	heartbeat := ds.c.clock.NewTicker(ds.c.cfg.HeartbeatInterval)
	sweep := ds.c.clock.NewTicker(ds.c.cfg.SweepInterval)

	ds.timersDone.Add(1)
	go func() {
		defer ds.timersDone.Done()
		defer heartbeat.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-stop:
				return
			case <-heartbeat.Chan():
				ds.mu.Lock()
				section := ds.section
				ds.mu.Unlock()
				ctx, cancel := context.WithTimeout(context.Background(), ds.c.cfg.TeardownTimeout)
				ds.presence.Heartbeat(ctx, ds.who.UserID, ds.who.DisplayName, ds.key, ds.who.Metadata(section))
				cancel()
			case <-sweep.Chan():
				ctx, cancel := context.WithTimeout(context.Background(), ds.c.cfg.TeardownTimeout)
				ds.presence.SweepStale(ctx, ds.key)
				cancel()
			}
		}
	}()
}

func (ds *DocumentSession) onRoster(ps []entity.EditorPresence) {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return
	}
	ds.roster = ps
	ds.mu.Unlock()
	ds.notify()
}

func (ds *DocumentSession) onLock(rec *entity.VersionRecord) {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return
	}
	// 记录不存在时保留已有值，避免 UI 闪烁
	if rec != nil {
		r := *rec
		ds.lock = &r
	}
	ds.mu.Unlock()
	ds.notify()
}

func (ds *DocumentSession) connectionChanged(s connection.State) {
	if !ds.syncEnabled {
		return
	}
	ds.mu.Lock()
	if ds.closed || ds.loading {
		ds.mu.Unlock()
		return
	}
	prev := ds.lastStatus
	ds.lastStatus = s.Status
	section := ds.section
	ds.mu.Unlock()

	// 重新连上后补写一次完整的 presence（离线期间可能已被别人清理）
	if s.Status == connection.StatusConnected && prev != connection.StatusConnected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ds.c.cfg.TeardownTimeout)
			defer cancel()
			if err := ds.presence.SetPresence(ctx, ds.who.UserID, ds.who.DisplayName, ds.key, ds.who.Metadata(section)); err != nil {
				ds.logger.Warn("restore presence failed", "error", err)
			}
		}()
	}
	ds.notify()
}

// Snapshot 当前状态；自己的 presence 不出现在 ActiveEditors 里
func (ds *DocumentSession) Snapshot() State {
	conn := ds.c.machine.State()

	ds.mu.Lock()
	defer ds.mu.Unlock()
	st := State{
		ActiveEditors:  make([]entity.EditorPresence, 0, len(ds.roster)),
		CurrentVersion: ds.currentVersion,
		HasConflict:    ds.hasConflictLocked(),
		IsLoading:      ds.loading,
		Status:         conn.Status,
		IsOnline:       conn.BrowserOnline,
	}
	if !ds.syncEnabled {
		st.Status = connection.StatusDisabled
	}
	for _, p := range ds.roster {
		if p.UserID != ds.who.UserID {
			st.ActiveEditors = append(st.ActiveEditors, p)
		}
	}
	if ds.lock != nil {
		r := *ds.lock
		st.DocumentLock = &r
	}
	if ds.sessionID != "" {
		st.SessionID = entity.StringPtr(ds.sessionID)
	}
	if ds.err != "" {
		st.Error = entity.StringPtr(ds.err)
	}
	return st
}

// hasConflictLocked 订阅看到的版本超过本地观察到的版本，或上一次推进返回冲突
func (ds *DocumentSession) hasConflictLocked() bool {
	if ds.lastConflict {
		return true
	}
	return ds.lock != nil && ds.lock.Version > ds.currentVersion
}

// UpdatePresence 更新正在编辑的区域并立即刷新心跳
func (ds *DocumentSession) UpdatePresence(ctx context.Context, editingSection *string) {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return
	}
	ds.section = editingSection
	ds.mu.Unlock()
	ds.presence.Heartbeat(ctx, ds.who.UserID, ds.who.DisplayName, ds.key, ds.who.Metadata(editingSection))
}

// RecordEdit 以当前版本尝试推进。true 表示没有冲突地应用了。
// 离线/禁用时直接丢弃（不排队），冲突未确认前也不再发起
func (ds *DocumentSession) RecordEdit(ctx context.Context) bool {
	ds.mu.Lock()
	if ds.closed || ds.loading {
		ds.mu.Unlock()
		return false
	}
	if !ds.canSync() {
		ds.mu.Unlock()
		ds.logger.Debug("edit dropped, sync unavailable")
		return false
	}
	expected, err := ds.attempt.Begin()
	sid := ds.sessionID
	ds.mu.Unlock()
	if err != nil {
		ds.logger.Debug("edit rejected", "error", err)
		return false
	}

	res, err := ds.versions.TryAdvance(ctx, ds.key, ds.who.UserID, expected)
	if err != nil {
		ds.mu.Lock()
		_ = ds.attempt.Fail()
		if !errors.Is(err, entity.ErrSyncUnavailable) {
			ds.err = err.Error()
		}
		ds.mu.Unlock()
		ds.logger.Warn("try advance failed", "expected", expected, "error", err)
		ds.notify()
		return false
	}

	if err := ds.sessions.RecordEdit(ctx, ds.who.UserID, sid, !res.Conflict); err != nil {
		ds.logger.Warn("record edit failed", "session", sid, "error", err)
	}

	ds.mu.Lock()
	_ = ds.attempt.Resolve(res)
	if res.Conflict {
		ds.lastConflict = true
	} else {
		ds.currentVersion = res.CurrentVersion
		ds.lastConflict = false
		ds.err = ""
	}
	ds.mu.Unlock()

	if res.Conflict {
		ds.c.events.Publish(ds.event(EventEditConflict, res.CurrentVersion, expected))
	} else {
		ds.c.events.Publish(ds.event(EventVersionAdvanced, res.CurrentVersion, expected))
	}
	ds.notify()
	return !res.Conflict
}

// AcknowledgeConflict 调用方完成协调：采用存储中的版本并清掉 hasConflict
func (ds *DocumentSession) AcknowledgeConflict(ctx context.Context) (int64, error) {
	var (
		rec entity.VersionRecord
		err error = entity.ErrSyncUnavailable
	)
	if ds.syncEnabled {
		rec, err = ds.versions.GetLock(ctx, ds.key)
	}

	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return 0, errSessionClosed
	}
	stored := rec.Version
	if err != nil {
		// 读不到就用订阅里最近一次的值
		if ds.lock == nil {
			ds.mu.Unlock()
			return 0, err
		}
		stored = ds.lock.Version
	} else {
		r := rec
		ds.lock = &r
	}
	if ds.attempt.State() == version.Attempting {
		ds.mu.Unlock()
		return 0, version.ErrInvalidTransition
	}
	if ds.attempt.State() == version.ConflictDetected {
		_ = ds.attempt.Retry(stored)
	} else {
		ds.attempt = version.NewAttempt(stored, 0)
	}
	ds.currentVersion = stored
	ds.lastConflict = false
	ds.mu.Unlock()

	ds.logger.Info("conflict acknowledged", "version", stored)
	ds.notify()
	return stored, nil
}

// CheckConnection 手动连接检查
func (ds *DocumentSession) CheckConnection(ctx context.Context) error {
	return ds.c.machine.CheckConnection(ctx)
}

// OnChange 注册状态监听，返回取消函数
func (ds *DocumentSession) OnChange(fn func(State)) func() {
	ds.mu.Lock()
	id := ds.nextListen
	ds.nextListen++
	ds.listeners[id] = fn
	ds.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ds.mu.Lock()
			delete(ds.listeners, id)
			ds.mu.Unlock()
		})
	}
}

// Close 关闭文档，可重复调用
func (ds *DocumentSession) Close() {
	ds.mu.Lock()
	ready := ds.ready
	ds.mu.Unlock()

	if !ds.teardown() {
		return
	}
	ds.c.forget(ds)
	if ready {
		metrics.OpenDocuments.Dec()
	}
}

// teardown 唯一的释放路径：
// 1. 退订 roster / lock
// 2. 停掉心跳和清理定时器
// 3. 不等待地发出 removePresence / endSession，错误全部吞掉
func (ds *DocumentSession) teardown() bool {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return false
	}
	ds.closed = true
	unsubRoster, unsubLock := ds.unsubRoster, ds.unsubLock
	ds.unsubRoster, ds.unsubLock = nil, nil
	stop := ds.stopTimers
	ds.stopTimers = nil
	sid := ds.sessionID
	v := ds.currentVersion
	ds.listeners = make(map[int]func(State))
	ds.mu.Unlock()

	if unsubRoster != nil {
		unsubRoster()
	}
	if unsubLock != nil {
		unsubLock()
	}

	if stop != nil {
		close(stop)
		ds.timersDone.Wait()
	}

	userID, key, timeout := ds.who.UserID, ds.key, ds.c.cfg.TeardownTimeout
	ds.c.teardowns.Add(1)
	go func() {
		defer ds.c.teardowns.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ds.presence.RemovePresence(ctx, userID, key)
		if sid != "" {
			ds.sessions.EndSession(ctx, userID, sid)
		}
	}()

	if sid != "" && ds.syncEnabled {
		ds.c.events.Publish(ds.event(EventSessionEnded, v, 0))
	}
	ds.logger.Info("document closed", "session", sid)
	return true
}

func (ds *DocumentSession) event(t EventType, v, expected int64) CoordEvent {
	ds.mu.Lock()
	sid := ds.sessionID
	ds.mu.Unlock()
	return CoordEvent{
		EventType:    t,
		DocumentType: ds.key.Type,
		DocumentID:   ds.key.ID,
		UserID:       ds.who.UserID,
		SessionID:    sid,
		Version:      v,
		Expected:     expected,
		OccurredAt:   ds.c.clock.Now(),
	}
}

func (ds *DocumentSession) notify() {
	st := ds.Snapshot()
	ds.mu.Lock()
	fns := make([]func(State), 0, len(ds.listeners))
	for _, fn := range ds.listeners {
		fns = append(fns, fn)
	}
	ds.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
