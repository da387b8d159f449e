package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/identity"
	"collabCoord/backend/internal/metrics"
	"collabCoord/backend/internal/presence"
	"collabCoord/backend/internal/session"
	"collabCoord/backend/internal/store"
	"collabCoord/backend/internal/version"
)

type Config struct {
	HeartbeatInterval  time.Duration
	SweepInterval      time.Duration
	StalenessThreshold time.Duration
	// 关闭时 removePresence / endSession 的最长等待
	TeardownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  30 * time.Second,
		SweepInterval:      60 * time.Second,
		StalenessThreshold: 90 * time.Second,
		TeardownTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	return c
}

type openKey struct {
	userID string
	doc    entity.DocKey
}

// trackers 共用同一个闸门的三个 tracker
type trackers struct {
	presence *presence.Tracker
	versions *version.Controller
	sessions *session.Tracker
}

func newTrackers(s store.Store, gate connection.Gate, opt Options, cfg Config) trackers {
	return trackers{
		presence: presence.NewTracker(s, gate, opt.Clock, opt.Logger, presence.Config{
			HeartbeatInterval:  cfg.HeartbeatInterval,
			StalenessThreshold: cfg.StalenessThreshold,
		}),
		versions: version.NewController(s, gate, opt.Clock, opt.Logger),
		sessions: session.NewTracker(s, gate, opt.Clock, opt.Logger, opt.Archive),
	}
}

// Coordinator 进程级：持有连接状态机、tracker 和事件分发，管理所有打开的文档。
// 身份未授权同步时，会话改用 local（闸门恒为关闭）
type Coordinator struct {
	machine *connection.Machine
	trackers
	local  trackers
	events EventSink
	clock    clockwork.Clock
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	open    map[openKey]*DocumentSession
	closed  bool
	stopSub func()

	// 后台 removePresence / endSession
	teardowns sync.WaitGroup
}

type Options struct {
	Archive session.Archive
	Events  EventSink
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Config  Config
}

func NewCoordinator(s store.Store, machine *connection.Machine, opt Options) *Coordinator {
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Events == nil {
		opt.Events = nopSink{}
	}
	cfg := opt.Config.withDefaults()

	c := &Coordinator{
		machine:  machine,
		trackers: newTrackers(s, machine, opt, cfg),
		local:    newTrackers(s, connection.StaticGate(false), opt, cfg),
		events:   opt.Events,
		clock:    opt.Clock,
		logger:   opt.Logger.With("component", "coordinator"),
		cfg:      cfg,
		open:     make(map[openKey]*DocumentSession),
	}
	c.stopSub = machine.Subscribe(c.connectionChanged)
	return c
}

func (c *Coordinator) Machine() *connection.Machine { return c.machine }

func (c *Coordinator) Presence() *presence.Tracker { return c.presence }

func (c *Coordinator) Versions() *version.Controller { return c.versions }

// Open 打开（或复用）当前用户在该文档上的会话。
// who.SyncEnabled() 为 false 时会话只在本地：不读写存储、不订阅，状态固定为 disabled
func (c *Coordinator) Open(ctx context.Context, who identity.Provider, key entity.DocKey) (*DocumentSession, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("open: invalid document key %q", key.String())
	}
	id, err := who.Current()
	if err != nil {
		return nil, err
	}

	k := openKey{userID: id.UserID, doc: key}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("open %s: coordinator closed", key.String())
	}
	if ds, ok := c.open[k]; ok {
		c.mu.Unlock()
		return ds, nil
	}
	ds := newDocumentSession(c, id, key, who.SyncEnabled())
	c.open[k] = ds
	c.mu.Unlock()

	if err := ds.init(ctx); err != nil {
		c.forget(ds)
		return nil, err
	}
	metrics.OpenDocuments.Inc()
	return ds, nil
}

// Get 已打开的会话
func (c *Coordinator) Get(userID string, key entity.DocKey) (*DocumentSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.open[openKey{userID: userID, doc: key}]
	return ds, ok
}

// OpenCount 当前打开的文档会话数
func (c *Coordinator) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Close 关闭所有会话，等后台清理写完（各自有超时），再关连接状态机
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*DocumentSession, 0, len(c.open))
	for _, ds := range c.open {
		sessions = append(sessions, ds)
	}
	c.mu.Unlock()

	for _, ds := range sessions {
		ds.Close()
	}
	c.teardowns.Wait()
	c.stopSub()
	c.machine.Close()
	c.logger.Info("coordinator closed", "sessions", len(sessions))
}

func (c *Coordinator) forget(ds *DocumentSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := openKey{userID: ds.who.UserID, doc: ds.key}
	if c.open[k] == ds {
		delete(c.open, k)
	}
}

func (c *Coordinator) connectionChanged(s connection.State) {
	metrics.SetConnection(string(s.Status), s.ReconnectAttempts)

	c.mu.Lock()
	sessions := make([]*DocumentSession, 0, len(c.open))
	for _, ds := range c.open {
		sessions = append(sessions, ds)
	}
	c.mu.Unlock()

	for _, ds := range sessions {
		ds.connectionChanged(s)
	}
}
