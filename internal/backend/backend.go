package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/relay/internal/auth"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/dispatch"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/permissions"
	"github.com/rzbill/relay/internal/protocol"
	"github.com/rzbill/relay/internal/registration"
	"github.com/rzbill/relay/internal/subfeeds"
	"github.com/rzbill/relay/internal/tasks"
	"github.com/rzbill/relay/internal/transport"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// ErrNotRegistered is returned by Publish before the first registration.
var ErrNotRegistered = errors.New("backend: not registered")

// Registrar obtains broker credentials and keeps the config object fresh.
type Registrar interface {
	Register(ctx context.Context) (registration.Registration, error)
	UploadConfigObject(ctx context.Context) error
}

// FeedLog is the local subfeed store: the watch and entry source for the
// subfeed manager and the target of authorized appends.
type FeedLog interface {
	subfeeds.Source
	Append(ctx context.Context, feedID, subfeedHash string, messages []json.RawMessage) (int64, error)
}

// Deps are the collaborators a Backend coordinates.
type Deps struct {
	Dialer      transport.Dialer
	Registrar   Registrar
	Objects     objstore.Store
	Feeds       FeedLog
	Jobs        tasks.Submitter
	Permissions *permissions.Authorizer
	Verifier    auth.Verifier
}

// Options configures a Backend.
type Options struct {
	Timing           cfgpkg.Timing
	MaxSubscriptions int
	// Version is reported in backendInfo.
	Version string
	Now     func() time.Time
}

// Status is a point-in-time view of the loop, served by the status endpoints.
type Status struct {
	Registered     bool                    `json:"registered"`
	Connected      bool                    `json:"connected"`
	ServerChannel  string                  `json:"serverChannel,omitempty"`
	PendingBatches int                     `json:"pendingBatches"`
	OutboxFrames   int                     `json:"outboxFrames"`
	Tasks          []tasks.Info            `json:"tasks"`
	Subscriptions  []subfeeds.Subscription `json:"subscriptions"`
	LastTick       time.Time               `json:"lastTick"`
}

// Backend is the single-threaded coordination loop.
type Backend struct {
	deps   Deps
	opts   Options
	logger logpkg.Logger

	dispatcher *dispatch.Dispatcher
	tasks      *tasks.Manager
	subfeeds   *subfeeds.Manager

	// loop state, touched only by Iterate
	iterMu           sync.Mutex
	reg              *registration.Registration
	registeredAt     time.Time
	lastRegAttempt   time.Time
	lastReportAlive  time.Time
	lastPermsRefresh time.Time

	mu            sync.RWMutex
	serverChannel string
	lastTick      time.Time
	running       bool
	closed        bool
}

// New builds a Backend with a default logger.
func New(deps Deps, opts Options) *Backend {
	return NewWithLogger(deps, opts, logpkg.NewLogger())
}

// NewWithLogger builds a Backend and starts the subfeed workers.
func NewWithLogger(deps Deps, opts Options, logger logpkg.Logger) *Backend {
	def := cfgpkg.Default().Timing
	t := &opts.Timing
	if t.Tick <= 0 {
		t.Tick = def.Tick
	}
	if t.RegistrationMaxAge <= 0 {
		t.RegistrationMaxAge = def.RegistrationMaxAge
	}
	if t.RegistrationRetry <= 0 {
		t.RegistrationRetry = def.RegistrationRetry
	}
	if t.ReportAliveInterval <= 0 {
		t.ReportAliveInterval = def.ReportAliveInterval
	}
	if t.PermissionsRefresh <= 0 {
		t.PermissionsRefresh = def.PermissionsRefresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	b := &Backend{
		deps:   deps,
		opts:   opts,
		logger: logger.With(logpkg.Component("backend")),
	}
	b.dispatcher = dispatch.NewWithLogger(deps.Dialer, dispatch.Options{
		MaxBatchBytes: opts.Timing.BatchMaxBytes,
		MaxBatchAge:   opts.Timing.BatchMaxAge.D(),
		Now:           opts.Now,
	}, logger)
	pub := tasks.PublisherFunc(b.Publish)
	b.tasks = tasks.NewManagerWithLogger(pub, deps.Objects, deps.Jobs, tasks.Options{
		KeepAliveTimeout: opts.Timing.TaskKeepAliveTimeout.D(),
		PersistRetry:     opts.Timing.TaskResultRetry.D(),
		Now:              opts.Now,
	}, logger)
	b.subfeeds = subfeeds.NewManager(pub, deps.Objects, deps.Feeds, subfeeds.Options{
		WatchWait:          opts.Timing.WatchWait.D(),
		CompactionInterval: opts.Timing.CompactionInterval.D(),
		CompactionMinGap:   int64(opts.Timing.CompactionMinGap),
		MaxSubscriptions:   opts.MaxSubscriptions,
		Now:                opts.Now,
	}, logger)
	return b
}

// Publish queues msg on the server channel. Before the first registration
// there is no channel and the message is dropped.
func (b *Backend) Publish(msg any) error {
	b.mu.RLock()
	channel := b.serverChannel
	b.mu.RUnlock()
	if channel == "" {
		b.logger.Warn("backend.publish_unregistered")
		return ErrNotRegistered
	}
	return b.dispatcher.Publish(channel, msg)
}

// Run ticks until ctx is done, then closes the backend.
func (b *Backend) Run(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	b.logger.Info("backend.start", logpkg.Dur("tick", b.opts.Timing.Tick.D()))
	ticker := time.NewTicker(b.opts.Timing.Tick.D())
	defer ticker.Stop()
	for {
		b.Iterate(ctx)
		select {
		case <-ctx.Done():
			b.logger.Info("backend.stop")
			return b.Close()
		case <-ticker.C:
		}
	}
}

// Iterate runs one tick.
func (b *Backend) Iterate(ctx context.Context) {
	b.iterMu.Lock()
	defer b.iterMu.Unlock()
	now := b.opts.Now()

	b.renewRegistration(ctx, now)
	if b.reg != nil && now.Sub(b.lastReportAlive) >= b.opts.Timing.ReportAliveInterval.D() {
		b.reportAlive(ctx, now)
	}
	if b.deps.Permissions != nil && now.Sub(b.lastPermsRefresh) >= b.opts.Timing.PermissionsRefresh.D() {
		b.lastPermsRefresh = now
		if err := b.deps.Permissions.Refresh(ctx); err != nil {
			b.logger.Warn("backend.permissions_refresh_failed", logpkg.Err(err))
		}
	}

	for _, raw := range b.dispatcher.DrainInbound() {
		b.Handle(ctx, raw)
	}

	b.tasks.Iterate(ctx)
	if err := b.subfeeds.Iterate(ctx); err != nil {
		b.logger.Warn("backend.subfeeds_iterate", logpkg.Err(err))
	}
	b.dispatcher.Iterate(ctx)

	b.mu.Lock()
	b.lastTick = now
	b.mu.Unlock()
}

func (b *Backend) renewRegistration(ctx context.Context, now time.Time) {
	due := b.reg == nil ||
		now.Sub(b.registeredAt) > b.opts.Timing.RegistrationMaxAge.D() ||
		!b.dispatcher.Connected()
	if !due || (!b.lastRegAttempt.IsZero() && now.Sub(b.lastRegAttempt) < b.opts.Timing.RegistrationRetry.D()) {
		return
	}
	b.lastRegAttempt = now
	reg, err := b.deps.Registrar.Register(ctx)
	if err != nil {
		b.logger.Warn("backend.register_failed", logpkg.Err(err))
		return
	}
	if err := b.dispatcher.Reconnect(ctx, reg); err != nil {
		b.logger.Warn("backend.reconnect_failed", logpkg.Err(err))
		return
	}
	b.reg = &reg
	b.registeredAt = now
	b.mu.Lock()
	b.serverChannel = reg.ServerChannelName
	b.mu.Unlock()
}

func (b *Backend) reportAlive(ctx context.Context, now time.Time) {
	b.lastReportAlive = now
	_ = b.Publish(protocol.NewReportAlive())
	if err := b.deps.Registrar.UploadConfigObject(ctx); err != nil {
		b.logger.Warn("backend.config_upload_failed", logpkg.Err(err))
	}
}

// Handle routes one raw inbound message.
func (b *Backend) Handle(ctx context.Context, raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		b.logger.Warn("backend.malformed", logpkg.Err(err))
		return
	}
	caller := b.caller(ctx, in.IDToken)

	switch in.Kind {
	case protocol.KindInitiateTask:
		b.tasks.Initiate(ctx, in.TaskHash, in.Task)
	case protocol.KindKeepAliveTask:
		b.tasks.KeepAlive(in.TaskHash)
	case protocol.KindSubscribeToSubfeed:
		b.subfeeds.Subscribe(in.FeedID, in.SubfeedHash)
	case protocol.KindAppendMessagesToSubfeed:
		if b.deps.Permissions == nil || !b.deps.Permissions.CanAppend(caller, in.FeedID, in.SubfeedHash) {
			b.logger.Debug("backend.append_denied", logpkg.Str("user", caller), logpkg.FeedID(in.FeedID))
			return
		}
		n, err := b.deps.Feeds.Append(ctx, in.FeedID, in.SubfeedHash, in.Messages)
		if err != nil {
			b.logger.Warn("backend.append_failed", logpkg.FeedID(in.FeedID), logpkg.Err(err))
			return
		}
		b.logger.Debug("backend.appended", logpkg.FeedID(in.FeedID), logpkg.Int("messages", len(in.Messages)), logpkg.Int64("first", n))
	case protocol.KindProbe:
		b.reportAlive(ctx, b.opts.Now())
	case protocol.KindGetUserPermissions:
		if b.deps.Permissions == nil || !b.deps.Permissions.CanGetPermissions(caller, in.UserID) {
			b.logger.Debug("backend.permissions_denied", logpkg.Str("user", caller), logpkg.Str("target", in.UserID))
			return
		}
		_ = b.Publish(protocol.NewUserPermissions(in.UserID, b.deps.Permissions.Get(in.UserID)))
	case protocol.KindGetBackendInfo:
		_ = b.Publish(protocol.NewBackendInfo(b.opts.Version))
	case protocol.KindUnknown:
		b.logger.Warn("backend.unknown_type", logpkg.Str("type", in.Type))
	default:
		panic("backend: unhandled kind " + in.Kind.String())
	}
}

// caller verifies token and returns the user id, or "" for anonymous.
func (b *Backend) caller(ctx context.Context, token string) string {
	if token == "" || b.deps.Verifier == nil {
		return ""
	}
	userID, err := b.deps.Verifier.Verify(ctx, token)
	if err != nil {
		b.logger.Debug("backend.token_rejected", logpkg.Err(err))
		return ""
	}
	return userID
}

// Status returns a snapshot for the status endpoints.
func (b *Backend) Status() Status {
	st := b.dispatcher.Stats()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		Registered:     b.serverChannel != "",
		Connected:      st.Connected,
		ServerChannel:  b.serverChannel,
		PendingBatches: st.PendingBatches,
		OutboxFrames:   st.OutboxFrames,
		Tasks:          b.tasks.Snapshot(),
		Subscriptions:  b.subfeeds.Subscriptions(),
		LastTick:       b.lastTick,
	}
}

// Running reports whether Run is looping.
func (b *Backend) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Close stops the workers, cancels tracked jobs and closes the connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.iterMu.Lock()
	defer b.iterMu.Unlock()
	b.subfeeds.Close()
	b.tasks.Close()
	b.dispatcher.Flush(context.Background())
	return b.dispatcher.Close()
}
