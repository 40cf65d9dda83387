package subfeeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/relay/internal/feedlog"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/protocol"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// ErrPositionGap means a poll result did not start at the subscription's
// delivered position.
var ErrPositionGap = errors.New("subfeeds: position gap")

// Publisher delivers outbound notifications.
type Publisher interface {
	Publish(msg any) error
}

// Source is the feed log the workers read from.
type Source interface {
	WatchSource
	EntrySource
}

// Subscription is one tracked (feed, subfeed) pair.
type Subscription struct {
	FeedID            string    `json:"feedId"`
	SubfeedHash       string    `json:"subfeedHash"`
	DeliveredPosition int64     `json:"deliveredPosition"`
	LastActivity      time.Time `json:"lastActivity"`
}

// Options configures a Manager.
type Options struct {
	WatchWait          time.Duration
	CompactionInterval time.Duration
	CompactionMinGap   int64
	// CompactionTick is how often the compactor looks for due candidates.
	CompactionTick time.Duration
	// MaxSubscriptions evicts the least recently active subscription when
	// exceeded; 0 keeps every subscription.
	MaxSubscriptions int
	Now              func() time.Time

	onCompaction func(CompactionCandidate, Outcome, error)
}

func (o *Options) setDefaults() {
	if o.WatchWait <= 0 {
		o.WatchWait = 6 * time.Second
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = 10 * time.Second
	}
	if o.CompactionMinGap <= 0 {
		o.CompactionMinGap = 5
	}
	if o.CompactionTick <= 0 {
		o.CompactionTick = 100 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns the subscriptions and the two workers.
type Manager struct {
	pub     Publisher
	objects objstore.Store
	opts    Options
	logger  logpkg.Logger

	watchIn   chan workerMessage
	watchOut  chan workerMessage
	compactIn chan workerMessage
	workers   sync.WaitGroup

	mu          sync.Mutex
	subs        map[string]*Subscription
	outstanding bool
	dirty       []updateSubfeed
	closed      bool
}

// NewManager starts the watcher and compactor.
func NewManager(pub Publisher, objects objstore.Store, source Source, opts Options, logger logpkg.Logger) *Manager {
	opts.setDefaults()
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	m := &Manager{
		pub:       pub,
		objects:   objects,
		opts:      opts,
		logger:    logger.With(logpkg.Component("subfeeds")),
		watchIn:   make(chan workerMessage, 1),
		watchOut:  make(chan workerMessage, 1),
		compactIn: make(chan workerMessage, 64),
		subs:      make(map[string]*Subscription),
	}
	loop := &compactorLoop{
		compactor:  NewCompactor(objects, source, opts.CompactionMinGap, logger),
		interval:   opts.CompactionInterval,
		tick:       opts.CompactionTick,
		opTimeout:  time.Minute,
		now:        opts.Now,
		candidates: make(map[string]*CompactionCandidate),
		onPass:     opts.onCompaction,
	}
	m.workers.Add(2)
	go func() {
		defer m.workers.Done()
		runWatcher(source, opts.WatchWait, m.watchIn, m.watchOut, m.logger)
	}()
	go func() {
		defer m.workers.Done()
		loop.run(m.compactIn)
	}()
	return m
}

// Subscribe starts tracking feedID/subfeedHash at position 0. Subscribing
// again only refreshes its activity time.
func (m *Manager) Subscribe(feedID, subfeedHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subscriptionKey(feedID, subfeedHash)
	if s, ok := m.subs[key]; ok {
		s.LastActivity = m.opts.Now()
		return
	}
	if max := m.opts.MaxSubscriptions; max > 0 && len(m.subs) >= max {
		m.evictLocked()
	}
	m.subs[key] = &Subscription{FeedID: feedID, SubfeedHash: subfeedHash, LastActivity: m.opts.Now()}
	m.dirty = append(m.dirty, updateSubfeed{feedID: feedID, subfeedHash: subfeedHash})
	m.logger.Info("subfeeds.subscribed", logpkg.FeedID(feedID), logpkg.SubfeedHash(subfeedHash))
}

func (m *Manager) evictLocked() {
	var oldest *Subscription
	var oldestKey string
	for k, s := range m.subs {
		if oldest == nil || s.LastActivity.Before(oldest.LastActivity) {
			oldest, oldestKey = s, k
		}
	}
	if oldest != nil {
		delete(m.subs, oldestKey)
		m.logger.Info("subfeeds.evicted", logpkg.FeedID(oldest.FeedID), logpkg.SubfeedHash(oldest.SubfeedHash))
	}
}

// Iterate runs one cycle: it either issues a poll or, with one outstanding,
// applies its result if ready. It never blocks on the workers. Errors are
// position gaps; the affected subscriptions are left unchanged.
func (m *Manager) Iterate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.flushDirtyLocked()

	if !m.outstanding {
		if len(m.subs) == 0 {
			return nil
		}
		watches := make(map[string]feedlog.Watch, len(m.subs))
		for k, s := range m.subs {
			watches[k] = feedlog.Watch{FeedID: s.FeedID, SubfeedHash: s.SubfeedHash, Position: s.DeliveredPosition}
		}
		m.watchIn <- watchRequest{watches: watches}
		m.outstanding = true
		return nil
	}

	var msg workerMessage
	select {
	case msg = <-m.watchOut:
	default:
		return nil
	}
	res, ok := msg.(watchResult)
	if !ok {
		unexpectedMessage("manager", msg)
	}
	m.outstanding = false
	return m.applyLocked(ctx, res)
}

func (m *Manager) applyLocked(ctx context.Context, res watchResult) error {
	keys := make([]string, 0, len(res.newMessages))
	for k := range res.newMessages {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		msgs := res.newMessages[k]
		s, ok := m.subs[k]
		if !ok || len(msgs) == 0 {
			continue
		}
		requested, ok := res.watches[k]
		if !ok || requested.Position != s.DeliveredPosition {
			errs = append(errs, fmt.Errorf("%w: %s/%s delivered %d, result starts at %d",
				ErrPositionGap, s.FeedID, s.SubfeedHash, s.DeliveredPosition, requested.Position))
			continue
		}
		if err := m.reportLocked(ctx, s, msgs); err != nil {
			m.logger.Warn("subfeeds.report_failed", logpkg.FeedID(s.FeedID), logpkg.SubfeedHash(s.SubfeedHash), logpkg.Err(err))
		}
	}
	return errors.Join(errs...)
}

// reportLocked mirrors new entries to the object store, bumps the summary's
// messageCount, publishes the update and advances the position. A store
// failure leaves the position alone so the next poll returns the same
// messages; entry writes are only-if-absent, so repeating them is harmless.
func (m *Manager) reportLocked(ctx context.Context, s *Subscription, msgs []json.RawMessage) error {
	pos := s.DeliveredPosition
	for i, msg := range msgs {
		path := objstore.SubfeedEntryPath(s.FeedID, s.SubfeedHash, pos+int64(i))
		if _, err := m.objects.Put(ctx, path, msg, objstore.PutOptions{IfAbsent: true}); err != nil {
			return fmt.Errorf("mirror entry %d: %w", pos+int64(i), err)
		}
	}
	count := pos + int64(len(msgs))

	sum, _, err := objstore.ReadSummary(ctx, m.objects, s.FeedID, s.SubfeedHash)
	if err != nil {
		return fmt.Errorf("read summary: %w", err)
	}
	sum.MessageCount = count
	if err := objstore.WriteSummary(ctx, m.objects, s.FeedID, s.SubfeedHash, sum); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if err := m.pub.Publish(protocol.NewSubfeedUpdate(s.FeedID, s.SubfeedHash, count)); err != nil {
		m.logger.Warn("subfeeds.publish_failed", logpkg.FeedID(s.FeedID), logpkg.Err(err))
	}
	s.DeliveredPosition = count
	s.LastActivity = m.opts.Now()
	m.dirty = append(m.dirty, updateSubfeed{feedID: s.FeedID, subfeedHash: s.SubfeedHash})
	m.flushDirtyLocked()
	m.logger.Debug("subfeeds.update", logpkg.FeedID(s.FeedID), logpkg.SubfeedHash(s.SubfeedHash), logpkg.Int64("message_count", count))
	return nil
}

// flushDirtyLocked hands pending dirty marks to the compactor without
// blocking; whatever does not fit waits for the next Iterate.
func (m *Manager) flushDirtyLocked() {
	for len(m.dirty) > 0 {
		select {
		case m.compactIn <- m.dirty[0]:
			m.dirty = m.dirty[1:]
		default:
			return
		}
	}
}

// Subscriptions returns copies of the tracked subscriptions ordered by key.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Subscription, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m.subs[k])
	}
	return out
}

// Position returns the delivered position of a subscription.
func (m *Manager) Position(feedID, subfeedHash string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[subscriptionKey(feedID, subfeedHash)]
	if !ok {
		return 0, false
	}
	return s.DeliveredPosition, true
}

// Close signals both workers to exit and waits for them. An in-flight poll
// runs to completion first.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.watchIn <- exitSignal{}
	m.compactIn <- exitSignal{}
	m.workers.Wait()
}
