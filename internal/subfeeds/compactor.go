package subfeeds

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rzbill/relay/internal/objstore"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// EntrySource returns the authoritative messages of a subfeed.
type EntrySource interface {
	Messages(ctx context.Context, feedID, subfeedHash string) ([]json.RawMessage, error)
}

// CompactionCandidate tracks whether a subfeed may need compacting.
type CompactionCandidate struct {
	FeedID      string
	SubfeedHash string
	Dirty       bool
	LastCheck   time.Time
}

// Outcome describes what one compaction pass did.
type Outcome int

const (
	OutcomeNoSummary Outcome = iota
	OutcomeBelowThreshold
	// OutcomeIncomplete means the source held fewer messages than the
	// summary claims; nothing was written.
	OutcomeIncomplete
	OutcomeWritten
	// OutcomeExisting means the range object was already there.
	OutcomeExisting
	// OutcomeSummaryVanished means the summary disappeared mid-pass.
	OutcomeSummaryVanished
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoSummary:
		return "no_summary"
	case OutcomeBelowThreshold:
		return "below_threshold"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeWritten:
		return "written"
	case OutcomeExisting:
		return "existing"
	case OutcomeSummaryVanished:
		return "summary_vanished"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Compactor folds a subfeed's entries into one range object.
type Compactor struct {
	objects objstore.Store
	source  EntrySource
	minGap  int64
	logger  logpkg.Logger
}

func NewCompactor(objects objstore.Store, source EntrySource, minGap int64, logger logpkg.Logger) *Compactor {
	if minGap <= 0 {
		minGap = 5
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	return &Compactor{objects: objects, source: source, minGap: minGap, logger: logger.With(logpkg.Component("compactor"))}
}

// Compact runs one pass. The summary update at the end is a plain
// read-modify-write: an append landing in between can leave
// consolidatedCount below the true range, which the next pass repairs.
func (c *Compactor) Compact(ctx context.Context, feedID, subfeedHash string) (Outcome, error) {
	sum, ok, err := objstore.ReadSummary(ctx, c.objects, feedID, subfeedHash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return OutcomeNoSummary, nil
	}
	count := sum.MessageCount
	if sum.ConsolidatedCount > count-c.minGap {
		return OutcomeBelowThreshold, nil
	}

	msgs, err := c.source.Messages(ctx, feedID, subfeedHash)
	if err != nil {
		return 0, err
	}
	if int64(len(msgs)) < count {
		c.logger.Warn("compactor.not_enough_messages",
			logpkg.FeedID(feedID), logpkg.SubfeedHash(subfeedHash),
			logpkg.Int("available", len(msgs)), logpkg.Int64("message_count", count))
		return OutcomeIncomplete, nil
	}
	data, err := json.Marshal(msgs[:count])
	if err != nil {
		return 0, fmt.Errorf("subfeeds: encode range: %w", err)
	}
	wrote, err := c.objects.Put(ctx, objstore.ConsolidatedPath(feedID, subfeedHash, count), data, objstore.PutOptions{IfAbsent: true})
	if err != nil {
		return 0, err
	}

	latest, ok, err := objstore.ReadSummary(ctx, c.objects, feedID, subfeedHash)
	if err != nil {
		return 0, err
	}
	if !ok {
		c.logger.Warn("compactor.summary_vanished", logpkg.FeedID(feedID), logpkg.SubfeedHash(subfeedHash))
		return OutcomeSummaryVanished, nil
	}
	if latest.MessageCount != count {
		c.logger.Warn("compactor.count_moved",
			logpkg.FeedID(feedID), logpkg.SubfeedHash(subfeedHash),
			logpkg.Int64("compacted", count), logpkg.Int64("message_count", latest.MessageCount))
	}
	latest.ConsolidatedCount = count
	if err := objstore.WriteSummary(ctx, c.objects, feedID, subfeedHash, latest); err != nil {
		return 0, err
	}
	if !wrote {
		return OutcomeExisting, nil
	}
	c.logger.Info("compactor.compacted", logpkg.FeedID(feedID), logpkg.SubfeedHash(subfeedHash), logpkg.Int64("count", count))
	return OutcomeWritten, nil
}

// compactorLoop owns the candidates and checks dirty ones at most once per
// interval each.
type compactorLoop struct {
	compactor  *Compactor
	interval   time.Duration
	tick       time.Duration
	opTimeout  time.Duration
	now        func() time.Time
	candidates map[string]*CompactionCandidate
	// onPass observes each pass; used by tests.
	onPass func(CompactionCandidate, Outcome, error)
}

func (l *compactorLoop) run(in <-chan workerMessage) {
	t := time.NewTicker(l.tick)
	defer t.Stop()
	for {
		select {
		case msg := <-in:
			switch m := msg.(type) {
			case updateSubfeed:
				l.update(m)
			case exitSignal:
				return
			default:
				unexpectedMessage("compactor", msg)
			}
		case <-t.C:
			l.checkDue()
		}
	}
}

func (l *compactorLoop) update(m updateSubfeed) {
	key := m.feedID + "/" + m.subfeedHash
	c, ok := l.candidates[key]
	if !ok {
		c = &CompactionCandidate{FeedID: m.feedID, SubfeedHash: m.subfeedHash, LastCheck: l.now()}
		l.candidates[key] = c
	}
	c.Dirty = true
}

func (l *compactorLoop) checkDue() {
	now := l.now()
	keys := make([]string, 0, len(l.candidates))
	for k := range l.candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c := l.candidates[k]
		if !c.Dirty || now.Sub(c.LastCheck) <= l.interval {
			continue
		}
		c.Dirty = false
		c.LastCheck = now
		ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
		outcome, err := l.compactor.Compact(ctx, c.FeedID, c.SubfeedHash)
		cancel()
		if err != nil {
			l.compactor.logger.Warn("compactor.pass_failed", logpkg.FeedID(c.FeedID), logpkg.SubfeedHash(c.SubfeedHash), logpkg.Err(err))
		}
		if err != nil || outcome == OutcomeIncomplete {
			c.Dirty = true
		}
		if l.onPass != nil {
			l.onPass(*c, outcome, err)
		}
	}
}
