package subfeeds

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rzbill/relay/internal/feedlog"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// WatchSource long-polls subfeeds for new messages.
type WatchSource interface {
	WatchForNewMessages(ctx context.Context, watches map[string]feedlog.Watch, wait time.Duration) (map[string][]json.RawMessage, error)
}

// runWatcher serves watch requests one at a time. A failed poll is answered
// with no messages so the manager can issue the next one.
func runWatcher(source WatchSource, wait time.Duration, in <-chan workerMessage, out chan<- workerMessage, logger logpkg.Logger) {
	for msg := range in {
		switch m := msg.(type) {
		case watchRequest:
			got, err := source.WatchForNewMessages(context.Background(), m.watches, wait)
			if err != nil {
				logger.Warn("subfeeds.watch_failed", logpkg.Int("watches", len(m.watches)), logpkg.Err(err))
				got = map[string][]json.RawMessage{}
			}
			out <- watchResult{watches: copyWatches(m.watches), newMessages: copyMessages(got)}
		case exitSignal:
			return
		default:
			unexpectedMessage("watcher", msg)
		}
	}
}
