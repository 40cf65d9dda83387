package subfeeds

import (
	"encoding/json"
	"fmt"

	"github.com/rzbill/relay/internal/feedlog"
)

// workerMessage is the closed set of values exchanged with the workers.
type workerMessage interface {
	isWorkerMessage()
}

// watchRequest asks the watcher for messages past each position.
type watchRequest struct {
	watches map[string]feedlog.Watch
}

// watchResult answers a watchRequest; watches echoes the request.
type watchResult struct {
	watches     map[string]feedlog.Watch
	newMessages map[string][]json.RawMessage
}

// updateSubfeed marks a compaction candidate dirty.
type updateSubfeed struct {
	feedID      string
	subfeedHash string
}

// exitSignal stops a worker.
type exitSignal struct{}

func (watchRequest) isWorkerMessage()  {}
func (watchResult) isWorkerMessage()   {}
func (updateSubfeed) isWorkerMessage() {}
func (exitSignal) isWorkerMessage()    {}

// unexpectedMessage reports a message a worker does not handle. Only this
// package produces worker messages, so reaching it is a programming error.
func unexpectedMessage(worker string, msg workerMessage) {
	panic(fmt.Sprintf("subfeeds: %s received unexpected %T", worker, msg))
}

func subscriptionKey(feedID, subfeedHash string) string {
	return feedID + ":" + subfeedHash
}

func copyWatches(in map[string]feedlog.Watch) map[string]feedlog.Watch {
	out := make(map[string]feedlog.Watch, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMessages(in map[string][]json.RawMessage) map[string][]json.RawMessage {
	out := make(map[string][]json.RawMessage, len(in))
	for k, msgs := range in {
		cp := make([]json.RawMessage, len(msgs))
		for i, m := range msgs {
			cp[i] = append(json.RawMessage(nil), m...)
		}
		out[k] = cp
	}
	return out
}
