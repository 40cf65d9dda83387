// Package subfeeds keeps subscribers of append-only subfeeds informed.
//
// The Manager runs on the coordination loop and tracks one Subscription per
// (feed, subfeed) pair. Two detached goroutines serve it:
//
//   - the watcher long-polls the feed log for messages past each delivered
//     position. At most one poll is outstanding at a time.
//   - the compactor folds mirrored entry objects into a single range object
//     once enough of them pile up.
//
// Workers talk to the manager only through workerMessage values sent over
// channels. Maps and slices are copied before they cross. Close sends each
// worker an exitSignal and waits for it to return.
package subfeeds
