// Package runtime wires storage, config and the stores built on them into a
// single relay backend instance. It exposes Open/Close, a basic health check
// and accessors for the feed, kv and object stores.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	first, _ := rt.Feeds().Append(context.Background(), "feed1", "sub1", []json.RawMessage{[]byte(`{"a":1}`)})
package runtime
