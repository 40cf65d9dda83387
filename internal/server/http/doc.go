// Package httpserver serves the read-only HTTP surface of a relay backend:
// health, the coordination loop status and local subfeed contents.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Config: config.Default()})
//	s := httpserver.New(rt, b, logger)
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
