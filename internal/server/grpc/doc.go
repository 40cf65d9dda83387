// Package grpcserver hosts the standard gRPC health service for a relay
// backend. The overall status follows local storage health; the
// "relay.Backend" service is SERVING only while the coordination loop runs.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Config: config.Default()})
//	s := grpcserver.New(rt, b, logger)
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
