// Package serverrun exposes the shared Run entrypoint used by the CLI to
// start a relay backend: it opens the runtime, builds every collaborator
// from config, and runs the coordination loop next to the gRPC and HTTP
// servers until shutdown.
//
// Example:
//
//	opts := serverrun.Options{DataDir: "./data", Config: config.Default()}
//	_ = serverrun.Run(ctx, opts)
package serverrun
