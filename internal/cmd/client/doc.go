// Package client provides the `relay` command-line client.
//
// Commands fall into two groups. Offline commands (permissions, subfeed
// append, subfeed show) open the data directory directly and must not run
// against a directory a backend currently holds. Online commands (status,
// health, subfeed show --remote) talk to a running backend.
//
// # Address configuration
//
// The HTTP base URL comes from the embedding application through a
// BaseURLFunc; the standalone binary reads RELAY_HTTP and defaults to
// http://127.0.0.1:8080. The gRPC address is read from RELAY_GRPC (default
// 127.0.0.1:50051).
//
// Usage
//
//	relay permissions set --user alice@example.org --feed f1 --append
//	relay permissions get --user alice@example.org
//	relay subfeed append --feed f1 --subfeed s1 --message '{"x":1}' --message '{"x":2}'
//	relay subfeed show --feed f1 --subfeed s1
//	relay status
//	relay health --service relay.Backend
package client
