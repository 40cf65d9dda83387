package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rzbill/relay/internal/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// StoreOpener opens the local runtime for commands that edit the data
// directory directly. The backend must not be running on the same directory.
type StoreOpener func() (*runtime.Runtime, error)

// grpcAddrFromEnv returns the gRPC server address from RELAY_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("RELAY_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

// dialGRPCContext dials the relay gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(ctx context.Context) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// withRuntime opens the local runtime, runs fn and closes it.
func withRuntime(open StoreOpener, fn func(*runtime.Runtime) error) error {
	rt, err := open()
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	defer func() { _ = rt.Close() }()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// getJSON fetches url and decodes a 200 JSON body into v.
func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, b)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
