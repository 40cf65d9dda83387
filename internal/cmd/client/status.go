package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewStatusCommand prints the coordination loop snapshot of a running backend.
func NewStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend status (tasks, subscriptions, outbox)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body json.RawMessage
			if err := getJSON(cmd.Context(), baseURL()+"/v1/status", &body); err != nil {
				return err
			}
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

// NewHealthCommand runs a gRPC health check against RELAY_GRPC.
func NewHealthCommand() *cobra.Command {
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check backend health over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, _ := cmd.Flags().GetString("service")
			conn, err := dialGRPCContext(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			res, err := healthpb.NewHealthClient(conn).Check(cmd.Context(), &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", res.GetStatus().String())
			return nil
		},
	}
	healthCmd.Flags().String("service", "relay.Backend", "Health service name (empty for overall)")
	return healthCmd
}
