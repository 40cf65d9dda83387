package client

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rzbill/relay/internal/runtime"
	"github.com/spf13/cobra"
)

// NewSubfeedCommand constructs the `subfeed` command group.
func NewSubfeedCommand(open StoreOpener, baseURL BaseURLFunc) *cobra.Command {
	subfeedCmd := &cobra.Command{Use: "subfeed", Short: "Subfeed operations"}
	subfeedCmd.AddCommand(newSubfeedAppendCommand(open), newSubfeedShowCommand(open, baseURL))
	return subfeedCmd
}

func newSubfeedAppendCommand(open StoreOpener) *cobra.Command {
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append JSON messages to a local subfeed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			feed, _ := cmd.Flags().GetString("feed")
			sub, _ := cmd.Flags().GetString("subfeed")
			raw, _ := cmd.Flags().GetStringArray("message")
			msgs := make([]json.RawMessage, 0, len(raw))
			for i, m := range raw {
				if !json.Valid([]byte(m)) {
					return fmt.Errorf("--message %d is not valid JSON", i)
				}
				msgs = append(msgs, json.RawMessage(m))
			}
			if len(msgs) == 0 {
				return fmt.Errorf("at least one --message is required")
			}
			return withRuntime(open, func(rt *runtime.Runtime) error {
				first, err := rt.Feeds().Append(cmd.Context(), feed, sub, msgs)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "appended: %d first: %d\n", len(msgs), first)
				return nil
			})
		},
	}
	appendCmd.Flags().String("feed", "", "Feed id")
	appendCmd.Flags().String("subfeed", "", "Subfeed hash")
	appendCmd.Flags().StringArray("message", nil, "JSON message (repeatable)")
	_ = appendCmd.MarkFlagRequired("feed")
	_ = appendCmd.MarkFlagRequired("subfeed")
	return appendCmd
}

// newSubfeedShowCommand prints one message per line, from the local data
// dir or, with --remote, from a running backend's HTTP API.
func newSubfeedShowCommand(open StoreOpener, baseURL BaseURLFunc) *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the messages of a subfeed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			feed, _ := cmd.Flags().GetString("feed")
			sub, _ := cmd.Flags().GetString("subfeed")
			remote, _ := cmd.Flags().GetBool("remote")

			var msgs []json.RawMessage
			if remote {
				var body struct {
					Messages []json.RawMessage `json:"messages"`
				}
				u := fmt.Sprintf("%s/v1/feeds/%s/subfeeds/%s/messages", baseURL(), url.PathEscape(feed), url.PathEscape(sub))
				if err := getJSON(cmd.Context(), u, &body); err != nil {
					return err
				}
				msgs = body.Messages
			} else {
				err := withRuntime(open, func(rt *runtime.Runtime) error {
					var err error
					msgs, err = rt.Feeds().Messages(cmd.Context(), feed, sub)
					return err
				})
				if err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintln(out, string(m))
			}
			return nil
		},
	}
	showCmd.Flags().String("feed", "", "Feed id")
	showCmd.Flags().String("subfeed", "", "Subfeed hash")
	showCmd.Flags().Bool("remote", false, "Read through the HTTP API of a running backend")
	_ = showCmd.MarkFlagRequired("feed")
	_ = showCmd.MarkFlagRequired("subfeed")
	return showCmd
}
