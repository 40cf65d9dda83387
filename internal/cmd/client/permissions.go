package client

import (
	"github.com/rzbill/relay/internal/permissions"
	"github.com/rzbill/relay/internal/runtime"
	"github.com/spf13/cobra"
)

// NewPermissionsCommand constructs the `permissions` command group.
func NewPermissionsCommand(open StoreOpener) *cobra.Command {
	permsCmd := &cobra.Command{Use: "permissions", Short: "Manage user permissions"}
	permsCmd.AddCommand(newPermissionsSetCommand(open), newPermissionsGetCommand(open))
	return permsCmd
}

// newPermissionsSetCommand edits one user's entry. Only flags that are
// given change the stored value.
func newPermissionsSetCommand(open StoreOpener) *cobra.Command {
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Set permissions for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			admin, _ := cmd.Flags().GetBool("admin")
			appendAll, _ := cmd.Flags().GetBool("append-to-all-feeds")
			feed, _ := cmd.Flags().GetString("feed")
			appendFeed, _ := cmd.Flags().GetBool("append")
			flags := cmd.Flags()
			return withRuntime(open, func(rt *runtime.Runtime) error {
				p, err := permissions.Update(cmd.Context(), rt.KV(), user, func(p *permissions.UserPermissions) {
					if flags.Changed("admin") {
						p.Admin = admin
					}
					if flags.Changed("append-to-all-feeds") {
						p.AppendToAllFeeds = appendAll
					}
					if feed != "" && flags.Changed("append") {
						if p.Feeds == nil {
							p.Feeds = map[string]permissions.FeedPermissions{}
						}
						fp := p.Feeds[feed]
						fp.Append = appendFeed
						p.Feeds[feed] = fp
					}
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"userId": user, "permissions": p})
			})
		},
	}
	setCmd.Flags().String("user", "", "User id (email)")
	setCmd.Flags().Bool("admin", false, "Grant or revoke admin")
	setCmd.Flags().Bool("append-to-all-feeds", false, "Grant or revoke append on every feed")
	setCmd.Flags().String("feed", "", "Feed id for --append")
	setCmd.Flags().Bool("append", false, "Grant or revoke append on --feed")
	_ = setCmd.MarkFlagRequired("user")
	return setCmd
}

func newPermissionsGetCommand(open StoreOpener) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show permissions for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			return withRuntime(open, func(rt *runtime.Runtime) error {
				p, err := permissions.Load(cmd.Context(), rt.KV(), user)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"userId": user, "permissions": p})
			})
		},
	}
	getCmd.Flags().String("user", "", "User id (email)")
	_ = getCmd.MarkFlagRequired("user")
	return getCmd
}
