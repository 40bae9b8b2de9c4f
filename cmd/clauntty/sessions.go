package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/octerm/clauntty/internal/transport"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage persistent sessions on the remote host",
	}
	cmd.AddCommand(newSessionsListCmd(root))
	cmd.AddCommand(newSessionsRenameCmd(root))
	cmd.AddCommand(newSessionsRemoveCmd(root))
	cmd.AddCommand(newSessionsPickCmd(root))
	return cmd
}

func newSessionsListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			d, err := c.deployer(root, "")
			if err != nil {
				return err
			}
			sessions, err := d.ListSessions(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATE\tACTIVE\tCREATED\tTITLE")
			for _, s := range sessions {
				state := "stale"
				if s.Live {
					state = "live"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Name, state,
					humanize.Time(s.LastActivity()),
					humanize.Time(s.Created),
					s.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsRenameCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Set a session's display name (letters, digits and hyphens)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()
			d, err := c.deployer(root, "")
			if err != nil {
				return err
			}
			return d.Rename(ctx, args[0], args[1])
		},
	}
}

func newSessionsRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <session-id>...",
		Aliases: []string{"delete"},
		Short:   "Kill sessions and remove their sockets and metadata",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			d, err := c.deployer(root, "")
			if err != nil {
				return err
			}
			var failed int
			for _, id := range args {
				if err := d.Delete(ctx, id); err != nil {
					root.logger.Error("delete failed", "session", id, "err", err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sessions not fully deleted", failed, len(args))
			}
			return nil
		},
	}
}
