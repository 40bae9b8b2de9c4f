package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/octerm/clauntty/internal/mosh"
	"github.com/octerm/clauntty/internal/transport"
)

func newMoshCmd(root *rootOptions) *cobra.Command {
	var opts mosh.Options
	cmd := &cobra.Command{
		Use:   "mosh [-- command...]",
		Short: "Start mosh-server over SSH and print the UDP handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			opts.Command = args
			h, err := mosh.Bootstrap(ctx, c.client, opts)
			if errors.Is(err, mosh.ErrServerNotInstalled) {
				return fmt.Errorf("%w on %s: install the mosh package on the remote host", err, c.name)
			}
			if err != nil {
				return err
			}
			root.logger.Info("mosh server started", "host", c.name, "handoff", h)
			// The key goes to stdout only, for the UDP client to consume.
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"host": c.host.Address,
				"port": h.Port,
				"key":  h.Key,
			})
		},
	}
	cmd.Flags().StringVar(&opts.Server, "server", "mosh-server", "remote mosh-server binary")
	cmd.Flags().StringVar(&opts.Locale, "locale", "en_US.UTF-8", "LANG passed to mosh-server")
	return cmd
}
