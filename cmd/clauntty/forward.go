package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/octerm/clauntty/internal/transport"
	"github.com/octerm/clauntty/internal/tunnel"
)

func newForwardCmd(root *rootOptions) *cobra.Command {
	var (
		localPort  int
		remoteHost string
		bind       string
	)
	cmd := &cobra.Command{
		Use:   "forward <remote-port>",
		Short: "Forward a local port to a port reachable from the remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePort, err := strconv.Atoi(args[0])
			if err != nil || remotePort <= 0 || remotePort > 65535 {
				return fmt.Errorf("invalid remote port %q", args[0])
			}
			ctx := cmd.Context()
			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			f := tunnel.NewForwarder(c.client, remoteHost, remotePort, tunnel.Config{BindAddress: bind, Logger: root.logger})
			port, err := f.Start(localPort)
			if err != nil {
				return err
			}
			defer f.Stop()
			fmt.Fprintf(os.Stderr, "forwarding %s:%d -> %s:%d via %s (Ctrl-C to stop)\n", bind, port, remoteHost, remotePort, c.name)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&localPort, "local", 0, "local port (default ephemeral)")
	cmd.Flags().StringVar(&remoteHost, "remote-host", "localhost", "target host as seen from the remote side")
	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1", "local bind address")
	return cmd
}
