package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/octerm/clauntty/internal/transport"
)

func newDeployCmd(root *rootOptions) *cobra.Command {
	var (
		assets    string
		toolsOnly bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install or update the rtach helper on the remote host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			d, err := c.deployer(root, assets)
			if err != nil {
				return err
			}
			if !toolsOnly {
				if err := d.EnsureDeployed(ctx); err != nil {
					return err
				}
			}
			if err := d.EnsureToolConfig(ctx); err != nil {
				return err
			}
			fmt.Printf("rtach ready on %s\n", c.name)
			return nil
		},
	}
	cmd.Flags().StringVar(&assets, "assets", "", "directory holding rtach-<arch>[.zst] helper builds (overrides profile)")
	cmd.Flags().BoolVar(&toolsOnly, "tool-config-only", false, "only update the remote tool settings file")
	return cmd
}
