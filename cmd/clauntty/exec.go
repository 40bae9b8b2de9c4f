package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/octerm/clauntty/internal/transport"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Run a command on the remote host and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			remoteCmd := strings.Join(args, " ")
			if len(args) > 1 {
				remoteCmd = shellquote.Join(args...)
			}

			c, err := root.dial(ctx, transport.Config{})
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			if inputPath != "" {
				input, err := os.ReadFile(inputPath)
				if err != nil {
					return err
				}
				return c.client.ExecuteWithInput(ctx, remoteCmd, input)
			}
			out, err := c.client.Execute(ctx, remoteCmd)
			fmt.Print(out)
			return err
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "", "file to stream to the command's stdin")
	return cmd
}
