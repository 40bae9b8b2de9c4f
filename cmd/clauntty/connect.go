package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/octerm/clauntty/internal/control"
	"github.com/octerm/clauntty/internal/rtach"
	"github.com/octerm/clauntty/internal/transport"
	"github.com/octerm/clauntty/internal/tunnel"
)

type connectFlags struct {
	assets   string
	plain    bool
	noTools  bool
	termName string
}

func newConnectCmd(root *rootOptions) *cobra.Command {
	flags := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "connect [session-id]",
		Short: "Open an interactive shell inside a persistent session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			ctx := cmd.Context()
			c, err := root.dial(ctx, flags.transportConfig(root))
			if err != nil {
				return err
			}
			defer c.client.Disconnect()
			return runConnect(ctx, root, c, flags, sessionID)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (f *connectFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.assets, "assets", "", "directory holding rtach-<arch>[.zst] helper builds (overrides profile)")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "open a plain login shell without the persistence helper")
	cmd.Flags().BoolVar(&f.noTools, "no-tool-config", false, "do not update the remote tool settings file")
	cmd.Flags().StringVar(&f.termName, "term", "", "TERM for the remote pty (default $TERM or xterm-256color)")
}

func (f *connectFlags) transportConfig(root *rootOptions) transport.Config {
	return transport.Config{
		OnChannelInactive: func(id uint64, kind transport.Kind, err error) {
			root.logger.Warn("channel lost", "channel", id, "kind", kind, "err", err)
		},
	}
}

// runConnect attaches the local terminal to sessionID (a new session when
// empty) over an established connection.
func runConnect(ctx context.Context, root *rootOptions, c *conn, flags *connectFlags, sessionID string) error {
	spec := transport.ShellSpec{Term: terminalName(flags.termName)}
	spec.Cols, spec.Rows = termSize()

	if !flags.plain {
		d, err := c.deployer(root, flags.assets)
		if err != nil {
			return err
		}
		if err := d.EnsureDeployed(ctx); err != nil {
			return err
		}
		if !flags.noTools {
			if err := d.EnsureToolConfig(ctx); err != nil {
				root.logger.Warn("tool config not updated", "err", err)
			}
		}
		if sessionID == "" {
			sessionID = rtach.NewSessionID()
		}
		if err := d.Touch(ctx, sessionID); err != nil {
			root.logger.Warn("could not record session access", "session", sessionID, "err", err)
		}
		if spec.Command, err = d.WrapCommand(sessionID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session %s\r\n", sessionID)
	}

	ch, err := c.client.OpenChannel(ctx, spec)
	if err != nil {
		return err
	}
	defer ch.Close()

	tunnels := tunnel.NewManager(c.client, tunnel.Config{Logger: root.logger})
	defer tunnels.Close()

	demux := control.NewDemuxer(control.Handlers{
		Data: func(p []byte) { _, _ = os.Stdout.Write(p) },
		OpenTab: func(port int) {
			fmt.Fprintf(os.Stderr, "\r\n[clauntty] remote asked to open localhost:%d\r\n", port)
		},
		Forward: func(port int) {
			local, err := tunnels.Forward(port)
			if err != nil {
				root.logger.Warn("forward failed", "port", port, "err", err)
				return
			}
			fmt.Fprintf(os.Stderr, "\r\n[clauntty] forwarding localhost:%d -> remote :%d\r\n", local, port)
		},
	}, control.WithLogger(root.logger))

	restore, err := makeStdinRaw()
	if err != nil {
		return err
	}
	defer restore()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			cols, rows := termSize()
			if err := ch.Resize(rows, cols); err != nil {
				root.logger.Debug("resize failed", "err", err)
			}
		}
	}()

	go func() {
		_, _ = io.Copy(ch, os.Stdin)
		_ = ch.CloseWrite()
	}()
	go func() { _ = demux.Pump(ctx, ch) }()

	select {
	case <-ch.Done():
	case <-ctx.Done():
		return nil
	}
	if err := ch.Wait(); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	return nil
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

// termSize asks the controlling terminal first and falls back to 120x30.
func termSize() (cols, rows int) {
	if ws, err := pty.GetsizeFull(os.Stdin); err == nil && ws.Cols > 0 && ws.Rows > 0 {
		return int(ws.Cols), int(ws.Rows)
	}
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 120, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 120, 30
	}
	return c, r
}

func terminalName(override string) string {
	if override != "" {
		return override
	}
	switch t := os.Getenv("TERM"); t {
	case "", "dumb", "unknown":
		return "xterm-256color"
	default:
		return t
	}
}
