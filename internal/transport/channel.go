package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

type Kind int

const (
	KindShell Kind = iota + 1
	KindExec
	KindDirectTCP
)

func (k Kind) String() string {
	switch k {
	case KindShell:
		return "shell"
	case KindExec:
		return "exec"
	case KindDirectTCP:
		return "direct-tcpip"
	default:
		return "unknown"
	}
}

// ChannelSpec selects the channel type for OpenChannel.
type ChannelSpec interface {
	kind() Kind
}

// ShellSpec opens an interactive channel with a pseudo-terminal. When
// Command is set it is executed instead of the login shell.
type ShellSpec struct {
	Rows, Cols int
	Term       string
	Command    string
	Env        map[string]string
}

// ExecSpec runs a command without a terminal. Stderr receives the extended
// data stream; nil discards it.
type ExecSpec struct {
	Command string
	Stderr  io.Writer
}

// DirectTCPSpec asks the server to connect to TargetHost:TargetPort on the
// client's behalf. Origin is reported to the server as the originator.
type DirectTCPSpec struct {
	TargetHost string
	TargetPort int
	OriginHost string
	OriginPort int
}

func (ShellSpec) kind() Kind     { return KindShell }
func (ExecSpec) kind() Kind      { return KindExec }
func (DirectTCPSpec) kind() Kind { return KindDirectTCP }

// Channel is one duplex byte stream on the transport.
type Channel struct {
	id     uint64
	kind   Kind
	client *Client

	session *ssh.Session
	raw     ssh.Channel

	stdin  io.WriteCloser
	stdout io.Reader

	done          chan struct{}
	err           error
	closeOnce     sync.Once
	finishOnce    sync.Once
	closedLocally atomic.Bool
	notify        bool
}

func (ch *Channel) ID() uint64 { return ch.id }
func (ch *Channel) Kind() Kind { return ch.kind }

func (ch *Channel) Read(p []byte) (int, error)  { return ch.stdout.Read(p) }
func (ch *Channel) Write(p []byte) (int, error) { return ch.stdin.Write(p) }

// CloseWrite half-closes the channel: the peer reads EOF while our read
// side stays open.
func (ch *Channel) CloseWrite() error {
	if ch.raw != nil {
		return ch.raw.CloseWrite()
	}
	return ch.stdin.Close()
}

func (ch *Channel) Close() error {
	ch.closedLocally.Store(true)
	return ch.release()
}

// teardown ends a channel whose transport went away. Unlike Close it
// reports the loss through OnChannelInactive.
func (ch *Channel) teardown(cause error) {
	ch.finish(cause)
	_ = ch.release()
}

func (ch *Channel) release() error {
	var err error
	ch.closeOnce.Do(func() {
		if ch.raw != nil {
			err = ch.raw.Close()
		} else {
			err = ch.session.Close()
		}
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

// Resize sends a window-change request for a shell channel.
func (ch *Channel) Resize(rows, cols int) error {
	if ch.kind != KindShell {
		return fmt.Errorf("resize: %s channel has no terminal", ch.kind)
	}
	return ch.session.WindowChange(rows, cols)
}

// Done is closed once the channel has ended.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Wait blocks until the channel ends. A command's non-zero exit status is
// returned as *ssh.ExitError.
func (ch *Channel) Wait() error {
	<-ch.done
	return ch.err
}

// OpenChannel opens a shell, exec or direct-tcpip channel.
func (c *Client) OpenChannel(ctx context.Context, spec ChannelSpec) (*Channel, error) {
	switch s := spec.(type) {
	case ShellSpec:
		return c.openShell(ctx, s)
	case ExecSpec:
		return c.openExec(ctx, s)
	case DirectTCPSpec:
		return c.openDirectTCP(ctx, s)
	default:
		return nil, fmt.Errorf("open channel: unsupported spec %T", spec)
	}
}

// Resize is a convenience for ch.Resize that checks ownership.
func (c *Client) Resize(ch *Channel, rows, cols int) error {
	if ch == nil || ch.client != c {
		return fmt.Errorf("resize: channel does not belong to this transport")
	}
	return ch.Resize(rows, cols)
}

// OpenDirectTCP opens a forwarded TCP stream. The returned value also
// implements CloseWrite.
func (c *Client) OpenDirectTCP(ctx context.Context, targetHost string, targetPort int, originHost string, originPort int) (io.ReadWriteCloser, error) {
	return c.openDirectTCP(ctx, DirectTCPSpec{
		TargetHost: targetHost,
		TargetPort: targetPort,
		OriginHost: originHost,
		OriginPort: originPort,
	})
}

func (c *Client) openShell(ctx context.Context, spec ShellSpec) (*Channel, error) {
	ch, err := c.newSession(ctx, KindShell)
	if err != nil {
		return nil, err
	}
	sess := ch.session
	if err := ch.pipes(); err != nil {
		_ = ch.abort()
		return nil, err
	}
	for k, v := range spec.Env {
		// Servers commonly refuse env requests (AcceptEnv); not fatal.
		_ = sess.Setenv(k, v)
	}
	term := spec.Term
	if term == "" {
		term = "xterm-256color"
	}
	rows, cols := spec.Rows, spec.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		_ = ch.abort()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	if spec.Command != "" {
		err = sess.Start(spec.Command)
	} else {
		err = sess.Shell()
	}
	if err != nil {
		_ = ch.abort()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	ch.notify = true
	go ch.waitSession()
	return ch, nil
}

func (c *Client) openExec(ctx context.Context, spec ExecSpec) (*Channel, error) {
	ch, err := c.newSession(ctx, KindExec)
	if err != nil {
		return nil, err
	}
	if err := ch.pipes(); err != nil {
		_ = ch.abort()
		return nil, err
	}
	ch.session.Stderr = spec.Stderr
	if err := ch.session.Start(spec.Command); err != nil {
		_ = ch.abort()
		return nil, fmt.Errorf("start command: %w", err)
	}
	ch.notify = true
	go ch.waitSession()
	return ch, nil
}

type directTCPMsg struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func (c *Client) openDirectTCP(ctx context.Context, spec DirectTCPSpec) (*Channel, error) {
	conn, err := c.client()
	if err != nil {
		return nil, err
	}
	msg := ssh.Marshal(&directTCPMsg{
		Host:       spec.TargetHost,
		Port:       uint32(spec.TargetPort),
		OriginHost: spec.OriginHost,
		OriginPort: uint32(spec.OriginPort),
	})

	type result struct {
		ch   ssh.Channel
		reqs <-chan *ssh.Request
		err  error
	}
	res, err := withContext(ctx, func() result {
		ch, reqs, err := conn.OpenChannel("direct-tcpip", msg)
		return result{ch, reqs, err}
	}, func(r result) {
		if r.ch != nil {
			_ = r.ch.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, fmt.Errorf("open direct-tcpip to %s:%d: %w", spec.TargetHost, spec.TargetPort, res.err)
	}

	ch := &Channel{
		kind:   KindDirectTCP,
		client: c,
		raw:    res.ch,
		stdin:  res.ch,
		stdout: res.ch,
		done:   make(chan struct{}),
	}
	c.register(ch)
	go func() {
		ssh.DiscardRequests(res.reqs)
		ch.finish(nil)
	}()
	return ch, nil
}

func (c *Client) newSession(ctx context.Context, kind Kind) (*Channel, error) {
	conn, err := c.client()
	if err != nil {
		return nil, err
	}
	type result struct {
		s   *ssh.Session
		err error
	}
	res, err := withContext(ctx, func() result {
		s, err := conn.NewSession()
		return result{s, err}
	}, func(r result) {
		if r.s != nil {
			_ = r.s.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, fmt.Errorf("open %s channel: %w", kind, res.err)
	}
	ch := &Channel{
		kind:    kind,
		client:  c,
		session: res.s,
		done:    make(chan struct{}),
	}
	c.register(ch)
	return ch, nil
}

func (ch *Channel) pipes() error {
	stdin, err := ch.session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := ch.session.StdoutPipe()
	if err != nil {
		return err
	}
	ch.stdin, ch.stdout = stdin, stdout
	return nil
}

// abort releases a channel that never started.
func (ch *Channel) abort() error {
	err := ch.Close()
	ch.finish(ErrChannelClosed)
	return err
}

func (ch *Channel) waitSession() {
	err := ch.session.Wait()
	ch.finish(err)
}

func (ch *Channel) finish(err error) {
	first := false
	ch.finishOnce.Do(func() {
		first = true
		ch.err = err
		close(ch.done)
	})
	if !first {
		return
	}
	ch.client.unregister(ch)

	if !ch.notify || ch.closedLocally.Load() || !isFailure(err) {
		return
	}
	ch.client.cfg.Logger.Warn("channel failed", "channel", ch.id, "kind", ch.kind, "err", err)
	if cb := ch.client.cfg.OnChannelInactive; cb != nil {
		cb(ch.id, ch.kind, err)
	}
}

// isFailure separates abnormal channel ends from a command that ran to
// completion, whatever its exit status.
func isFailure(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *ssh.ExitError
	return !errors.As(err, &exitErr)
}

// withContext runs fn, which cannot be cancelled, and abandons it when ctx
// ends first. A late result is passed to discard.
func withContext[T any](ctx context.Context, fn func() T, discard func(T)) (T, error) {
	out := make(chan T, 1)
	go func() { out <- fn() }()
	select {
	case r := <-out:
		return r, nil
	case <-ctx.Done():
		go func() { discard(<-out) }()
		var zero T
		return zero, ctx.Err()
	}
}
