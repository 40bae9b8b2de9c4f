// Package transport owns the authenticated SSH connection to one host and
// the channels multiplexed over it: interactive shells, command execution,
// and direct-tcpip streams for tunnels.
//
// Connect never retries. A failed channel is closed on its own and reported
// through Config.OnChannelInactive; the transport and sibling channels keep
// running.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	defaultClientVersion  = "SSH-2.0-clauntty"
)

type Config struct {
	// Timeout bounds dial, key exchange and authentication together.
	Timeout time.Duration
	// HostKeyCallback verifies the server. When nil every host key is
	// rejected; callers must choose a policy explicitly.
	HostKeyCallback ssh.HostKeyCallback
	// KeepAlive sends keepalive@openssh.com at this interval while
	// connected. Zero disables it.
	KeepAlive     time.Duration
	ClientVersion string

	// Dial opens the underlying TCP connection. Defaults to net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	OnStateChange     func(State)
	OnChannelInactive func(id uint64, kind Kind, err error)

	Logger *slog.Logger
}

// Client is one transport to one host. Its methods are safe for
// concurrent use.
type Client struct {
	cfg Config

	mu       sync.Mutex
	state    State
	conn     *ssh.Client
	addr     string
	nextID   uint64
	channels map[uint64]*Channel
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConnectTimeout
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = defaultClientVersion
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
			return fmt.Errorf("no host key policy configured for %s", hostname)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Client{cfg: cfg, channels: make(map[uint64]*Channel)}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether channels can be opened.
func (c *Client) IsActive() bool {
	return c.State() == Connected
}

// Connect dials host:port and authenticates as user. It moves the client
// through Connecting and Authenticating to Connected, or back to
// Disconnected with an ErrNetwork, ErrTimeout, ErrHostKeyRejected or
// ErrAuthenticationFailed error.
func (c *Client) Connect(ctx context.Context, host string, port int, user string, cred Credential) error {
	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: transport is %s", st)
	}
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger := c.cfg.Logger.With("addr", addr, "user", user)

	auth, err := cred.authMethods(logger)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	logger.Debug("dialing")
	raw, err := c.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		c.setState(Disconnected)
		return classifyConnectError(ctx, addr, nil, err)
	}

	// Key exchange and authentication have no context of their own; a
	// deadline on the socket bounds them and AfterFunc covers cancellation.
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Unix(1, 0)) })

	var hostKeyErr error
	sshCfg := &ssh.ClientConfig{
		User: user,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := c.cfg.HostKeyCallback(hostname, remote, key); err != nil {
				hostKeyErr = err
				return err
			}
			c.setState(Authenticating)
			return nil
		},
		ClientVersion: c.cfg.ClientVersion,
		Timeout:       c.cfg.Timeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	stop()
	if err != nil {
		_ = raw.Close()
		c.setState(Disconnected)
		return classifyConnectError(ctx, addr, hostKeyErr, err)
	}
	_ = raw.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	c.mu.Lock()
	c.conn = client
	c.addr = addr
	c.setStateLocked(Connected)
	c.mu.Unlock()

	logger.Info("connected", "server", string(sshConn.ServerVersion()))
	go c.watch(client)
	if c.cfg.KeepAlive > 0 {
		go c.keepAlive(client, c.cfg.KeepAlive)
	}
	return nil
}

// Disconnect closes every channel and then the connection. Calling it on a
// disconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, addr := c.conn, c.addr
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	chans := c.detachLocked()
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.cfg.Logger.Info("disconnected", "addr", addr)
	return err
}

// watch tears down local state when the connection dies underneath us.
func (c *Client) watch(conn *ssh.Client) {
	err := conn.Wait()

	c.mu.Lock()
	if c.conn != conn {
		// Disconnect already ran.
		c.mu.Unlock()
		return
	}
	addr := c.addr
	chans := c.detachLocked()
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	c.cfg.Logger.Warn("connection lost", "addr", addr, "err", err)
	cause := fmt.Errorf("%w: connection to %s lost", ErrNotConnected, addr)
	if err != nil {
		cause = fmt.Errorf("%w: connection to %s lost: %v", ErrNotConnected, addr, err)
	}
	for _, ch := range chans {
		ch.teardown(cause)
	}
}

func (c *Client) keepAlive(conn *ssh.Client, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for range t.C {
		c.mu.Lock()
		current, addr := c.conn == conn, c.addr
		c.mu.Unlock()
		if !current {
			return
		}
		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			c.cfg.Logger.Warn("keepalive failed; closing transport", "addr", addr, "err", err)
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) detachLocked() []*Channel {
	chans := make([]*Channel, 0, len(c.channels))
	for id, ch := range c.channels {
		chans = append(chans, ch)
		delete(c.channels, id)
	}
	c.conn = nil
	return chans
}

func (c *Client) client() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state != Connected {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) register(ch *Channel) {
	c.mu.Lock()
	c.nextID++
	ch.id = c.nextID
	c.channels[ch.id] = ch
	c.mu.Unlock()
}

func (c *Client) unregister(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch.id)
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked notifies the observer synchronously; OnStateChange must
// not call back into the Client.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
