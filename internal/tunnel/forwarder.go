// Package tunnel forwards local TCP ports through direct-tcpip channels.
//
// Each accepted connection gets its own channel and relay. Stopping a
// forwarder closes its listener only; established relays drain on their
// own.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

var ErrChannelFailure = errors.New("tunnel channel failure")

// Opener opens direct-tcpip streams. *transport.Client implements it.
type Opener interface {
	IsActive() bool
	OpenDirectTCP(ctx context.Context, targetHost string, targetPort int, originHost string, originPort int) (io.ReadWriteCloser, error)
}

type Config struct {
	// BindAddress is the local interface to listen on. Defaults to
	// 127.0.0.1.
	BindAddress string
	// OpenTimeout bounds opening the remote channel for one connection.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "127.0.0.1"
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
}

// Forwarder maps one local port to remoteHost:remotePort.
type Forwarder struct {
	opener     Opener
	remoteHost string
	remotePort int
	cfg        Config
	logger     *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	port   int
	relays map[*relayPair]struct{}
}

func NewForwarder(opener Opener, remoteHost string, remotePort int, cfg Config) *Forwarder {
	cfg.setDefaults()
	return &Forwarder{
		opener:     opener,
		remoteHost: remoteHost,
		remotePort: remotePort,
		cfg:        cfg,
		logger:     cfg.Logger.With("remote", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))),
		relays:     make(map[*relayPair]struct{}),
	}
}

// Start listens on localPort, or an ephemeral port when localPort is 0,
// and returns the bound port. Starting a running forwarder returns its
// existing port.
func (f *Forwarder) Start(localPort int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln != nil {
		return f.port, nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(f.cfg.BindAddress, strconv.Itoa(localPort)))
	if err != nil {
		return 0, fmt.Errorf("listen for tunnel: %w", err)
	}
	f.ln = ln
	f.port = ln.Addr().(*net.TCPAddr).Port
	f.logger.Info("tunnel listening", "local", ln.Addr().String())
	go f.acceptLoop(ln)
	return f.port, nil
}

// Stop closes the listener. Established relays keep running.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	ln := f.ln
	f.ln = nil
	f.port = 0
	f.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
		f.logger.Info("tunnel stopped", "local", ln.Addr().String())
	}
}

// Port returns the bound local port, or 0 when stopped.
func (f *Forwarder) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

// Active returns the number of established relays.
func (f *Forwarder) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relays)
}

func (f *Forwarder) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				f.logger.Warn("tunnel accept failed", "err", err)
			}
			return
		}
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	logger := f.logger.With("peer", peer)

	if !f.opener.IsActive() {
		logger.Warn("rejecting tunnel connection", "err", fmt.Errorf("%w: transport not active", ErrChannelFailure))
		_ = conn.Close()
		return
	}

	originHost, originPort := "127.0.0.1", 0
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		originHost, originPort = tcp.IP.String(), tcp.Port
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.OpenTimeout)
	remote, err := f.opener.OpenDirectTCP(ctx, f.remoteHost, f.remotePort, originHost, originPort)
	cancel()
	if err != nil {
		logger.Warn("rejecting tunnel connection", "err", fmt.Errorf("%w: %v", ErrChannelFailure, err))
		_ = conn.Close()
		return
	}

	pair := newRelayPair(conn, remote)
	f.mu.Lock()
	f.relays[pair] = struct{}{}
	f.mu.Unlock()

	logger.Debug("relay started")
	up, down, err := pair.run()

	f.mu.Lock()
	delete(f.relays, pair)
	f.mu.Unlock()
	if err != nil {
		logger.Debug("relay ended with error", "err", err, "up", up, "down", down)
		return
	}
	logger.Debug("relay finished", "up", up, "down", down)
}
