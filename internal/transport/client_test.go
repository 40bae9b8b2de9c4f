package transport_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/octerm/clauntty/internal/sshkey"
	"github.com/octerm/clauntty/internal/transport"
)

func secret() (string, error) { return testPassword, nil }

func connect(t *testing.T, srv *sshServer, cfg transport.Config) *transport.Client {
	t.Helper()
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = srv.hostKeyCallback()
	}
	c := transport.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, srv.host(), srv.port(), testUser, transport.PasswordCredential("pw", secret)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestConnectPasswordAndStates(t *testing.T) {
	srv := newSSHServer(t)

	var mu sync.Mutex
	var states []transport.State
	c := connect(t, srv, transport.Config{
		OnStateChange: func(s transport.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	if !c.IsActive() {
		t.Fatalf("expected active transport, state=%s", c.State())
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if c.State() != transport.Disconnected {
		t.Fatalf("state after disconnect = %s", c.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []transport.State{transport.Connecting, transport.Authenticating, transport.Connected, transport.Disconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestConnectWithKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	srv := newSSHServer(t, sshPub)

	key := &sshkey.PrivateKey{Algorithm: sshkey.AlgorithmEd25519, Seed: priv.Seed(), Public: pub}
	c := transport.New(transport.Config{HostKeyCallback: srv.hostKeyCallback()})
	t.Cleanup(func() { _ = c.Disconnect() })
	if err := c.Connect(context.Background(), srv.host(), srv.port(), testUser, transport.KeyCredential("k1", key)); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestConnectFallsBackToPassword(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	srv := newSSHServer(t) // key not authorized

	key := &sshkey.PrivateKey{Algorithm: sshkey.AlgorithmEd25519, Seed: priv.Seed(), Public: priv.Public().(ed25519.PublicKey)}
	cred := transport.KeyCredential("k1", key).WithPassword(secret)
	c := transport.New(transport.Config{HostKeyCallback: srv.hostKeyCallback()})
	t.Cleanup(func() { _ = c.Disconnect() })
	if err := c.Connect(context.Background(), srv.host(), srv.port(), testUser, cred); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestConnectAuthenticationFailed(t *testing.T) {
	srv := newSSHServer(t)
	c := transport.New(transport.Config{HostKeyCallback: srv.hostKeyCallback()})
	cred := transport.PasswordCredential("pw", func() (string, error) { return "wrong", nil })

	err := c.Connect(context.Background(), srv.host(), srv.port(), testUser, cred)
	if !errors.Is(err, transport.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Fatalf("error leaks the password: %v", err)
	}
	if c.State() != transport.Disconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestConnectHostKeyRejected(t *testing.T) {
	srv := newSSHServer(t)
	c := transport.New(transport.Config{})
	err := c.Connect(context.Background(), srv.host(), srv.port(), testUser, transport.PasswordCredential("pw", secret))
	if !errors.Is(err, transport.ErrHostKeyRejected) {
		t.Fatalf("expected ErrHostKeyRejected, got %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	// Accepts TCP but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	held := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			held <- c
		}
	}()
	t.Cleanup(func() {
		select {
		case c := <-held:
			_ = c.Close()
		default:
		}
	})

	c := transport.New(transport.Config{
		Timeout:         200 * time.Millisecond,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	start := time.Now()
	err = c.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, testUser, transport.PasswordCredential("pw", secret))
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("connect did not honour the timeout: %s", time.Since(start))
	}
}

func TestConnectNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	c := transport.New(transport.Config{HostKeyCallback: ssh.InsecureIgnoreHostKey()})
	err = c.Connect(context.Background(), "127.0.0.1", port, testUser, transport.PasswordCredential("pw", secret))
	if !errors.Is(err, transport.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestConnectTwiceFails(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})
	if err := c.Connect(context.Background(), srv.host(), srv.port(), testUser, transport.PasswordCredential("pw", secret)); err == nil {
		t.Fatalf("expected error connecting an already connected transport")
	}
}

func TestExecute(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})
	ctx := context.Background()

	out, err := c.Execute(ctx, "echo hello")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "hello\n" {
		t.Fatalf("output = %q", out)
	}

	// Exit status is the caller's concern; the text still comes back.
	out, err = c.Execute(ctx, "fail")
	if err != nil {
		t.Fatalf("execute fail: %v", err)
	}
	if out != "boom" {
		t.Fatalf("stderr output = %q", out)
	}
}

func TestExecuteWithInput(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})
	ctx := context.Background()

	payload := []byte(strings.Repeat("helper-bytes ", 20000))
	if err := c.ExecuteWithInput(ctx, "store helper", payload); err != nil {
		t.Fatalf("execute with input: %v", err)
	}
	got, ok := srv.file("helper")
	if !ok || string(got) != string(payload) {
		t.Fatalf("stored %d bytes, want %d", len(got), len(payload))
	}

	// The remote closes without reading; not an error.
	if err := c.ExecuteWithInput(ctx, "drop", []byte("ignored")); err != nil {
		t.Fatalf("early close should be success: %v", err)
	}

	err := c.ExecuteWithInput(ctx, "fail", nil)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failure with output, got %v", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, "hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !c.IsActive() {
		t.Fatalf("cancelling one command must not close the transport")
	}
}

func TestNotConnected(t *testing.T) {
	c := transport.New(transport.Config{})
	if _, err := c.Execute(context.Background(), "echo hi"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.OpenDirectTCP(context.Background(), "localhost", 80, "127.0.0.1", 1); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect on idle client: %v", err)
	}
}

func TestShellEchoAndResize(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})

	ch, err := c.OpenChannel(context.Background(), transport.ShellSpec{Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	defer ch.Close()
	if ch.Kind() != transport.KindShell {
		t.Fatalf("kind = %s", ch.Kind())
	}

	if _, err := ch.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(ch, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q", buf)
	}

	if err := c.Resize(ch, 40, 120); err != nil {
		t.Fatalf("resize: %v", err)
	}
	waitFor(t, "window-change", func() bool { return srv.lastWindow() == "40x120" })

	if err := ch.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Wait(); err != nil {
		t.Fatalf("shell exit: %v", err)
	}
}

func TestChannelFailureIsolated(t *testing.T) {
	srv := newSSHServer(t)

	type inactive struct {
		id   uint64
		kind transport.Kind
	}
	got := make(chan inactive, 4)
	c := connect(t, srv, transport.Config{
		OnChannelInactive: func(id uint64, kind transport.Kind, err error) {
			got <- inactive{id, kind}
		},
	})
	ctx := context.Background()

	healthy, err := c.OpenChannel(ctx, transport.ShellSpec{})
	if err != nil {
		t.Fatal(err)
	}
	defer healthy.Close()

	broken, err := c.OpenChannel(ctx, transport.ShellSpec{Command: "drop"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.id != broken.ID() || ev.kind != transport.KindShell {
			t.Fatalf("inactive callback for %+v, want channel %d", ev, broken.ID())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("inactivity callback not invoked")
	}

	if !c.IsActive() {
		t.Fatalf("transport torn down by a channel failure")
	}
	if _, err := healthy.Write([]byte("ok")); err != nil {
		t.Fatalf("sibling channel write: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(healthy, buf); err != nil || string(buf) != "ok" {
		t.Fatalf("sibling channel read %q: %v", buf, err)
	}

	// Closing a channel locally is not a failure.
	_ = healthy.Close()
	select {
	case ev := <-got:
		t.Fatalf("unexpected inactive callback %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportLossReportsOpenChannels(t *testing.T) {
	srv := newSSHServer(t)

	var (
		mu  sync.Mutex
		raw net.Conn
	)
	got := make(chan uint64, 8)
	c := connect(t, srv, transport.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			nc, err := d.DialContext(ctx, network, addr)
			mu.Lock()
			raw = nc
			mu.Unlock()
			return nc, err
		},
		OnChannelInactive: func(id uint64, _ transport.Kind, _ error) {
			got <- id
		},
	})
	ctx := context.Background()

	shell, err := c.OpenChannel(ctx, transport.ShellSpec{})
	if err != nil {
		t.Fatal(err)
	}
	exec, err := c.OpenChannel(ctx, transport.ExecSpec{Command: "hang"})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := c.OpenChannel(ctx, transport.ShellSpec{})
	if err != nil {
		t.Fatal(err)
	}
	_ = closed.Close()

	mu.Lock()
	_ = raw.Close()
	mu.Unlock()

	for _, ch := range []*transport.Channel{shell, exec} {
		select {
		case <-ch.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("channel %d still open after transport loss", ch.ID())
		}
	}
	waitFor(t, "disconnected state", func() bool { return c.State() == transport.Disconnected })

	want := map[uint64]bool{shell.ID(): true, exec.ID(): true}
	for len(want) > 0 {
		select {
		case id := <-got:
			if !want[id] {
				t.Fatalf("unexpected or repeated inactive callback for channel %d", id)
			}
			delete(want, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("no inactive callback for channels %v", want)
		}
	}
	select {
	case id := <-got:
		t.Fatalf("extra inactive callback for channel %d", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDirectTCP(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})
	target := echoServer(t)

	rwc, err := c.OpenDirectTCP(context.Background(), "127.0.0.1", target.Port, "127.0.0.1", 50000)
	if err != nil {
		t.Fatalf("open direct-tcpip: %v", err)
	}
	defer rwc.Close()

	if _, err := rwc.Write([]byte("through the tunnel")); err != nil {
		t.Fatal(err)
	}
	hc, ok := rwc.(interface{ CloseWrite() error })
	if !ok {
		t.Fatalf("direct-tcpip stream does not support half-close")
	}
	if err := hc.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rwc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "through the tunnel" {
		t.Fatalf("echo = %q", got)
	}
}

func TestDirectTCPRejected(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	if _, err := c.OpenDirectTCP(context.Background(), "127.0.0.1", port, "127.0.0.1", 1); err == nil {
		t.Fatalf("expected open failure for closed target port")
	}
	if !c.IsActive() {
		t.Fatalf("rejected channel closed the transport")
	}
}

func TestDisconnectClosesChannels(t *testing.T) {
	srv := newSSHServer(t)
	c := connect(t, srv, transport.Config{})

	ch, err := c.OpenChannel(context.Background(), transport.ShellSpec{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel still open after disconnect")
	}
}
