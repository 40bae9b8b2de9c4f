package transport_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "dev"
	testPassword = "secret"
)

// sshServer is a minimal in-process SSH server. Exec understands a handful
// of fake commands:
//
//	echo <text>   writes text and a newline, exits 0
//	fail          writes "boom" to stderr, exits 3
//	store <name>  saves stdin under name, exits 0
//	hang          blocks until the channel is closed
//	drop          closes the channel without an exit status
type sshServer struct {
	t        *testing.T
	ln       net.Listener
	hostKey  ssh.Signer
	authKeys []ssh.PublicKey

	mu       sync.Mutex
	files    map[string][]byte
	windows  []string
	sessions int
}

func newSSHServer(t *testing.T, authorized ...ssh.PublicKey) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &sshServer{t: t, ln: ln, hostKey: hostKey, authKeys: authorized, files: map[string][]byte{}}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *sshServer) host() string { return "127.0.0.1" }

func (s *sshServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *sshServer) hostKeyCallback() ssh.HostKeyCallback {
	return ssh.FixedHostKey(s.hostKey.PublicKey())
}

func (s *sshServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

func (s *sshServer) lastWindow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.windows) == 0 {
		return ""
	}
	return s.windows[len(s.windows)-1]
}

func (s *sshServer) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(pw) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("bad password for %s", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range s.authKeys {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

func (s *sshServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *sshServer) handleConn(nc net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(nc, s.config())
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, creqs, err := nch.Accept()
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.sessions++
			s.mu.Unlock()
			go s.handleSession(ch, creqs)
		case "direct-tcpip":
			go s.handleDirect(nch)
		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (s *sshServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			_ = req.Reply(true, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				s.mu.Lock()
				s.windows = append(s.windows, fmt.Sprintf("%dx%d", rows, cols))
				s.mu.Unlock()
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			_ = req.Reply(true, nil)
			go func() {
				_, _ = io.Copy(ch, ch)
				exit(ch, 0)
			}()
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go s.run(ch, payload.Command)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *sshServer) run(ch ssh.Channel, cmd string) {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case "echo":
		_, _ = io.WriteString(ch, arg+"\n")
		exit(ch, 0)
	case "fail":
		_, _ = io.WriteString(ch.Stderr(), "boom")
		exit(ch, 3)
	case "store":
		data, _ := io.ReadAll(ch)
		s.mu.Lock()
		s.files[arg] = data
		s.mu.Unlock()
		exit(ch, 0)
	case "hang":
		_, _ = io.Copy(io.Discard, ch)
	case "drop":
		_ = ch.Close()
	default:
		_, _ = io.WriteString(ch.Stderr(), name+": command not found\n")
		exit(ch, 127)
	}
}

func exit(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
	_ = ch.Close()
}

func (s *sshServer) handleDirect(nch ssh.NewChannel) {
	var msg struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &msg); err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "bad request")
		return
	}
	target, err := net.DialTimeout("tcp", net.JoinHostPort(msg.Host, fmt.Sprint(msg.Port)), 2*time.Second)
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, ch)
		_ = target.(*net.TCPConn).CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, target)
		_ = ch.CloseWrite()
	}()
	wg.Wait()
	_ = ch.Close()
	_ = target.Close()
}

// echoServer accepts TCP connections and echoes until the peer half-closes.
func echoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
