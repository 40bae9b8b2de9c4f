// Package mosh bootstraps a mosh session over an existing SSH transport and
// extracts the UDP port and session key the mosh client needs.
package mosh

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

var (
	ErrServerNotInstalled = errors.New("mosh-server not installed")
	ErrInvalidOutput      = errors.New("invalid mosh-server output")
)

const (
	connectPrefix = "MOSH CONNECT "
	defaultServer = "mosh-server"
)

// Handoff is what the UDP transport needs to take over the session.
type Handoff struct {
	Port uint16
	Key  string
}

// String omits the key.
func (h Handoff) String() string {
	return "mosh udp/" + strconv.Itoa(int(h.Port))
}

// ParseOutput finds the "MOSH CONNECT <port> <key>" line in the output of
// mosh-server new. Output that shows the server binary is missing fails
// with ErrServerNotInstalled; anything else without a connect line fails
// with ErrInvalidOutput.
func ParseOutput(out string) (Handoff, error) {
	return parseOutput(out, defaultServer)
}

func parseOutput(out, server string) (Handoff, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		rest, ok := strings.CutPrefix(line, connectPrefix)
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			return Handoff{}, fmt.Errorf("%w: malformed connect line %q", ErrInvalidOutput, line)
		}
		port, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return Handoff{}, fmt.Errorf("%w: bad port %q", ErrInvalidOutput, fields[0])
		}
		return Handoff{Port: uint16(port), Key: fields[1]}, nil
	}
	if notInstalled(out, server) {
		return Handoff{}, ErrServerNotInstalled
	}
	return Handoff{}, fmt.Errorf("%w: no %q line in %d bytes", ErrInvalidOutput, strings.TrimSpace(connectPrefix), len(out))
}

// notInstalled reports whether a shell complained that server itself is
// missing. The complaint and the binary name must share a line.
func notInstalled(out, server string) bool {
	name := strings.ToLower(path.Base(server))
	for _, line := range strings.Split(strings.ToLower(out), "\n") {
		if !strings.Contains(line, name) {
			continue
		}
		if strings.Contains(line, "command not found") ||
			strings.Contains(line, name+": not found") ||
			strings.Contains(line, "no such file or directory") {
			return true
		}
	}
	return false
}

// Executor runs one remote command and returns its combined output.
type Executor interface {
	Execute(ctx context.Context, cmd string) (string, error)
}

type Options struct {
	// Server is the mosh-server binary. Defaults to "mosh-server".
	Server string
	// Locale is passed with -l LANG=. Defaults to en_US.UTF-8.
	Locale string
	// Colors is the -c argument. Defaults to 256.
	Colors int
	// Command runs instead of the login shell when set.
	Command []string
}

// Bootstrap starts mosh-server on the remote host and parses its handoff.
func Bootstrap(ctx context.Context, exec Executor, opts Options) (Handoff, error) {
	out, err := exec.Execute(ctx, opts.command())
	if err != nil {
		return Handoff{}, fmt.Errorf("run mosh-server: %w", err)
	}
	return parseOutput(out, opts.server())
}

func (o Options) server() string {
	if o.Server == "" {
		return defaultServer
	}
	return o.Server
}

func (o Options) command() string {
	server := o.server()
	locale := o.Locale
	if locale == "" {
		locale = "en_US.UTF-8"
	}
	colors := o.Colors
	if colors <= 0 {
		colors = 256
	}
	args := []string{server, "new", "-s", "-c", strconv.Itoa(colors), "-l", "LANG=" + locale}
	if len(o.Command) > 0 {
		args = append(args, "--")
		args = append(args, o.Command...)
	}
	return shellquote.Join(args...)
}
