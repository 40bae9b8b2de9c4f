// Package rtach keeps the remote persistence helper installed on a host and
// manages the named sessions it serves.
//
// Every remote action runs as a shell command through an Executor, usually
// a *transport.Client. Remote paths are rooted at $HOME:
//
//	~/.clauntty/bin/rtach        helper binary
//	~/.clauntty/sessions/<id>    session sockets (and <id>.title)
//	~/.clauntty/sessions.json    display metadata
package rtach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/juju/clock"
	"github.com/kballard/go-shellquote"
)

var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrDeploymentFailed        = errors.New("deployment failed")
	ErrHelperUnavailable       = errors.New("helper binary unavailable")
	ErrInvalidSessionName      = errors.New("invalid session name")
	ErrInvalidSessionID        = errors.New("invalid session id")
)

// Executor runs shell commands on the remote host. Execute returns combined
// output regardless of exit status; ExecuteWithInput fails on a non-zero
// exit.
type Executor interface {
	Execute(ctx context.Context, cmd string) (string, error)
	ExecuteWithInput(ctx context.Context, cmd string, input []byte) error
}

const (
	DefaultRoot           = ".clauntty"
	DefaultToolConfigPath = ".claude/settings.json"
)

type Config struct {
	// HelperVersion is the version string the installed helper must
	// report. An empty value accepts any installed helper.
	HelperVersion string
	// Source supplies helper binaries by architecture.
	Source HelperSource

	// Root is the helper directory relative to $HOME.
	Root string
	// ToolConfigPath is the external settings file relative to $HOME.
	ToolConfigPath string
	// ToolPermissions are ensured present in the tool config's
	// permissions.allow list.
	ToolPermissions []string
	// Shell is the command run inside a new session.
	Shell string

	Clock  clock.Clock
	Logger *slog.Logger
}

type Deployer struct {
	exec   Executor
	cfg    Config
	paths  layout
	meta   *MetadataStore
	logger *slog.Logger

	deployMu sync.Mutex
}

func New(exec Executor, cfg Config) *Deployer {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.ToolConfigPath == "" {
		cfg.ToolConfigPath = DefaultToolConfigPath
	}
	if cfg.Shell == "" {
		cfg.Shell = `"${SHELL:-/bin/sh}" -l`
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	paths := layout{root: cfg.Root}
	if cfg.ToolPermissions == nil {
		cfg.ToolPermissions = []string{
			"Bash(~/" + cfg.Root + "/bin/rtach open:*)",
			"Bash(~/" + cfg.Root + "/bin/rtach forward:*)",
		}
	}
	return &Deployer{
		exec:   exec,
		cfg:    cfg,
		paths:  paths,
		meta:   &MetadataStore{exec: exec, paths: paths, logger: cfg.Logger},
		logger: cfg.Logger,
	}
}

// Metadata exposes the session metadata store.
func (d *Deployer) Metadata() *MetadataStore { return d.meta }

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// layout renders remote paths as shell words. "$HOME" stays inside double
// quotes so it expands remotely; caller-supplied parts go through
// shellquote.
type layout struct {
	root string
}

func (l layout) home(rel string) string {
	return `"$HOME/` + rel + `"`
}

func (l layout) dir() string         { return l.home(l.root) }
func (l layout) binDir() string      { return l.home(l.root + "/bin") }
func (l layout) bin() string         { return l.home(l.root + "/bin/rtach") }
func (l layout) binTmp() string      { return l.home(l.root + "/bin/rtach.tmp") }
func (l layout) sessions() string    { return l.home(l.root + "/sessions") }
func (l layout) metadata() string    { return l.home(l.root + "/sessions.json") }
func (l layout) metadataTmp() string { return l.home(l.root + "/sessions.json.tmp") }

func (l layout) socket(id string) string {
	return l.home(l.root+"/sessions/") + shellquote.Join(id)
}

// socketDisplay is the socket path as shown to users.
func (l layout) socketDisplay(id string) string {
	return "~/" + l.root + "/sessions/" + id
}
