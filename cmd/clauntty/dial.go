package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	cliconfig "github.com/octerm/clauntty/internal/cli/config"
	"github.com/octerm/clauntty/internal/rtach"
	"github.com/octerm/clauntty/internal/sshkey"
	"github.com/octerm/clauntty/internal/transport"
)

type conn struct {
	client *transport.Client
	host   *cliconfig.Host
	name   string
}

func (r *rootOptions) resolveHost() (*cliconfig.Host, string, error) {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg.Resolve(r.hostName)
}

// dial resolves the host profile and connects. The caller owns the
// returned client and must Disconnect it.
func (r *rootOptions) dial(ctx context.Context, extra transport.Config) (*conn, error) {
	host, name, err := r.resolveHost()
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(host)
	if err != nil {
		return nil, err
	}
	cred, err := credentialFor(host, name)
	if err != nil {
		return nil, err
	}

	timeout := r.timeout
	if timeout <= 0 && host.TimeoutSeconds > 0 {
		timeout = time.Duration(host.TimeoutSeconds) * time.Second
	}
	cfg := extra
	cfg.Timeout = timeout
	cfg.HostKeyCallback = hostKeys
	cfg.KeepAlive = 30 * time.Second
	cfg.Logger = r.logger
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(s transport.State) { r.logger.Debug("transport state", "host", name, "state", s) }
	}

	client := transport.New(cfg)
	if err := client.Connect(ctx, host.Address, host.Port, host.User, cred); err != nil {
		return nil, err
	}
	return &conn{client: client, host: host, name: name}, nil
}

func hostKeyCallback(host *cliconfig.Host) (ssh.HostKeyCallback, error) {
	if host.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := host.KnownHostsFile
	if path == "" {
		path = cliconfig.DefaultKnownHostsPath()
	}
	expanded, err := cliconfig.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("known hosts %s: %w (set insecureIgnoreHostKey to skip verification)", expanded, err)
	}
	return cb, nil
}

// credentialFor prefers the profile's identity file and falls back to an
// interactive password prompt.
func credentialFor(host *cliconfig.Host, name string) (transport.Credential, error) {
	prompt := func() (string, error) {
		return readSecret(fmt.Sprintf("%s@%s's password: ", host.User, host.Address))
	}
	if host.IdentityFile == "" {
		return transport.PasswordCredential(name, prompt), nil
	}
	path, err := cliconfig.ExpandPath(host.IdentityFile)
	if err != nil {
		return transport.Credential{}, err
	}
	key, err := sshkey.ParseFile(path, nil)
	if errors.Is(err, sshkey.ErrPassphraseRequired) {
		return transport.Credential{}, fmt.Errorf("identity file %s: encrypted identity files are not supported", path)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return transport.Credential{}, fmt.Errorf("identity file: %w", err)
	}
	if err != nil {
		return transport.Credential{}, fmt.Errorf("identity file %s: %w", path, err)
	}
	return transport.KeyCredential(name+"/"+path, key).WithPassword(prompt), nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal to prompt for a secret")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

// deployer builds the rtach deployer for this connection. An assets
// directory with a manifest pins the helper version and checksums;
// CLAUNTTY_HELPER_VERSION overrides the pinned version.
func (c *conn) deployer(r *rootOptions, assets string) (*rtach.Deployer, error) {
	if assets == "" {
		assets = c.host.HelperAssets
	}
	cfg := rtach.Config{Logger: r.logger}
	if assets != "" {
		expanded, err := cliconfig.ExpandPath(assets)
		if err != nil {
			return nil, err
		}
		src, version, err := rtach.OpenAssets(expanded)
		if err != nil {
			return nil, err
		}
		cfg.Source = src
		cfg.HelperVersion = version
	}
	if v := os.Getenv("CLAUNTTY_HELPER_VERSION"); v != "" {
		cfg.HelperVersion = v
	}
	return rtach.New(c.client, cfg), nil
}
