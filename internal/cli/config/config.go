// Package config reads the harness host-profile file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultPort = 22

// Config is a set of named host profiles and the default among them.
type Config struct {
	CurrentHost string           `yaml:"currentHost"`
	Hosts       map[string]*Host `yaml:"hosts"`
}

// Host holds connection details for one remote host.
type Host struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user"`
	IdentityFile   string `yaml:"identityFile,omitempty"`
	KnownHostsFile string `yaml:"knownHostsFile,omitempty"`
	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool   `yaml:"insecureIgnoreHostKey,omitempty"`
	TimeoutSeconds        int    `yaml:"timeoutSeconds,omitempty"`
	HelperAssets          string `yaml:"helperAssets,omitempty"`
}

var ErrHostNotFound = errors.New("host not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	for name, h := range cfg.Hosts {
		if h == nil {
			return nil, fmt.Errorf("parse config %s: host %q is empty", expanded, name)
		}
	}
	return &cfg, nil
}

// Save writes the config with owner-only permissions, creating parent
// directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a host by name, falling back to currentHost. A name that is
// not a profile but looks like [user@]address yields an ad-hoc profile.
func (c *Config) Resolve(name string) (*Host, string, error) {
	hostName := strings.TrimSpace(name)
	if hostName == "" && c != nil {
		hostName = c.CurrentHost
	}
	if hostName == "" {
		return nil, "", fmt.Errorf("%w: no host given and no currentHost set", ErrHostNotFound)
	}
	if c != nil {
		if h, ok := c.Hosts[hostName]; ok {
			out := *h
			out.applyDefaults()
			return &out, hostName, nil
		}
	}
	if h, ok := parseAdHoc(hostName); ok {
		return h, hostName, nil
	}
	return nil, hostName, fmt.Errorf("%w: %s", ErrHostNotFound, hostName)
}

func (h *Host) applyDefaults() {
	if h.Port == 0 {
		h.Port = DefaultPort
	}
	if h.User == "" {
		h.User = os.Getenv("USER")
	}
}

// parseAdHoc accepts "user@address" or a bare address containing a dot or
// colon, so single words are still reported as unknown profiles.
func parseAdHoc(s string) (*Host, bool) {
	h := &Host{}
	addr := s
	if user, rest, ok := strings.Cut(s, "@"); ok {
		if user == "" || rest == "" {
			return nil, false
		}
		h.User, addr = user, rest
	} else if !strings.ContainsAny(s, ".:") {
		return nil, false
	}
	h.Address = addr
	h.applyDefaults()
	return h, true
}

// ExpandPath resolves "~" and relative paths.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
