package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("CLAUNTTY_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".clauntty")
}

// DefaultConfigPath honours CLAUNTTY_CONFIG before the config directory.
func DefaultConfigPath() string {
	if v := os.Getenv("CLAUNTTY_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config")
}

// DefaultKnownHostsPath is the user's OpenSSH known_hosts file.
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
