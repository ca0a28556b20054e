// Package config loads and validates the nexusd YAML configuration.
// It applies defaults so the daemon can rely on fully populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS certificate paths. Certificate generation is external;
// nexusd only loads PEM files.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// SessionConfig holds the session (chat/control) listener settings.
type SessionConfig struct {
	Bind string    `yaml:"bind"`
	TLS  TLSConfig `yaml:"tls"`
}

// TransferConfig holds the transfer listener settings.
type TransferConfig struct {
	Bind string    `yaml:"bind"`
	TLS  TLSConfig `yaml:"tls"`
}

// FilesConfig holds the file-area roots.
type FilesConfig struct {
	// SharedRoot is the common file area every account resolves into.
	SharedRoot string `yaml:"shared_root"`
	// UsersRoot holds per-account folders for shared/guest accounts and
	// admin-provisioned personal folders. Optional.
	UsersRoot string `yaml:"users_root"`
}

// LimitsConfig carries the per-IP caps and the reindex interval. These seed
// the persisted settings row on first startup; afterwards the row wins.
type LimitsConfig struct {
	MaxConnsPerIP     int           `yaml:"max_conns_per_ip"`
	MaxTransfersPerIP int           `yaml:"max_transfers_per_ip"`
	ReindexInterval   time.Duration `yaml:"reindex_interval"`
}

// BootstrapConfig seeds the first regular account on an empty store so an
// operator can log in at all. The account is created without admin; its
// first login promotes it like any first account.
type BootstrapConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ChannelsConfig lists channels that survive empty membership.
type ChannelsConfig struct {
	Persistent []string `yaml:"persistent"`
}

// Config mirrors the nexusd.yaml schema.
type Config struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	DSN         string          `yaml:"dsn"`
	TicketKey   string          `yaml:"ticket_key"`
	Session     SessionConfig   `yaml:"session"`
	Transfer    TransferConfig  `yaml:"transfer"`
	Files       FilesConfig     `yaml:"files"`
	Limits      LimitsConfig    `yaml:"limits"`
	Channels    ChannelsConfig  `yaml:"channels"`
	Bootstrap   BootstrapConfig `yaml:"bootstrap"`
}

// Load reads a YAML config file, applies defaults, and validates it.
// It returns a fully populated Config or a descriptive error.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	c.DSN = strings.TrimSpace(c.DSN)
	c.Files.SharedRoot = strings.TrimSpace(c.Files.SharedRoot)
	c.Files.UsersRoot = strings.TrimSpace(c.Files.UsersRoot)
	return c, nil
}

// applyDefaults populates zero-values with sane defaults.
func applyDefaults(c *Config) {
	if c.Name == "" {
		c.Name = "nexusd"
	}
	if c.Session.Bind == "" {
		c.Session.Bind = ":7500"
	}
	if c.Transfer.Bind == "" {
		c.Transfer.Bind = ":7501"
	}
	if c.Limits.MaxConnsPerIP == 0 {
		c.Limits.MaxConnsPerIP = 10
	}
	if c.Limits.MaxTransfersPerIP == 0 {
		c.Limits.MaxTransfersPerIP = 5
	}
}

// validate rejects configurations the daemon cannot start with.
func validate(c *Config) error {
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.TicketKey == "" {
		return errors.New("ticket_key is required")
	}
	if c.Files.SharedRoot == "" {
		return errors.New("files.shared_root is required")
	}
	for _, tc := range []struct {
		name string
		tls  TLSConfig
	}{{"session", c.Session.TLS}, {"transfer", c.Transfer.TLS}} {
		if tc.tls.CertPath == "" || tc.tls.KeyPath == "" {
			return fmt.Errorf("%s.tls cert_path and key_path are required", tc.name)
		}
	}
	if c.Limits.MaxConnsPerIP < 0 || c.Limits.MaxTransfersPerIP < 0 {
		return errors.New("limits must not be negative")
	}
	if c.Limits.ReindexInterval < 0 {
		return errors.New("limits.reindex_interval must not be negative")
	}
	if c.Bootstrap.Username != "" && c.Bootstrap.Password == "" {
		return errors.New("bootstrap.password is required when bootstrap.username is set")
	}
	return nil
}
