// Package config loads and reloads LobbyBoy's TOML configuration. Auth
// callbacks reload it from disk on every attempt, so this package owns the
// struct, its defaults, and the disk read.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gravitational/trace"

	"github.com/lobbyboy-ssh/lobbyboy/internal/duration"
	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/lobbyboy-ssh/lobbyboy/internal/provider"
)

// UserConfig is one configured SSH user.
type UserConfig struct {
	AuthorizedKeys string `toml:"authorized_keys"`
	Password       string `toml:"password"`
}

// ProviderConfigTOML is the on-disk shape of a provider section; it decodes
// into provider.Config. Extra is read from the section's "extra" sub-table;
// other keys not named here are ignored.
type ProviderConfigTOML struct {
	Enable           bool              `toml:"enable"`
	MinLifeToLive    string            `toml:"min_life_to_live"`
	BillTimeUnit     string            `toml:"bill_time_unit"`
	DestroySafeTime  string            `toml:"destroy_safe_time"`
	ServerNamePrefix string            `toml:"server_name_prefix"`
	APIToken         string            `toml:"api_token"`
	ExtraSSHKeys     []string          `toml:"extra_ssh_keys"`
	Extra            map[string]string `toml:"extra"`
}

func (p ProviderConfigTOML) toProviderConfig(envOverride string) provider.Config {
	token := p.APIToken
	if envOverride != "" {
		if v := os.Getenv(envOverride); v != "" {
			token = v
		}
	}
	return provider.Config{
		Enable:           p.Enable,
		MinLifeToLive:    p.MinLifeToLive,
		BillTimeUnit:     p.BillTimeUnit,
		DestroySafeTime:  p.DestroySafeTime,
		ServerNamePrefix: p.ServerNamePrefix,
		APIToken:         token,
		ExtraSSHKeys:     p.ExtraSSHKeys,
		Extra:            p.Extra,
	}
}

// Config is the top-level LobbyBoy configuration.
type Config struct {
	ListenAddress     string                          `toml:"listen_address"`
	DataDir           string                          `toml:"data_dir"`
	ServersFile       string                          `toml:"servers_file"`
	MinDestroyInterval string                         `toml:"min_destroy_interval"`
	Users             map[string]UserConfig           `toml:"user"`
	Providers         map[string]ProviderConfigTOML   `toml:"provider"`
	// ProviderEnvVars maps a provider name to the environment variable
	// that overrides its api_token, e.g. {"digitalocean":
	// "DIGITALOCEAN_TOKEN"}.
	ProviderEnvVars map[string]string `toml:"provider_env_vars"`
}

// CheckAndSetDefaults validates the loaded config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddress == "" {
		return lberrors.InvalidConfig("listen_address is required")
	}
	if c.DataDir == "" {
		return lberrors.InvalidConfig("data_dir is required")
	}
	if c.ServersFile == "" {
		c.ServersFile = "servers.json"
	}
	if c.MinDestroyInterval == "" {
		c.MinDestroyInterval = "1m"
	}
	if _, err := duration.ToSeconds(c.MinDestroyInterval); err != nil {
		return lberrors.InvalidConfig("min_destroy_interval: %v", err)
	}
	if len(c.Users) == 0 {
		return lberrors.InvalidConfig("at least one [user.*] section is required")
	}
	if len(c.Providers) == 0 {
		return lberrors.InvalidConfig("at least one [provider.*] section is required")
	}
	for name, p := range c.Providers {
		if p.MinLifeToLive != "" {
			if _, err := duration.ToSeconds(p.MinLifeToLive); err != nil {
				return lberrors.InvalidConfig("provider %v: min_life_to_live: %v", name, err)
			}
		}
		if p.BillTimeUnit != "" {
			if _, err := duration.ToSeconds(p.BillTimeUnit); err != nil {
				return lberrors.InvalidConfig("provider %v: bill_time_unit: %v", name, err)
			}
		}
		if p.DestroySafeTime != "" {
			if _, err := duration.ToSeconds(p.DestroySafeTime); err != nil {
				return lberrors.InvalidConfig("provider %v: destroy_safe_time: %v", name, err)
			}
		}
	}
	return nil
}

// MinDestroyIntervalDuration returns the parsed reaper sleep interval.
func (c *Config) MinDestroyIntervalDuration() time.Duration {
	secs, _ := duration.ToSeconds(c.MinDestroyInterval)
	return time.Duration(secs) * time.Second
}

// ProviderConfig returns the provider.Config for a configured provider
// name, with any environment-variable API token override applied.
func (c *Config) ProviderConfig(name string) (provider.Config, bool) {
	p, ok := c.Providers[name]
	if !ok {
		return provider.Config{}, false
	}
	return p.toProviderConfig(c.ProviderEnvVars[name]), true
}

// Load reads and validates the TOML file at path. It is called once at
// startup and again on every authentication attempt, so operators can
// rotate users and keys without a restart.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		if os.IsNotExist(err) {
			return nil, lberrors.InvalidConfig("config file %v does not exist", path)
		}
		return nil, lberrors.InvalidConfig("parsing %v: %v", path, err)
	}
	if err := c.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}
