package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
listen_address = "0.0.0.0:2200"
data_dir = "/var/lib/lobbyboy"

[user.alice]
password = "hunter2"

[provider.local]
enable = true
min_life_to_live = "30m"
bill_time_unit = "1h"
destroy_safe_time = "5m"
server_name_prefix = "demo"
api_token = "placeholder"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lobbyboy.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	c, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:2200", c.ListenAddress)
	require.Equal(t, "servers.json", c.ServersFile)
	require.Equal(t, "1m", c.MinDestroyInterval)

	pc, ok := c.ProviderConfig("local")
	require.True(t, ok)
	require.Equal(t, "30m", pc.MinLifeToLive)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	require.True(t, lberrors.IsInvalidConfig(err))
}

func TestLoadRejectsBadDuration(t *testing.T) {
	bad := sampleTOML + "\n[provider.flaky]\nmin_life_to_live = \"thirty minutes\"\n"
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.True(t, lberrors.IsInvalidConfig(err))
}

func TestLoadRequiresUsersAndProviders(t *testing.T) {
	_, err := Load(writeConfig(t, `listen_address = "x"
data_dir = "y"`))
	require.Error(t, err)
}

func TestProviderEnvOverride(t *testing.T) {
	body := sampleTOML + "\n[provider_env_vars]\nlocal = \"LOCAL_TOKEN\"\n"
	t.Setenv("LOCAL_TOKEN", "from-env")
	c, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	pc, ok := c.ProviderConfig("local")
	require.True(t, ok)
	require.Equal(t, "from-env", pc.APIToken)
}
