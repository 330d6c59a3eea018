package provider

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/lobbyboy-ssh/lobbyboy/internal/lberrors"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefaultServerNameNoCollision(t *testing.T) {
	now := time.Unix(1700000000, 0)
	name, err := GenerateDefaultServerName("demo", now, func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, "demo-1700000000", name)
}

func TestGenerateDefaultServerNameCollisionSuffix(t *testing.T) {
	now := time.Unix(1700000000, 0)
	taken := map[string]bool{
		"demo-1700000000":  true,
		"demo-1700000000a": true,
	}
	name, err := GenerateDefaultServerName("demo", now, func(n string) bool { return taken[n] })
	require.NoError(t, err)
	require.Equal(t, "demo-1700000000b", name)
}

func TestGenerateDefaultServerNameExhausted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	_, err := GenerateDefaultServerName("demo", now, func(string) bool { return true })
	require.Error(t, err)
	require.True(t, lberrors.IsNoAvailableName(err))
}

func TestPollActionSucceedsEventually(t *testing.T) {
	var buf bytes.Buffer
	attempts := 0
	err := PollAction(context.Background(), &buf, time.Millisecond, 5, func(context.Context) (bool, error) {
		attempts++
		return attempts == 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, "..", buf.String())
}

func TestPollActionTimesOut(t *testing.T) {
	err := PollAction(context.Background(), nil, time.Millisecond, 3, func(context.Context) (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	require.True(t, lberrors.IsProviderError(err))
}

func TestSaveLoadRawState(t *testing.T) {
	dir := t.TempDir()
	type state struct {
		Foo string `json:"foo"`
	}
	require.NoError(t, SaveRawState(dir, state{Foo: "bar"}))

	var got state
	require.NoError(t, LoadRawState(dir, &got))
	require.Equal(t, "bar", got.Foo)
}

func TestRegistryBuildUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("missing", Config{})
	require.True(t, lberrors.IsNoProvider(err))
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", func(name string, cfg Config) (Provider, error) {
		return nil, nil
	})
	p, err := r.Build("noop", Config{})
	require.NoError(t, err)
	require.Nil(t, p)
	require.Contains(t, r.Names(), "noop")
}
