package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "servers.json"))
	metas, err := r.Load()
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestUpdateAddThenRemove(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "servers.json"))

	demo1 := ServerMeta{ServerName: "demo-1", ProviderName: "local", Manage: true}
	require.NoError(t, r.Update([]ServerMeta{demo1}, nil))

	metas, err := r.Load()
	require.NoError(t, err)
	require.Equal(t, []ServerMeta{demo1}, metas)

	demo2 := ServerMeta{ServerName: "demo-2", ProviderName: "local", Manage: true}
	require.NoError(t, r.Update([]ServerMeta{demo2}, nil))

	metas, err = r.Load()
	require.NoError(t, err)
	require.Equal(t, []ServerMeta{demo1, demo2}, metas)

	require.NoError(t, r.Update(nil, []string{"demo-1"}))
	metas, err = r.Load()
	require.NoError(t, err)
	require.Equal(t, []ServerMeta{demo2}, metas)
}

func TestUpdateIdempotentRemoval(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "servers.json"))
	demo1 := ServerMeta{ServerName: "demo-1", Manage: true}
	require.NoError(t, r.Update([]ServerMeta{demo1}, nil))
	require.NoError(t, r.Update(nil, []string{"demo-1"}))

	before, err := r.Load()
	require.NoError(t, err)
	require.Empty(t, before)

	// a second destroy/removal of the same name must not error or change
	// the final state.
	require.NoError(t, r.Update(nil, []string{"demo-1"}))
	after, err := r.Load()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "servers.json"))
	want := []ServerMeta{
		{ServerName: "a", ProviderName: "local", ServerHost: "10.0.0.1", ServerPort: 22, Manage: true, SSHExtraArgs: []string{"-o", "Foo=bar"}},
		{ServerName: "b", ProviderName: "local", ServerHost: "10.0.0.2", ServerPort: 2222, Manage: false},
	}
	require.NoError(t, r.Update(want, nil))

	got, err := r.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLiveSec(t *testing.T) {
	m := ServerMeta{CreatedTimestamp: 100}
	require.Equal(t, int64(50), m.LiveSec(150))
	require.Equal(t, int64(0), m.LiveSec(50))
}
