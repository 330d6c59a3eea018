package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestLoadOrGenerateHostKeyGeneratesThenReuses(t *testing.T) {
	dir := t.TempDir()

	signer1, err := LoadOrGenerateHostKey(dir)
	require.NoError(t, err)
	require.NotNil(t, signer1)

	info, err := os.Stat(filepath.Join(dir, "id_rsa"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer2, err := LoadOrGenerateHostKey(dir)
	require.NoError(t, err)
	require.Equal(t, signer1.PublicKey().Marshal(), signer2.PublicKey().Marshal())
}

func TestEnsureServerKeyPair(t *testing.T) {
	workspace := t.TempDir()
	path1, err := EnsureServerKeyPair(workspace)
	require.NoError(t, err)
	require.FileExists(t, path1)

	path2, err := EnsureServerKeyPair(workspace)
	require.NoError(t, err)
	require.Equal(t, path1, path2)
}

func TestParseAuthorizedKeys(t *testing.T) {
	_, signer, err := newTestSigner(t)
	require.NoError(t, err)
	line := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	keys, err := ParseAuthorizedKeys([]byte(line))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, signer.PublicKey().Marshal(), keys[0].Marshal())
}

func TestParseAuthorizedKeysEmpty(t *testing.T) {
	keys, err := ParseAuthorizedKeys([]byte("\n\n"))
	require.Error(t, err)
	require.Empty(t, keys)
}

func newTestSigner(t *testing.T) (ssh.PublicKey, ssh.Signer, error) {
	t.Helper()
	dir := t.TempDir()
	signer, err := LoadOrGenerateHostKey(dir)
	if err != nil {
		return nil, nil, err
	}
	return signer.PublicKey(), signer, nil
}
