// Package keys manages LobbyBoy's SSH key material: the lobby's own host
// key (offered on every inbound handshake) and per-server key pairs used to
// reach backend VMs, generated on first use.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

const (
	hostKeyBits = 3072

	dirMode  = 0o700
	fileMode = 0o600
)

// LoadOrGenerateHostKey returns the lobby's host signer, reading
// dir/id_rsa if present, otherwise generating and persisting a fresh
// RSA-3072 pair at dir/id_rsa and dir/id_rsa.pub with mode 0600/0700.
func LoadOrGenerateHostKey(dir string) (ssh.Signer, error) {
	privPath := filepath.Join(dir, "id_rsa")
	pubPath := filepath.Join(dir, "id_rsa.pub")

	if _, err := os.Stat(privPath); err == nil {
		return loadSigner(privPath)
	} else if !os.IsNotExist(err) {
		return nil, trace.Wrap(err)
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, trace.Wrap(err, "creating key directory %v", dir)
	}

	signer, privPEM, pubAuthorized, err := generateRSAKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := os.WriteFile(privPath, privPEM, fileMode); err != nil {
		return nil, trace.Wrap(err, "writing %v", privPath)
	}
	if err := os.WriteFile(pubPath, pubAuthorized, fileMode); err != nil {
		return nil, trace.Wrap(err, "writing %v", pubPath)
	}

	return signer, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing host key %v", path)
	}
	return signer, nil
}

func generateRSAKeyPair() (signer ssh.Signer, privPEM []byte, pubAuthorized []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, hostKeyBits)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	signer, err = ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	pubAuthorized = ssh.MarshalAuthorizedKey(signer.PublicKey())
	return signer, privPEM, pubAuthorized, nil
}

// EnsureServerKeyPair confirms that workspace holds an id_rsa/id_rsa.pub
// pair for reaching a backend server, generating one if absent. It returns
// the private key path, suitable for passing to SSHServerCommand's -i flag.
func EnsureServerKeyPair(workspace string) (privateKeyPath string, err error) {
	privPath := filepath.Join(workspace, "id_rsa")
	pubPath := filepath.Join(workspace, "id_rsa.pub")

	if _, statErr := os.Stat(privPath); statErr == nil {
		return privPath, nil
	} else if !os.IsNotExist(statErr) {
		return "", trace.Wrap(statErr)
	}

	if err := os.MkdirAll(workspace, dirMode); err != nil {
		return "", trace.Wrap(err, "creating workspace %v", workspace)
	}

	_, privPEM, pubAuthorized, err := generateRSAKeyPair()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := os.WriteFile(privPath, privPEM, fileMode); err != nil {
		return "", trace.Wrap(err, "writing %v", privPath)
	}
	if err := os.WriteFile(pubPath, pubAuthorized, fileMode); err != nil {
		return "", trace.Wrap(err, "writing %v", pubPath)
	}
	return privPath, nil
}

// ParseAuthorizedKeys parses newline-separated OpenSSH authorized_keys
// lines (UserConfig.AuthorizedKeys), skipping blank lines and comments.
func ParseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	rest := data
	for len(rest) > 0 {
		pk, _, _, r, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			// No more parseable lines; if we've parsed at least one key,
			// treat trailing garbage as the end of input rather than a
			// fatal error, matching typical authorized_keys tolerance.
			if len(keys) > 0 {
				break
			}
			return nil, trace.Wrap(err, "parsing authorized_keys")
		}
		keys = append(keys, pk)
		rest = r
	}
	return keys, nil
}
