// pem.go -- Loading and persisting RSA keys as PEM files.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// KeyBits is the modulus size of generated keys.
const KeyBits = 2048

// GenerateKey returns a fresh RSA key.
func GenerateKey() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	return priv, nil
}

// ParsePEM decodes a PKCS#1 or PKCS#8 RSA private key.
func ParsePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", k)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// WritePEM persists priv as <dir>/<kid>.pem (PKCS#8, mode 0600). Returns the path.
func WritePEM(dir string, priv *rsa.PrivateKey) (string, error) {
	kid, err := KeyID(priv)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshaling key: %w", err)
	}
	path := filepath.Join(dir, kid+".pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing key file: %w", err)
	}
	return path, nil
}

type diskKey struct {
	path    string
	priv    *rsa.PrivateKey
	modTime time.Time
}

// LoadOrGenerate builds a Manager from every *.pem in dir.
//
// The newest file (by mtime) is active. Each older key is retiring since the
// mtime of the next newer key, i.e. the moment it was superseded; keys already
// past grace are skipped. An empty or unset dir gets a generated key, persisted
// to dir when dir is set.
func LoadOrGenerate(dir string, grace time.Duration) (*Manager, error) {
	m := NewManager(grace)

	var found []diskKey
	if dir != "" {
		paths, err := filepath.Glob(filepath.Join(dir, "*.pem"))
		if err != nil {
			return nil, fmt.Errorf("listing key dir: %w", err)
		}
		for _, p := range paths {
			dk, err := readDiskKey(p)
			if err != nil {
				return nil, err
			}
			found = append(found, dk)
		}
	}

	if len(found) == 0 {
		priv, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		if dir == "" {
			slog.Warn("no KEY_DIR configured, using ephemeral signing key; tokens will not survive a restart")
		} else {
			path, err := WritePEM(dir, priv)
			if err != nil {
				return nil, err
			}
			slog.Info("generated signing key", "path", path)
		}
		if _, err := m.Rotate(priv); err != nil {
			return nil, err
		}
		return m, nil
	}

	// Newest first.
	slices.SortFunc(found, func(a, b diskKey) int { return b.modTime.Compare(a.modTime) })

	if _, err := m.Rotate(found[0].priv); err != nil {
		return nil, fmt.Errorf("activating %s: %w", found[0].path, err)
	}
	for i := 1; i < len(found); i++ {
		if err := m.addRetiring(found[i].priv, found[i].modTime, found[i-1].modTime); err != nil {
			return nil, fmt.Errorf("loading %s: %w", found[i].path, err)
		}
	}

	slog.Info("signing keys loaded", "dir", dir, "active", m.ActiveKeyID(), "files", len(found))
	return m, nil
}

func readDiskKey(path string) (diskKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return diskKey{}, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return diskKey{}, fmt.Errorf("reading %s: %w", path, err)
	}
	priv, err := ParsePEM(data)
	if err != nil {
		return diskKey{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return diskKey{path: path, priv: priv, modTime: info.ModTime()}, nil
}

// RotateAndPersist generates a key, writes it to dir (if set), and makes it active.
func RotateAndPersist(m *Manager, dir string) (string, error) {
	priv, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if dir != "" {
		if _, err := WritePEM(dir, priv); err != nil {
			return "", err
		}
	}
	return m.Rotate(priv)
}
