package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zerotier-go/zt-core/log"
)

const (
	secretFileName = "identity.secret"
	publicFileName = "identity.public"
)

// Store loads or generates the node's identity under home, enforcing the
// public-file-matches-secret invariant. Any failure here is
// initialization-fatal.
func Store(home string, difficultyNibbles int, logger log.Logger) (*Identity, error) {
	secretPath := filepath.Join(home, secretFileName)
	publicPath := filepath.Join(home, publicFileName)

	id, err := loadSecret(secretPath)
	if os.IsNotExist(err) {
		logger.Info("generating new identity", "home", home)
		id, err = generate(difficultyNibbles)
		if err != nil {
			return nil, fmt.Errorf("identity: generate: %w", err)
		}
		if err := writeSecret(secretPath, id); err != nil {
			return nil, fmt.Errorf("identity: write secret: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("identity: unrecoverable: %w", err)
	}

	if err := reconcilePublic(publicPath, id, logger); err != nil {
		return nil, fmt.Errorf("identity: write public: %w", err)
	}

	if err := os.Chmod(secretPath, 0600); err != nil {
		return nil, fmt.Errorf("identity: lock down secret: %w", err)
	}

	logger.Info("identity ready", "address", id.Address().String())
	return id, nil
}

func loadSecret(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	id, err := parseSecretHex(string(b))
	if err != nil {
		// A present-but-unparseable secret file is unrecoverable: parse
		// failure is fatal here, not the "absent -> generate" path.
		return nil, fmt.Errorf("identity: %w", err)
	}
	return id, nil
}

func writeSecret(path string, id *Identity) error {
	return os.WriteFile(path, []byte(id.secretHex()), 0600)
}

// reconcilePublic overwrites the public file iff its contents differ from
// the public projection of the secret.
func reconcilePublic(path string, id *Identity, logger log.Logger) error {
	want := id.publicHex()
	got, err := os.ReadFile(path)
	if err == nil && string(got) == want {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("identity: read public: %w", err)
	}
	logger.Debug("public identity file out of sync, rewriting", "path", path)
	return os.WriteFile(path, []byte(want), 0644)
}
