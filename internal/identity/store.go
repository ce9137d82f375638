package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"collabsync/internal/model"
)

type (
	// BlobStore persists encrypted identity blobs. The blob is already
	// sealed under the user's passphrase; the store never sees key material.
	BlobStore interface {
		Save(userID string, blob *model.IdentityBlob) error
		// Load returns nil with no error when no blob exists for userID.
		Load(userID string) (*model.IdentityBlob, error)
	}

	// FileStore keeps one JSON blob file per user under a directory.
	FileStore struct {
		dir string
	}
)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+".identity.json")
}

func (s *FileStore) Save(userID string, blob *model.IdentityBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal identity blob: %w", err)
	}
	return os.WriteFile(s.path(userID), data, 0o600)
}

func (s *FileStore) Load(userID string) (*model.IdentityBlob, error) {
	data, err := os.ReadFile(s.path(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var blob model.IdentityBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal identity blob: %w", err)
	}
	return &blob, nil
}
