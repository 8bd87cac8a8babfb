package proof

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// LocalFileStore stores evidence files on local disk. Stands in for
// the object-storage collaborator in single-node deployments.
type LocalFileStore struct {
	dir     string
	baseURL string
}

// Config holds file storage configuration.
type Config struct {
	Dir     string `envconfig:"PROOF_STORAGE_DIR" default:"/var/lib/marketpay/proofs"`
	BaseURL string `envconfig:"PROOF_STORAGE_BASE_URL" default:"/files/proofs"`
}

// NewLocalFileStore creates the storage directory if needed.
func NewLocalFileStore(cfg Config) (*LocalFileStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create proof storage dir: %w", err)
	}
	return &LocalFileStore{dir: cfg.Dir, baseURL: cfg.BaseURL}, nil
}

// Store writes the file under a unique name and returns its URL.
func (s *LocalFileStore) Store(ctx context.Context, name string, contents io.Reader) (string, error) {
	// The original filename is kept only as a suffix; the ULID makes
	// the stored name unguessable and collision-free.
	stored := ulid.Make().String() + "-" + filepath.Base(name)

	f, err := os.Create(filepath.Join(s.dir, stored))
	if err != nil {
		return "", fmt.Errorf("create proof file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, contents); err != nil {
		return "", fmt.Errorf("write proof file: %w", err)
	}

	return s.baseURL + "/" + stored, nil
}
