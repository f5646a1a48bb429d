// Package attachments stores provider-emitted binary attachments on local
// disk, keyed by their derived storage filename.
package attachments

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore implements domain.AttachmentStore on a single directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the storage directory if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare attachment storage directory: %w", err)
	}
	resolved, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve attachment storage directory: %w", err)
	}
	return &DiskStore{dir: resolved}, nil
}

// Save writes one attachment. Storage names never contain path separators;
// anything suspicious is rejected.
func (s *DiskStore) Save(_ context.Context, storageName string, data []byte) error {
	if err := validateName(storageName); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, storageName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write attachment %s: %w", storageName, err)
	}
	return nil
}

// Open returns a reader over a stored attachment.
func (s *DiskStore) Open(_ context.Context, storageName string) (io.ReadCloser, error) {
	if err := validateName(storageName); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.dir, storageName))
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %s: %w", storageName, err)
	}
	return file, nil
}

func validateName(storageName string) error {
	if storageName == "" ||
		strings.ContainsAny(storageName, "/\\") ||
		strings.Contains(storageName, "..") {
		return fmt.Errorf("invalid attachment storage name: %q", storageName)
	}
	return nil
}
