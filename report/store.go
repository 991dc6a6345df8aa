package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for names that escape the storage root.
var ErrInvalidPath = errors.New("report: invalid document path")

// FileStore keeps rendered documents under a root directory.
type FileStore struct {
	root string
}

// NewFileStore stores documents under root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Put writes data to name and returns the relative path to read it back.
func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("report: create dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("report: write %s: %w", name, err)
	}
	return filepath.ToSlash(filepath.Clean(name)), nil
}

// Get reads a document written by Put.
func (s *FileStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("report: read %s: %w", path, err)
	}
	return data, nil
}

func (s *FileStore) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(s.root, clean), nil
}
