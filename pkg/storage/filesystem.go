package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem stores blobs as files under a root directory. Keys map to
// relative paths.
type FileSystem struct {
	root string
}

// NewFileSystem creates the root directory if needed.
func NewFileSystem(root string) (*FileSystem, error) {
	if root == "" {
		return nil, errors.New("filesystem root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileSystem{root: root}, nil
}

// path resolves key under the root, rejecting keys that escape it.
func (s *FileSystem) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put writes content to a temporary file and renames it into place, so a
// failed upload never leaves a partial blob.
func (s *FileSystem) Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// Get opens the blob for reading.
func (s *FileSystem) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *FileSystem) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// HealthCheck verifies the root is still a directory.
func (s *FileSystem) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("filesystem storage unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filesystem root %s is not a directory", s.root)
	}
	return nil
}
