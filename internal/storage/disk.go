// Package storage provides the object store behind resume and job
// description uploads: write a blob under a bucket, get back a path and a
// public URL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	errMissingRoot = errors.New("storage: root directory required")
	// ErrInvalidName rejects names that would escape the bucket directory.
	ErrInvalidName = errors.New("storage: invalid object name")
)

// ObjectStore writes upload blobs and maps stored paths to public URLs.
type ObjectStore interface {
	Put(ctx context.Context, bucket, name string, reader io.Reader) (string, error)
	PublicURL(storedPath string) string
}

// DiskStore keeps objects under a local directory, one subdirectory per
// bucket, and serves them from a configured URL prefix.
type DiskStore struct {
	root    string
	baseURL string
}

// NewDiskStore constructs the store, creating the root directory if needed.
func NewDiskStore(root, baseURL string) (*DiskStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errMissingRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &DiskStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put stores the blob and returns its bucket-relative path.
func (s *DiskStore) Put(ctx context.Context, bucket, name string, reader io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanBucket, err := cleanComponent(bucket)
	if err != nil {
		return "", err
	}
	cleanName, err := cleanRelative(name)
	if err != nil {
		return "", err
	}

	target := filepath.Join(s.root, cleanBucket, filepath.FromSlash(cleanName))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("storage: create bucket dir: %w", err)
	}

	file, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("storage: create object: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("storage: write object: %w", err)
	}

	return path.Join(cleanBucket, cleanName), nil
}

// PublicURL maps a stored path to its public URL.
func (s *DiskStore) PublicURL(storedPath string) string {
	return s.baseURL + "/" + strings.TrimLeft(storedPath, "/")
}

// Root returns the backing directory, for static file serving.
func (s *DiskStore) Root() string {
	return s.root
}

func cleanComponent(component string) (string, error) {
	component = strings.TrimSpace(component)
	if component == "" || strings.ContainsAny(component, "/\\") || component == "." || component == ".." {
		return "", ErrInvalidName
	}
	return component, nil
}

// cleanRelative normalizes a slash-separated object name and rejects
// anything that would climb out of the bucket.
func cleanRelative(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return "", ErrInvalidName
	}
	cleaned := path.Clean(name)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", ErrInvalidName
	}
	return cleaned, nil
}
