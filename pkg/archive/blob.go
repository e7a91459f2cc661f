// Package archive builds audit evidence packs: a zip of the tenant's
// register state plus a manifest with per-file checksums, persisted to
// content-addressed blob storage. Auditors get a self-verifying bundle; the
// engine gets an immutable record of what it acted on.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore is content-addressed storage for finished packs. Put is
// idempotent; storing identical bytes twice returns the same hash.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

func hashBlob(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("archive: invalid hash format: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileBlobStore keeps packs on the local filesystem, one blob per hash.
type FileBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobStore creates the base directory if needed.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

func (s *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefixed, raw := hashBlob(data)
	path := filepath.Join(s.baseDir, raw+".zip")

	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	// Write to temp, then rename, so readers never see a partial pack.
	tmp := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable pack files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("archive: write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit pack: %w", err)
	}
	return prefixed, nil
}

func (s *FileBlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, raw+".zip")) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: pack not found: %s", hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileBlobStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".zip"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileBlobStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, raw+".zip")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete pack: %w", err)
	}
	return nil
}
