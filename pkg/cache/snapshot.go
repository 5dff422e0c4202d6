package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const snapshotVersion = 1

var (
	ErrNotFound        = errors.New("cache file not found")
	ErrVersionMismatch = errors.New("cache file version mismatch")
)

// Snapshot is the on-disk envelope for cached values.
type Snapshot[T any] struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Data    T         `json:"data"`
}

func LoadSnapshot[T any](path string) (Snapshot[T], error) {
	var snap Snapshot[T]
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, ErrNotFound
		}
		return snap, fmt.Errorf("read cache file: %w", err)
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, fmt.Errorf("decode cache file: %w", err)
	}
	if snap.Version != snapshotVersion {
		return Snapshot[T]{}, fmt.Errorf("%w: got %d", ErrVersionMismatch, snap.Version)
	}
	return snap, nil
}

// SaveSnapshot writes data atomically through a temp file and rename.
func SaveSnapshot[T any](path string, data T, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}
	b, err := json.MarshalIndent(Snapshot[T]{Version: snapshotVersion, SavedAt: now.UTC(), Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}
	// Each writer gets its own temp file; the last rename wins.
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write cache temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cache temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
