package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobStore is the persistent key-value store snapshots are written to.
// Content is opaque bytes; keys are scoped by exchange+pair.
type BlobStore interface {
	Put(key string, data []byte) error
	// Get returns the stored bytes, or ok=false when the key is absent.
	Get(key string) (data []byte, ok bool, err error)
	Close() error
}

// Store saves and loads versioned snapshots through a blob store.
type Store struct {
	logger *zap.Logger
	blob   BlobStore
	key    string
}

// NewStore creates a snapshot store for one exchange+pair key.
func NewStore(logger *zap.Logger, blob BlobStore, key string) *Store {
	return &Store{
		logger: logger.Named("state"),
		blob:   blob,
		key:    key,
	}
}

// Save serializes and persists the snapshot.
func (s *Store) Save(snap *Snapshot) error {
	snap.Version = SnapshotVersion

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.blob.Put(s.key, data); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}

	s.logger.Debug("snapshot saved", zap.String("key", s.key), zap.Int("bytes", len(data)))
	return nil
}

// Load reads the persisted snapshot. A missing key, unreadable content or
// version mismatch all mean cold start: (nil, nil). Only the blob store
// itself failing is an error.
func (s *Store) Load() (*Snapshot, error) {
	data, ok, err := s.blob.Get(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if !ok {
		s.logger.Info("no snapshot found, starting cold", zap.String("key", s.key))
		return nil, nil
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		s.logger.Warn("snapshot unreadable, starting cold",
			zap.String("key", s.key), zap.Error(err))
		return nil, nil
	}

	if snap.Version != SnapshotVersion {
		s.logger.Warn("snapshot version mismatch, starting cold",
			zap.Int("found", snap.Version),
			zap.Int("want", SnapshotVersion),
		)
		return nil, nil
	}

	s.logger.Info("snapshot loaded",
		zap.String("key", s.key),
		zap.Time("savedAt", snap.SavedAt),
	)
	return snap, nil
}

// FileStore is a file-per-key blob store. Writes go to a temp file in the
// same directory and then rename over the target, so a crash mid-write
// leaves the previous snapshot intact.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes the blob atomically.
func (f *FileStore) Put(key string, data []byte) error {
	target := f.path(key)
	tmp, err := os.CreateTemp(f.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}

// Get reads the blob; a missing file is absent, not an error.
func (f *FileStore) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Close is a no-op for the file backend.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) path(key string) string {
	// Keys contain "exchange:pair"; colons are awkward in filenames.
	name := strings.NewReplacer(":", "_", "/", "_").Replace(key)
	return filepath.Join(f.dir, name+".json")
}
