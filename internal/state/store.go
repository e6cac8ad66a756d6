package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// NestedKey is the key the snapshot lives under in streaming-job mode.
const NestedKey = "target"

// FileStore persists a Snapshot as a JSON file. With Nested set the snapshot
// is kept under NestedKey and the other top-level keys of the file survive.
type FileStore struct {
	Path   string
	Nested bool

	outer map[string]json.RawMessage
}

// Load reads the snapshot. A missing or empty file yields an empty snapshot.
func (f *FileStore) Load() (*Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return f.Decode(data)
}

// Decode parses a state document in the store's layout.
func (f *FileStore) Decode(data []byte) (*Snapshot, error) {
	if !f.Nested {
		s := NewSnapshot()
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &f.outer); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	s := NewSnapshot()
	if raw, ok := f.outer[NestedKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, fmt.Errorf("decode state %q: %w", NestedKey, err)
		}
	}
	return s, nil
}

// Encode renders s in the store's layout.
func (f *FileStore) Encode(s *Snapshot) ([]byte, error) {
	if !f.Nested {
		return json.Marshal(s)
	}
	inner, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]json.RawMessage, len(f.outer)+1)
	for k, v := range f.outer {
		doc[k] = v
	}
	doc[NestedKey] = inner
	return json.Marshal(doc)
}

// Save writes s atomically: a temp file in the same directory is renamed
// over Path.
func (f *FileStore) Save(s *Snapshot) error {
	data, err := f.Encode(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return WriteFileAtomic(f.Path, data, 0o644)
}

// WriteFileAtomic replaces path with data via a temp file and rename.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(name, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
