// Package marker persists the bootstrap idempotency record next to the
// application data store. The record reflects completed work only: it is
// written after a seeding pass has fully committed, and a version or
// fingerprint mismatch forces exactly one full re-sync.
package marker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Marker struct {
	Version       string `json:"version,omitempty"`
	DesiredHash   string `json:"desired_hash,omitempty"`
	OverwriteMode string `json:"overwrite_mode,omitempty"`
	SyncChats     bool   `json:"sync_chats,omitempty"`
	UsersUpdated  int    `json:"users_updated"`
	ChatsUpdated  int    `json:"chats_updated"`
	UpdatedAt     int64  `json:"updated_at_epoch,omitempty"`

	// Legacy is set when an existing marker cannot be parsed (pre-versioned
	// empty file or corrupt JSON). Legacy markers always trigger a full sync.
	Legacy bool `json:"-"`
	Exists bool `json:"-"`
}

type Store interface {
	Read() (Marker, error)
	Write(Marker) error
}

// NeedsFullSync reports whether the recorded marker still covers the given
// marker version and desired-defaults fingerprint.
func NeedsFullSync(m Marker, version, desiredHash string) bool {
	if !m.Exists || m.Legacy {
		return true
	}
	if m.Version != version {
		return true
	}
	if m.DesiredHash != desiredHash {
		return true
	}
	return false
}

// FileStore keeps the marker as a JSON file, replaced atomically.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Read() (Marker, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, nil
		}
		return Marker{Exists: true, Legacy: true}, nil
	}
	if len(raw) == 0 {
		return Marker{Exists: true, Legacy: true}, nil
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return Marker{Exists: true, Legacy: true}, nil
	}
	m.Exists = true
	return m, nil
}

// Write replaces the marker via a temp file and rename so a crash mid-write
// never leaves a half-written marker behind.
func (s *FileStore) Write(m Marker) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".marker-*")
	if err != nil {
		return fmt.Errorf("create marker temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write marker temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close marker temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace marker: %w", err)
	}
	return nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu sync.Mutex
	m  Marker
}

func (s *MemStore) Read() (Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m, nil
}

func (s *MemStore) Write(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Exists = true
	s.m = m
	return nil
}

// WriteJSONAtomic shares the marker's temp-file-and-rename discipline for
// other bootstrap artifacts (merged config, discovery cache).
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".json-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
