package authstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	credsFile = "creds.json"
	keysDir   = "keys"

	dirPerm  = 0o700
	filePerm = 0o600
)

// KeyUpdate maps category -> key id -> value. A nil or JSON null value deletes the key.
type KeyUpdate map[string]map[string]json.RawMessage

// State is the loaded auth state of one session.
type State struct {
	// Creds is the raw credential document (nil when none was persisted yet).
	Creds json.RawMessage
	// Registered reports whether the remote side already accepted these credentials.
	Registered bool
	// Keys holds every persisted key, by category then id.
	Keys KeyUpdate
}

// Store is a directory-backed auth state store. It is safe for concurrent use.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates (if needed) and returns the store rooted at dir.
func Open(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("authstate: empty dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, keysDir), dirPerm); err != nil {
		return nil, fmt.Errorf("authstate: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Load reads the persisted credential document and keys.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st State

	raw, err := os.ReadFile(filepath.Join(s.dir, credsFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return State{}, fmt.Errorf("authstate: read creds: %w", err)
	case len(bytes.TrimSpace(raw)) > 0:
		reg, err := registeredFlag(raw)
		if err != nil {
			return State{}, err
		}
		st.Creds = raw
		st.Registered = reg
	}

	keys, err := s.loadKeys()
	if err != nil {
		return State{}, err
	}
	st.Keys = keys
	return st, nil
}

// SaveCreds atomically replaces the credential document. It returns only after
// the document is durable on disk.
func (s *Store) SaveCreds(raw json.RawMessage) error {
	if _, err := registeredFlag(raw); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return writeFileAtomic(filepath.Join(s.dir, credsFile), raw)
}

// ReadCreds returns the raw credential bytes. Missing or empty creds yield ErrNoCreds.
func (s *Store) ReadCreds() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, credsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCreds
	}
	if err != nil {
		return nil, fmt.Errorf("authstate: read creds: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrNoCreds
	}
	return raw, nil
}

// SetKeys applies an incremental key update.
func (s *Store) SetKeys(upd KeyUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for category, entries := range upd {
		for id, value := range entries {
			name, err := keyFileName(category, id)
			if err != nil {
				return err
			}
			path := filepath.Join(s.dir, keysDir, name)

			if len(value) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("authstate: delete key: %w", err)
				}
				continue
			}
			if err := writeFileAtomic(path, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) loadKeys() (KeyUpdate, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, keysDir))
	if errors.Is(err, fs.ErrNotExist) {
		return KeyUpdate{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authstate: read keys: %w", err)
	}

	out := KeyUpdate{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		category, id, ok := strings.Cut(stem, "-")
		if !ok || category == "" || id == "" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, keysDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("authstate: read key %s: %w", e.Name(), err)
		}
		if out[category] == nil {
			out[category] = map[string]json.RawMessage{}
		}
		out[category][id] = raw
	}
	return out, nil
}

// Remove deletes dir recursively. A missing dir is not an error.
func Remove(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func registeredFlag(raw []byte) (bool, error) {
	var doc struct {
		Registered bool `json:"registered"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidCreds, err)
	}
	return doc.Registered, nil
}

func keyFileName(category, id string) (string, error) {
	if category == "" || id == "" {
		return "", ErrInvalidKey
	}
	// Category must not contain "-" so the file name splits back unambiguously.
	if strings.ContainsAny(category, `-/\`) || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidKey, category, id)
	}
	return category + "-" + id + ".json", nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("authstate: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("authstate: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("authstate: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("authstate: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("authstate: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("authstate: rename: %w", err)
	}
	return nil
}
