// Package session holds the client's login state: a durable credential store
// shared with older releases of the app, the Session value derived from it,
// and the Guard that tears the session down on credential invalidation.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store keys. KeyToken is the current credential key; KeyLegacyToken is the
// key written by releases before the session-store migration. Reads accept
// either, and termination clears both together.
const (
	KeyToken       = "token"
	KeyLegacyToken = "auth_token"
	KeyRole        = "role"
	KeyIdentity    = "user"
)

// sessionKeys are the keys that make up one logical session.
var sessionKeys = []string{KeyToken, KeyLegacyToken, KeyRole, KeyIdentity}

// Session is the client's view of the logged-in user.
type Session struct {
	Credential string `json:"credential"`
	Role       string `json:"role"`
	Identity   string `json:"identity"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is a durable, process-external key/value store for session state.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Token reads the bearer credential from the store, accepting either the
// current or the legacy key name. Returns "" when neither is present.
func Token(s Store) (string, error) {
	for _, key := range []string{KeyToken, KeyLegacyToken} {
		v, err := s.Get(key)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
	}
	return "", nil
}

// Save persists a freshly-created session under the current key names.
func Save(s Store, sess Session) error {
	if err := s.Set(KeyToken, sess.Credential); err != nil {
		return err
	}
	if err := s.Set(KeyRole, sess.Role); err != nil {
		return err
	}
	return s.Set(KeyIdentity, sess.Identity)
}

// Current reassembles the Session from the store. The returned Session has an
// empty Credential when no login state is present.
func Current(s Store) (Session, error) {
	cred, err := Token(s)
	if err != nil {
		return Session{}, err
	}
	role, err := s.Get(KeyRole)
	if err != nil {
		return Session{}, err
	}
	identity, err := s.Get(KeyIdentity)
	if err != nil {
		return Session{}, err
	}
	return Session{Credential: cred, Role: role, Identity: identity}, nil
}

// Clear removes every session key, legacy credential key included. It keeps
// going on error and returns the first failure so cleanup stays best-effort.
func Clear(s Store) error {
	var firstErr error
	for _, key := range sessionKeys {
		if err := s.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

// FileStore persists session state as a JSON object in a single file,
// the durable equivalent of the browser app's local storage. Thread-safe.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file path. The file and
// its parent directory are created lazily on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Get(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return "", err
	}
	return m[key], nil
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = value
	return f.save(m)
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return f.save(m)
}

func (f *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	m := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse session file: %w", err)
		}
	}
	return m, nil
}

func (f *FileStore) save(m map[string]string) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	// Write-and-rename so a crash mid-write never leaves a corrupt file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe, in-memory Store for tests and the sandbox.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string

	// FailDelete, when set, makes every Delete return this error. Used to
	// exercise best-effort cleanup paths.
	FailDelete error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	if m.FailDelete != nil {
		return m.FailDelete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
