package livesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by drivers when a key is absent.
var ErrKeyNotFound = errors.New("key not found")

// GlobalScope is the reserved scope for records that are not per-user.
const GlobalScope = "_global"

// ============================================================================
// Driver
// ============================================================================

// Driver is a raw namespaced byte store. KeyValueStore adds scoping rules and
// serialization on top of it.
type Driver interface {
	Get(scope, key string) ([]byte, error)
	Set(scope, key string, val []byte) error
	Delete(scope, key string) error
	DeleteScope(scope string) error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory driver.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStorage creates a new in-memory driver.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]map[string][]byte)}
}

func (s *MemoryStorage) Get(scope, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[scope][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStorage) Set(scope, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[scope] == nil {
		s.data[scope] = make(map[string][]byte)
	}
	s.data[scope][key] = append([]byte(nil), val...)
	return nil
}

func (s *MemoryStorage) Delete(scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[scope], key)
	return nil
}

func (s *MemoryStorage) DeleteScope(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, scope)
	return nil
}

// Keys lists the keys held for scope.
func (s *MemoryStorage) Keys(scope string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[scope]))
	for k := range s.data[scope] {
		keys = append(keys, k)
	}
	return keys
}

// ============================================================================
// FileStorage
// ============================================================================

// FileStorage keeps every scope in memory and mirrors it to one JSON document
// per scope in Dir. Writes reach disk in the background; Wait blocks until
// they have.
type FileStorage struct {
	*MemoryStorage
	Dir string

	fileMu sync.Mutex
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewFileStorage loads every scope document found in dir.
func NewFileStorage(dir string, logger *slog.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileStorage{MemoryStorage: NewMemoryStorage(), Dir: dir, logger: logger}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unreadable cache file", slog.String("file", name), slog.Any("error", err))
			continue
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(content, &doc); err != nil {
			logger.Warn("skipping corrupt cache file", slog.String("file", name), slog.Any("error", err))
			continue
		}
		scope, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logger.Warn("skipping misnamed cache file", slog.String("file", name), slog.Any("error", err))
			continue
		}
		for k, v := range doc {
			fs.MemoryStorage.Set(scope, k, v)
		}
	}
	return fs, nil
}

func (f *FileStorage) Set(scope, key string, val []byte) error {
	if !json.Valid(val) {
		return fmt.Errorf("file storage only holds JSON values (key %q)", key)
	}
	if err := f.MemoryStorage.Set(scope, key, val); err != nil {
		return err
	}
	f.persist(scope)
	return nil
}

func (f *FileStorage) Delete(scope, key string) error {
	if err := f.MemoryStorage.Delete(scope, key); err != nil {
		return err
	}
	f.persist(scope)
	return nil
}

func (f *FileStorage) DeleteScope(scope string) error {
	if err := f.MemoryStorage.DeleteScope(scope); err != nil {
		return err
	}
	f.persist(scope)
	return nil
}

// Wait blocks until queued disk writes have completed.
func (f *FileStorage) Wait() {
	f.wg.Wait()
}

func (f *FileStorage) persist(scope string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.writeScope(scope); err != nil {
			f.logger.Warn("cache persist failed", slog.String("scope", scope), slog.Any("error", err))
		}
	}()
}

// writeScope snapshots scope under fileMu so that the last queued write wins
// on disk.
func (f *FileStorage) writeScope(scope string) error {
	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	path := filepath.Join(f.Dir, scopeFileName(scope))

	f.MemoryStorage.mu.RLock()
	doc := make(map[string]json.RawMessage, len(f.MemoryStorage.data[scope]))
	for k, v := range f.MemoryStorage.data[scope] {
		doc[k] = append(json.RawMessage(nil), v...)
	}
	f.MemoryStorage.mu.RUnlock()

	if len(doc) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// scopeFileName maps scope to a single path element that NewFileStorage can
// map back.
func scopeFileName(scope string) string {
	return url.PathEscape(scope) + ".json"
}

// ============================================================================
// KeyValueStore
// ============================================================================

// KeyValueStore namespaces values by user scope. Calls with an invalid scope
// are expected before authentication: reads miss and writes are dropped.
type KeyValueStore struct {
	driver Driver
	logger *slog.Logger
}

// NewKeyValueStore wraps driver.
func NewKeyValueStore(driver Driver, logger *slog.Logger) *KeyValueStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyValueStore{driver: driver, logger: logger.With(slog.String("component", "kvstore"))}
}

// ValidScope reports whether scope can hold per-user data.
func ValidScope(scope string) bool {
	s := strings.TrimSpace(scope)
	if s == "" || s != scope {
		return false
	}
	switch strings.ToLower(s) {
	case "undefined", "null", "nil":
		return false
	}
	return !strings.HasPrefix(s, "_")
}

// Get decodes the value at (scope, key) into v. It returns false on a miss,
// an invalid scope, or an undecodable value.
func (s *KeyValueStore) Get(scope, key string, v any) bool {
	if !ValidScope(scope) {
		return false
	}
	return s.get(scope, key, v)
}

func (s *KeyValueStore) Set(scope, key string, v any) {
	if !ValidScope(scope) {
		return
	}
	s.set(scope, key, v)
}

func (s *KeyValueStore) Remove(scope, key string) {
	if !ValidScope(scope) {
		return
	}
	if err := s.driver.Delete(scope, key); err != nil {
		s.logger.Warn("remove failed", slog.String("key", key), slog.Any("error", err))
	}
}

// RemoveAllForScope drops every value held for scope.
func (s *KeyValueStore) RemoveAllForScope(scope string) {
	if !ValidScope(scope) {
		return
	}
	if err := s.driver.DeleteScope(scope); err != nil {
		s.logger.Warn("scope removal failed", slog.String("scope", scope), slog.Any("error", err))
	}
}

// GetGlobal reads an un-namespaced record.
func (s *KeyValueStore) GetGlobal(key string, v any) bool {
	return s.get(GlobalScope, key, v)
}

func (s *KeyValueStore) SetGlobal(key string, v any) {
	s.set(GlobalScope, key, v)
}

func (s *KeyValueStore) RemoveGlobal(key string) {
	if err := s.driver.Delete(GlobalScope, key); err != nil {
		s.logger.Warn("remove failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *KeyValueStore) get(scope, key string, v any) bool {
	raw, err := s.driver.Get(scope, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.logger.Warn("read failed", slog.String("key", key), slog.Any("error", err))
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Debug("discarding undecodable value", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

func (s *KeyValueStore) set(scope, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("value not serializable", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := s.driver.Set(scope, key, raw); err != nil {
		s.logger.Warn("write failed", slog.String("key", key), slog.Any("error", err))
	}
}
