package idmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type MemoryBackend struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out, nil
}

func (b *MemoryBackend) Save(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]Entry, len(entries))
	copy(b.entries, entries)
	return nil
}

type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load(context.Context) ([]Entry, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func (b *FileBackend) Save(_ context.Context, entries []Entry) error {
	if b == nil || b.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(document{Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

type BackendFactory func(dsn string) (Backend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory installs a factory for a DSN scheme. Registered
// factories take precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	factory, ok := backendRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN picks a backend from the DSN scheme: memory://,
// file://path (or a bare path), sqlite://path, postgres://..., or any
// scheme added through RegisterBackendFactory (datastore:// is registered
// by the CLI once an API client exists).
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		backend, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "datastore":
		return nil, fmt.Errorf("%w: datastore backend requires an API client; register it first", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unsupported id mapping backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
