package idmap

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/provisioner/internal/metadata"
)

type Entry struct {
	ResourceType metadata.ResourceType `json:"resourceType"`
	ForeignID    string                `json:"foreignId"`
	LocalID      string                `json:"localId"`
	DiscoveredAt time.Time             `json:"discoveredAt"`
}

// Backend persists the whole table. Load returns an empty slice, not an
// error, when nothing has been stored yet.
type Backend interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
}

type document struct {
	Entries []Entry `json:"entries"`
}

type entryKey struct {
	rt        metadata.ResourceType
	foreignID string
}

type Options struct {
	Backend Backend
	Logger  *slog.Logger
	// Deferred disables write-through; entries reach the backend only on
	// Persist.
	Deferred bool
	Now      func() time.Time
}

// Cache maps unreachable foreign identifiers to local substitutes. It loads
// lazily on first use and never drops entries except through Clear. Backend
// failures are logged and swallowed; the in-memory table stays
// authoritative for the rest of the process.
type Cache struct {
	mu       sync.Mutex
	backend  Backend
	logger   *slog.Logger
	deferred bool
	now      func() time.Time
	loaded   bool
	entries  map[entryKey]Entry
}

func New(opts Options) *Cache {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		backend:  backend,
		logger:   logger,
		deferred: opts.Deferred,
		now:      now,
		entries:  map[entryKey]Entry{},
	}
}

func (c *Cache) Lookup(ctx context.Context, rt metadata.ResourceType, foreignID string) (string, bool) {
	foreignID = strings.TrimSpace(foreignID)
	if foreignID == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	entry, ok := c.entries[entryKey{rt: rt, foreignID: foreignID}]
	if !ok {
		return "", false
	}
	return entry.LocalID, true
}

// Record stores foreignID -> localID. An existing mapping for foreignID is
// kept; entries change only through Clear or Supersede.
func (c *Cache) Record(ctx context.Context, rt metadata.ResourceType, foreignID, localID string) {
	c.store(ctx, rt, foreignID, localID, false)
}

// Supersede replaces the mapping for foreignID. It is meant for the case where
// the previously mapped local id was found to be unreachable on the server.
func (c *Cache) Supersede(ctx context.Context, rt metadata.ResourceType, foreignID, localID string) {
	c.store(ctx, rt, foreignID, localID, true)
}

func (c *Cache) store(ctx context.Context, rt metadata.ResourceType, foreignID, localID string, replace bool) {
	foreignID = strings.TrimSpace(foreignID)
	localID = strings.TrimSpace(localID)
	if foreignID == "" || localID == "" || foreignID == localID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	k := entryKey{rt: rt, foreignID: foreignID}
	if existing, ok := c.entries[k]; ok {
		if existing.LocalID == localID {
			return
		}
		if !replace {
			c.logger.Warn("keeping existing id mapping", "type", rt, "foreign_id", foreignID, "local_id", existing.LocalID, "ignored_local_id", localID)
			return
		}
		c.logger.Warn("superseding unreachable id mapping", "type", rt, "foreign_id", foreignID, "old_local_id", existing.LocalID, "local_id", localID)
	}
	c.entries[k] = Entry{ResourceType: rt, ForeignID: foreignID, LocalID: localID, DiscoveredAt: c.now().UTC()}
	if c.deferred {
		return
	}
	if err := c.backend.Save(ctx, c.snapshotLocked()); err != nil {
		c.logger.Warn("id mapping persistence failed; continuing in memory", "error", err)
	}
}

// LoadAll forces a (re)load from the backend, merging over in-memory entries.
func (c *Cache) LoadAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.backend.Load(ctx)
	c.loaded = true
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.ForeignID == "" || entry.LocalID == "" {
			continue
		}
		c.entries[entryKey{rt: entry.ResourceType, foreignID: entry.ForeignID}] = entry
	}
	return nil
}

func (c *Cache) Persist(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return c.backend.Save(ctx, c.snapshotLocked())
}

// Clear is the only way entries leave the table.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[entryKey]Entry{}
	c.loaded = true
	return c.backend.Save(ctx, []Entry{})
}

func (c *Cache) Entries(ctx context.Context) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return c.snapshotLocked()
}

func (c *Cache) Len(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(ctx)
	return len(c.entries)
}

func (c *Cache) ensureLoadedLocked(ctx context.Context) {
	if c.loaded {
		return
	}
	c.loaded = true
	entries, err := c.backend.Load(ctx)
	if err != nil {
		c.logger.Warn("id mapping load failed; starting empty", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.ForeignID == "" || entry.LocalID == "" {
			continue
		}
		k := entryKey{rt: entry.ResourceType, foreignID: entry.ForeignID}
		if _, ok := c.entries[k]; !ok {
			c.entries[k] = entry
		}
	}
	c.logger.Debug("id mapping loaded", "entries", len(c.entries))
}

func (c *Cache) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ResourceType != entries[j].ResourceType {
			return entries[i].ResourceType < entries[j].ResourceType
		}
		return entries[i].ForeignID < entries[j].ForeignID
	})
}
