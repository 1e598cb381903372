// Package history keeps a small, bounded record of past searches in a
// storage.Store. Every operation is non-throwing: corrupt data reads as empty,
// quota pressure shrinks what is kept, and failures are logged.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/amirhf/imageSearch/services/lookalike-go/models"
	"github.com/amirhf/imageSearch/services/lookalike-go/storage"
)

const (
	// DefaultKey is the storage key holding the serialized history list.
	DefaultKey = "search_history"

	// MaxEntries is how many entries survive a save.
	MaxEntries = 5
	// FallbackEntries is how many survive when MaxEntries does not fit the quota.
	FallbackEntries = 2
	// MaxResults is how many results each entry keeps.
	MaxResults = 3
	// MaxImageChars caps each stored result image.
	MaxImageChars = 1000
)

// CredentialPolicy decides what happens to history when the caller has no credential.
type CredentialPolicy int

const (
	// KeepWithoutCredential leaves history alone.
	KeepWithoutCredential CredentialPolicy = iota
	// ClearWithoutCredential treats a missing credential as a stale session and clears history.
	ClearWithoutCredential
)

// Cache is the history store for one key.
type Cache struct {
	store  storage.Store
	key    string
	logger *slog.Logger
	now    func() time.Time
	policy CredentialPolicy

	mu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

func WithKey(key string) Option {
	return func(c *Cache) {
		if key != "" {
			c.key = key
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithCredentialPolicy(p CredentialPolicy) Option {
	return func(c *Cache) { c.policy = p }
}

// New creates a Cache over store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		key:    DefaultKey,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the storage key this cache writes to.
func (c *Cache) Key() string { return c.key }

// Save stores a trimmed copy of entry, replacing any entry with the same id,
// and keeps only the newest MaxEntries. If that does not fit, it keeps
// FallbackEntries. It returns the number of entries persisted, or 0 on failure.
func (c *Cache) Save(ctx context.Context, entry models.HistoryEntry) int {
	if entry.ID == "" {
		c.logger.Warn("history save skipped: entry has no id")
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	safe := Trim(entry)
	if safe.Timestamp == 0 {
		safe.Timestamp = c.now().UnixMilli()
	}

	entries, err := c.load(ctx)
	if err != nil {
		c.logger.Error("history save skipped: stored history unreadable", "key", c.key, "err", err)
		return 0
	}
	replaced := false
	for i := range entries {
		if entries[i].ID == safe.ID {
			entries[i] = safe
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, safe)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	err = c.persist(ctx, entries)
	if err == nil {
		return len(entries)
	}
	c.logger.Warn("history save failed, retrying with fewer entries",
		"key", c.key, "entries", len(entries), "keep", FallbackEntries, "err", err)

	if len(entries) > FallbackEntries {
		entries = entries[:FallbackEntries]
	}
	if err := c.persist(ctx, entries); err != nil {
		c.logger.Error("history save failed", "key", c.key, "entries", len(entries), "err", err)
		return 0
	}
	return len(entries)
}

// GetAll returns the stored entries, newest first as saved. It never fails.
func (c *Cache) GetAll(ctx context.Context) []models.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("history read failed", "key", c.key, "err", err)
		return []models.HistoryEntry{}
	}
	return entries
}

// DeleteByID removes the entry with id and returns how many remain, or 0 on failure.
func (c *Cache) DeleteByID(ctx context.Context, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load(ctx)
	if err != nil {
		c.logger.Error("history delete skipped: stored history unreadable", "key", c.key, "id", id, "err", err)
		return 0
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if err := c.persist(ctx, kept); err != nil {
		c.logger.Error("history delete failed", "key", c.key, "id", id, "err", err)
		return 0
	}
	return len(kept)
}

// ClearAll removes the stored list. It returns false only if storage fails.
func (c *Cache) ClearAll(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Remove(ctx, c.key); err != nil {
		c.logger.Error("history clear failed", "key", c.key, "err", err)
		return false
	}
	return true
}

// EnforceCredential applies the credential policy and reports whether history
// was cleared.
func (c *Cache) EnforceCredential(ctx context.Context, present bool) bool {
	if present || c.policy != ClearWithoutCredential {
		return false
	}
	c.logger.Info("clearing history for session without credential", "key", c.key)
	return c.ClearAll(ctx)
}

// load reads and parses the stored list. Missing, unparsable, or non-list
// data reads as empty and malformed elements are dropped. A failed storage
// read is returned so callers never overwrite history they could not see.
func (c *Cache) load(ctx context.Context) ([]models.HistoryEntry, error) {
	raw, err := c.store.Get(ctx, c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []models.HistoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.logger.Warn("history data is not a list, treating as empty", "key", c.key, "err", err)
		return []models.HistoryEntry{}, nil
	}

	entries := make([]models.HistoryEntry, 0, len(items))
	for _, item := range items {
		var e models.HistoryEntry
		if err := json.Unmarshal(item, &e); err != nil || e.ID == "" {
			c.logger.Warn("dropping malformed history entry", "key", c.key)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Cache) persist(ctx context.Context, entries []models.HistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.key, string(data))
}
