package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/observe"
	"github.com/felixgeelhaar/enkidu/internal/store"
)

// Cache owns the in-memory snapshot and its file. It is shared read-through
// by every caller in a process; writers invalidate it instead of locking.
type Cache struct {
	store   store.Storage
	layout  guard.Layout
	observe *observe.Observer
	now     func() time.Time

	mu   sync.Mutex
	snap *Snapshot
}

func NewCache(s store.Storage, l guard.Layout, o *observe.Observer) *Cache {
	return &Cache{
		store:   s,
		layout:  l,
		observe: observe.OrDiscard(o),
		now:     time.Now,
	}
}

// Key is the index key for a record: its location relative to the data dir.
func (c *Cache) Key(r store.Record) string {
	loc := c.layout.Location(r.ID, r.ThreadID, r.Tags)
	if rel, err := filepath.Rel(c.layout.DataDir(), loc); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(loc)
}

// Snapshot returns the cached snapshot, loading it from disk on a miss and
// rebuilding it when the file does not exist.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	snap := c.snap
	c.mu.Unlock()
	if snap != nil {
		return snap, nil
	}

	snap, err := Load(c.layout.SnapshotPath())
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return c.Rebuild(ctx)
	default:
		c.observe.Log().Warn().Err(err).Msg("index snapshot unreadable, rebuilding")
		return c.Rebuild(ctx)
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap, nil
}

// Rebuild derives a fresh snapshot from the store and persists it. Chat
// turns are not indexed.
func (c *Cache) Rebuild(ctx context.Context) (*Snapshot, error) {
	res, err := c.store.Query(ctx, store.Filter{ExcludeTags: []string{guard.TagChat}})
	if err != nil {
		return nil, fmt.Errorf("failed to load records for index: %w", err)
	}

	entries := Build(res.Records, c.Key)
	snap := &Snapshot{
		GeneratedAt: c.now().UTC(),
		Count:       len(entries),
		Entries:     entries,
	}
	if err := Save(c.layout.SnapshotPath(), snap); err != nil {
		return nil, fmt.Errorf("failed to persist index snapshot: %w", err)
	}

	c.observe.Log().Info().Int("entries", snap.Count).Msg("index rebuilt")

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot and its file.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()

	if err := os.Remove(c.layout.SnapshotPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.observe.Log().Warn().Err(err).Msg("failed to remove index snapshot")
	}
}

// Forget drops only the in-memory snapshot, keeping the file. Used when the
// file changed on disk.
func (c *Cache) Forget() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// TopN ranks the snapshot against query. Entries whose record no longer
// exists are skipped.
func (c *Cache) TopN(ctx context.Context, query string, n int) ([]Hit, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.Entries) == 0 || n <= 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		ids = append(ids, e.ID)
	}
	res, err := c.store.Query(ctx, store.Filter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve index bodies: %w", err)
	}

	bodies := make(map[string]string, len(res.Records))
	for _, r := range res.Records {
		bodies[r.ID] = r.Body
	}
	live := make([]Entry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if _, ok := bodies[e.ID]; ok {
			live = append(live, e)
		}
	}
	return Rank(query, live, bodies, n), nil
}
