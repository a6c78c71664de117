// Package cache is the two-tier recommendation cache: a process-wide volatile
// map in front of a durable store.
//
// Reads are served from the volatile tier only (unless ReadDurableFallback is
// configured); the durable tier warms the volatile tier at startup. Writes go
// to the volatile tier synchronously and to the durable tier in the
// background, in order per subject.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/metrics"
	"github.com/dwellwise/dwellwise/pkg/models"
)

// DefaultTTL is how long an entry stays fresh.
const DefaultTTL = time.Hour

// ErrEmptySubject is returned for writes without a subject id.
var ErrEmptySubject = errors.New("cache: empty subject id")

// ReadPolicy selects what Get does on a volatile miss.
type ReadPolicy string

const (
	// ReadVolatile treats a volatile miss as a cache miss.
	ReadVolatile ReadPolicy = "volatile"
	// ReadDurableFallback loads a volatile miss from the durable tier.
	ReadDurableFallback ReadPolicy = "durable-fallback"
)

// State is the lifecycle state of one subject's entry.
type State int

const (
	// Empty means no entry is held for the subject.
	Empty State = iota
	// Writing means the volatile entry is set and its durable write is pending.
	Writing
	// Valid means the entry is within its TTL and persisted (or persisting failed).
	Valid
	// Stale means the entry outlived its TTL.
	Stale
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Writing:
		return "writing"
	case Valid:
		return "valid"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Durable is the persisted tier.
type Durable interface {
	Insert(ctx context.Context, entry models.CacheEntry, expiresAt time.Time) error
	MarkStale(ctx context.Context, subjectID string) error
	LoadValid(ctx context.Context, now time.Time) ([]models.CacheEntry, error)
	LoadSubject(ctx context.Context, subjectID string, now time.Time) (models.CacheEntry, bool, error)
}

// Replacer is implemented by durable tiers that can demote and insert in one
// transaction.
type Replacer interface {
	Replace(ctx context.Context, entry models.CacheEntry, expiresAt time.Time) error
}

// Options configures a Cache.
type Options struct {
	TTL        time.Duration
	ReadPolicy ReadPolicy
	// AtomicPersist uses Replacer when the durable tier supports it.
	AtomicPersist bool
	// PersistTimeout bounds each background durable write.
	PersistTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type slot struct {
	mu      sync.Mutex
	state   State
	entry   models.CacheEntry
	gen     uint64
	persist chan struct{} // closed when the latest queued durable op finishes
}

// Cache is the two-tier recommendation cache.
type Cache struct {
	durable Durable
	opts    Options
	log     *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot

	wg     sync.WaitGroup
	hits   atomic.Int64
	misses atomic.Int64
	stale  atomic.Int64
}

// New creates a Cache over durable. A nil durable keeps the cache volatile only.
func New(durable Durable, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ReadPolicy == "" {
		opts.ReadPolicy = ReadVolatile
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		durable: durable,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("cache"),
		slots:   make(map[string]*slot),
	}
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.opts.TTL }

func (c *Cache) slot(subjectID string, create bool) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slots[subjectID]
	if s == nil && create {
		s = &slot{}
		c.slots[subjectID] = s
	}
	return s
}

// Get returns the subject's entry. A fresh entry has Status valid; an entry
// past its TTL is still returned with Status stale.
func (c *Cache) Get(ctx context.Context, subjectID string) (models.CacheEntry, bool) {
	// Once a subject is written or invalidated in this process, the volatile
	// tier is authoritative for it.
	written := false
	if s := c.slot(subjectID, false); s != nil {
		s.mu.Lock()
		if s.state != Empty {
			e := c.view(s)
			s.mu.Unlock()
			c.count(e.Status)
			return e, true
		}
		written = s.gen > 0
		s.mu.Unlock()
	}

	if c.opts.ReadPolicy == ReadDurableFallback && c.durable != nil && !written {
		if e, ok := c.loadDurable(ctx, subjectID); ok {
			c.count(e.Status)
			return e, true
		}
	}

	c.misses.Add(1)
	c.opts.Metrics.CacheLookup("miss")
	return models.CacheEntry{}, false
}

// view returns a copy of the slot's entry with its current status and moves
// an expired entry to Stale. s.mu must be held.
func (c *Cache) view(s *slot) models.CacheEntry {
	if s.state != Stale && c.opts.Clock().Sub(s.entry.CachedAt) >= c.opts.TTL {
		s.state = Stale
	}
	e := s.entry
	e.Actions = cloneActions(s.entry.Actions)
	e.Status = models.StatusValid
	if s.state == Stale {
		e.Status = models.StatusStale
	}
	return e
}

func (c *Cache) count(status models.EntryStatus) {
	if status == models.StatusStale {
		c.stale.Add(1)
		c.opts.Metrics.CacheLookup("stale")
		return
	}
	c.hits.Add(1)
	c.opts.Metrics.CacheLookup("hit")
}

func (c *Cache) loadDurable(ctx context.Context, subjectID string) (models.CacheEntry, bool) {
	e, ok, err := c.durable.LoadSubject(ctx, subjectID, c.opts.Clock())
	if err != nil {
		logging.FromContext(ctx, c.log).Warn("durable read failed", zap.String("subject_id", subjectID), zap.Error(err))
		return models.CacheEntry{}, false
	}
	if !ok {
		return models.CacheEntry{}, false
	}
	s := c.slot(subjectID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	// A Put or Invalidate that landed during the read wins.
	if s.state == Empty && s.gen == 0 {
		s.entry = e
		s.state = Valid
	}
	if s.state == Empty {
		return models.CacheEntry{}, false
	}
	return c.view(s), true
}

// Put stores actions for the subject. The volatile write is visible to the
// next Get before Put returns; the durable write happens in the background.
func (c *Cache) Put(ctx context.Context, subjectID string, actions []models.RecommendedAction) error {
	if subjectID == "" {
		return ErrEmptySubject
	}
	entry := models.CacheEntry{
		SubjectID: subjectID,
		Actions:   withIDs(actions),
		CachedAt:  c.opts.Clock(),
		Status:    models.StatusValid,
	}

	s := c.slot(subjectID, true)
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.entry = entry
	s.state = Writing
	if c.durable == nil {
		s.state = Valid
		s.mu.Unlock()
		return nil
	}
	durableEntry := entry
	durableEntry.Actions = cloneActions(entry.Actions)
	c.enqueue(ctx, s, func(ctx context.Context) {
		err := c.persist(ctx, durableEntry)
		s.mu.Lock()
		if s.gen == gen && s.state == Writing {
			s.state = Valid
		}
		s.mu.Unlock()
		if err != nil {
			logging.FromContext(ctx, c.log).Error("persist recommendation", zap.String("subject_id", subjectID), zap.Error(err))
		}
	})
	s.mu.Unlock()
	return nil
}

func (c *Cache) persist(ctx context.Context, e models.CacheEntry) error {
	expires := e.CachedAt.Add(c.opts.TTL)
	if r, ok := c.durable.(Replacer); ok && c.opts.AtomicPersist {
		err := r.Replace(ctx, e, expires)
		c.opts.Metrics.CachePersist("replace", err)
		return err
	}
	// Not transactional: a crash between the two statements leaves two
	// valid rows, which LoadValid resolves by latest cached_at.
	if err := c.durable.MarkStale(ctx, e.SubjectID); err != nil {
		c.opts.Metrics.CachePersist("mark_stale", err)
		return err
	}
	c.opts.Metrics.CachePersist("mark_stale", nil)
	err := c.durable.Insert(ctx, e, expires)
	c.opts.Metrics.CachePersist("insert", err)
	return err
}

// Invalidate drops the subject's volatile entry and demotes its durable rows
// in the background.
func (c *Cache) Invalidate(ctx context.Context, subjectID string) {
	s := c.slot(subjectID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.entry = models.CacheEntry{}
	s.state = Empty
	if c.durable == nil {
		return
	}
	c.enqueue(ctx, s, func(ctx context.Context) {
		err := c.durable.MarkStale(ctx, subjectID)
		c.opts.Metrics.CachePersist("mark_stale", err)
		if err != nil {
			logging.FromContext(ctx, c.log).Error("invalidate recommendation", zap.String("subject_id", subjectID), zap.Error(err))
		}
	})
}

// enqueue runs op after every op previously queued for the same subject.
// Subjects never wait on each other. s.mu must be held.
func (c *Cache) enqueue(ctx context.Context, s *slot, op func(context.Context)) {
	prev := s.persist
	done := make(chan struct{})
	s.persist = done

	// The durable write outlives the caller's request.
	base := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		opCtx, cancel := context.WithTimeout(base, c.opts.PersistTimeout)
		defer cancel()
		op(opCtx)
	}()
}

// Warm loads the newest valid durable entry per subject into the volatile
// tier. Subjects already held in memory are left alone.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.durable == nil {
		return 0, nil
	}
	entries, err := c.durable.LoadValid(ctx, c.opts.Clock())
	if err != nil {
		return 0, fmt.Errorf("warm cache: %w", err)
	}
	warmed := 0
	for _, e := range entries {
		s := c.slot(e.SubjectID, true)
		s.mu.Lock()
		if s.state == Empty && s.gen == 0 {
			s.entry = e
			s.state = Valid
			warmed++
		}
		s.mu.Unlock()
	}
	c.log.Info("cache warmed", zap.Int("entries", warmed))
	return warmed, nil
}

// State returns the lifecycle state of the subject's entry.
func (c *Cache) State(subjectID string) State {
	s := c.slot(subjectID, false)
	if s == nil {
		return Empty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Empty {
		return Empty
	}
	c.view(s)
	return s.state
}

// Flush waits for queued durable writes, or for ctx to end.
func (c *Cache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports volatile entries and lookup counters.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	slots := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	var entries int64
	for _, s := range slots {
		s.mu.Lock()
		if s.state != Empty {
			entries++
		}
		s.mu.Unlock()
	}
	return models.CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stale:   c.stale.Load(),
	}
}

func cloneActions(in []models.RecommendedAction) []models.RecommendedAction {
	if in == nil {
		return nil
	}
	out := make([]models.RecommendedAction, len(in))
	copy(out, in)
	return out
}

func withIDs(in []models.RecommendedAction) []models.RecommendedAction {
	out := cloneActions(in)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		if out[i].Kind == "" {
			out[i].Kind = models.ActionArtifact
		}
	}
	return out
}
