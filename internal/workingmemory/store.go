// Package workingmemory implements the bounded key/value store with
// priority-driven eviction, scope-based lifecycle, and the tiered prefix
// convention (raw -> summary -> findings) described in spec.md §4.2.
//
// Ground: the eviction ordering and pinned-preservation logic generalize
// the teacher's internal/context/truncation.go Truncator (which truncates
// a message list the same way: skip pinned, then evict by priority/age);
// the mutex-guarded map and size bookkeeping generalize
// internal/cache/dedupe.go's DedupeCache.
package workingmemory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// Config controls store-wide limits, following the teacher's
// Default*Config/sanitize*Config convention (internal/agent/loop.go's
// LoopConfig).
type Config struct {
	MaxSizeBytes         int     `yaml:"maxSizeBytes"`
	DescriptionMaxLength int     `yaml:"descriptionMaxLength"`
	SoftLimitPercent     float64 `yaml:"softLimitPercent"`
}

// DefaultConfig returns the spec's documented defaults:
// descriptionMaxLength=150, softLimitPercent=80.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:         10 << 20, // 10MiB, no documented default; a generous bound
		DescriptionMaxLength: models.DescriptionMaxLength,
		SoftLimitPercent:     80,
	}
}

func sanitizeConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = d.MaxSizeBytes
	}
	if cfg.DescriptionMaxLength <= 0 {
		cfg.DescriptionMaxLength = d.DescriptionMaxLength
	}
	if cfg.SoftLimitPercent <= 0 {
		cfg.SoftLimitPercent = d.SoftLimitPercent
	}
	return cfg
}

// Store is the bounded working-memory implementation of
// models.WorkingMemory.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*models.MemoryEntry
	totalSize int
	cfg       Config
	logger    *slog.Logger

	statusLookup func(taskID string) (models.TaskStatus, bool)
}

// New constructs a Store. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*models.MemoryEntry),
		cfg:     sanitizeConfig(cfg),
		logger:  logger.With("component", "workingmemory"),
	}
}

// WithScope sets the entry's lifecycle scope (default: session).
func WithScope(scope models.Scope) models.MemorySetOption {
	return func(e *models.MemoryEntry) { e.Scope = scope }
}

// WithPriority explicitly sets the entry's eviction priority, overriding
// the tier-prefix default.
func WithPriority(p models.Priority) models.MemorySetOption {
	return func(e *models.MemoryEntry) {
		e.Priority = p
		e.PriorityExplicit = true
	}
}

// WithPinned exempts the entry from eviction entirely.
func WithPinned(pinned bool) models.MemorySetOption {
	return func(e *models.MemoryEntry) { e.Pinned = pinned }
}

// WithTier records the tier-prefix hint explicitly (usually inferred from
// the key, but callers may override for keys outside the convention).
func WithTier(tier string) models.MemorySetOption {
	return func(e *models.MemoryEntry) { e.Tier = tier }
}

// Set inserts or replaces an entry, evicting lower-priority entries under
// size pressure per spec.md §4.2's strict eviction order.
func (s *Store) Set(key, description string, value any, opts ...models.MemorySetOption) error {
	if !models.ValidKey(key) {
		return models.NewError(models.ErrorKeyFormat, fmt.Sprintf("invalid memory key %q", key))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(description) > s.cfg.DescriptionMaxLength {
		return models.NewError(models.ErrorKeyFormat,
			fmt.Sprintf("description exceeds max length %d", s.cfg.DescriptionMaxLength))
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return models.WrapError(models.ErrorValueTooLarge, "value is not JSON-serializable", err)
	}
	sizeBytes := len(raw)
	if sizeBytes > s.cfg.MaxSizeBytes {
		return models.NewError(models.ErrorValueTooLarge,
			fmt.Sprintf("entry size %d exceeds max %d", sizeBytes, s.cfg.MaxSizeBytes))
	}

	now := time.Now()
	entry := &models.MemoryEntry{
		Key:            key,
		Description:    description,
		Value:          value,
		SizeBytes:      sizeBytes,
		Scope:          models.SessionScope(),
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
	}
	for _, opt := range opts {
		opt(entry)
	}

	existingSize := 0
	if old, ok := s.entries[key]; ok {
		existingSize = old.SizeBytes
	}
	projectedTotal := s.totalSize - existingSize + sizeBytes

	if projectedTotal > s.cfg.MaxSizeBytes {
		if err := s.evictToFit(key, projectedTotal-s.cfg.MaxSizeBytes); err != nil {
			return err
		}
		// Recompute after eviction.
		existingSize = 0
		if old, ok := s.entries[key]; ok {
			existingSize = old.SizeBytes
		}
		projectedTotal = s.totalSize - existingSize + sizeBytes
		if projectedTotal > s.cfg.MaxSizeBytes {
			return models.NewError(models.ErrorMemoryFull, "cannot free enough space for new entry")
		}
	}

	s.totalSize = projectedTotal
	s.entries[key] = entry
	if s.utilization() >= s.cfg.SoftLimitPercent/100 {
		s.logger.Warn("working memory above soft limit",
			"utilization", s.utilization(), "totalSize", s.totalSize, "maxSizeBytes", s.cfg.MaxSizeBytes)
	}
	return nil
}

func (s *Store) utilization() float64 {
	if s.cfg.MaxSizeBytes <= 0 {
		return 0
	}
	return float64(s.totalSize) / float64(s.cfg.MaxSizeBytes)
}

// evictToFit frees at least needed bytes, skipping keepKey and following
// the strict order: (1) skip pinned; (2) drop terminal task-scope garbage;
// (3) ascending effective priority, LRU within a band. Returns
// models.ErrorMemoryFull if the bytes needed can't be freed without
// touching a pinned entry.
func (s *Store) evictToFit(keepKey string, needed int) error {
	type candidate struct {
		key      string
		entry    *models.MemoryEntry
		garbage  bool
	}
	var candidates []candidate
	for k, e := range s.entries {
		if k == keepKey || e.Pinned {
			continue
		}
		garbage := e.Scope.Kind == models.ScopeKindTaskSet && allTerminal(e.Scope.TaskIDs, s.taskStatus)
		candidates = append(candidates, candidate{key: k, entry: e, garbage: garbage})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.garbage != b.garbage {
			return a.garbage // garbage first
		}
		pa, pb := a.entry.EffectivePriority(), b.entry.EffectivePriority()
		if pa != pb {
			return pa < pb // ascending priority: evict low before high
		}
		return a.entry.LastAccessedAt.Before(b.entry.LastAccessedAt)
	})

	freed := 0
	for _, c := range candidates {
		if freed >= needed {
			break
		}
		freed += c.entry.SizeBytes
		s.totalSize -= c.entry.SizeBytes
		delete(s.entries, c.key)
		s.logger.Debug("evicted memory entry", "key", c.key, "garbage", c.garbage,
			"priority", c.entry.EffectivePriority().String())
	}
	if freed < needed {
		return models.NewError(models.ErrorMemoryFull, "insufficient evictable entries")
	}
	return nil
}

// taskStatus resolves a task id through the lookup set by
// SetTaskStatusLookup, so task-scope garbage collection can consult live
// plan state without this package depending on internal/routine. With no
// lookup set, every task id reports unknown.
func (s *Store) taskStatus(taskID string) (models.TaskStatus, bool) {
	if s.statusLookup == nil {
		return "", false
	}
	return s.statusLookup(taskID)
}

func allTerminal(taskIDs []string, lookup func(string) (models.TaskStatus, bool)) bool {
	if len(taskIDs) == 0 {
		return false
	}
	for _, id := range taskIDs {
		status, ok := lookup(id)
		if !ok || !status.IsTerminal() {
			return false
		}
	}
	return true
}

// Get returns the stored value and bumps access bookkeeping. A missing key
// returns (nil, false), never an error (spec.md §4.2 failure semantics).
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e.LastAccessedAt = time.Now()
	e.AccessCount++
	return e.Value, true
}

// Has reports whether key exists without affecting access bookkeeping.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Delete removes key, a no-op if it doesn't exist.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.totalSize -= e.SizeBytes
		delete(s.entries, key)
	}
	return nil
}

// List returns a snapshot of every entry.
func (s *Store) List() []models.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Query filters entries by an optional key substring pattern, tier
// prefix, and/or scope kind.
func (s *Store) Query(q models.MemoryQuery) []models.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MemoryEntry
	for _, e := range s.entries {
		if q.Pattern != "" && !strings.Contains(e.Key, q.Pattern) {
			continue
		}
		if q.Tier != "" && e.Tier != q.Tier {
			continue
		}
		if q.Scope != "" && e.Scope.Kind != q.Scope {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// RenderIndex renders keys, descriptions, and sizes grouped by priority
// (pinned first, then descending priority band) for injection into the
// system message.
func (s *Store) RenderIndex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*models.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		pa, pb := a.EffectivePriority(), b.EffectivePriority()
		if pa != pb {
			return pa > pb // descending for display: critical first
		}
		return a.Key < b.Key
	})

	var out string
	for _, e := range entries {
		pin := ""
		if e.Pinned {
			pin = " [pinned]"
		}
		out += fmt.Sprintf("- %s (%s, %dB)%s: %s\n",
			e.Key, e.EffectivePriority().String(), e.SizeBytes, pin, e.Description)
	}
	return out
}

// TaskCompleted drops any task-scoped entry whose task-id set is now
// fully terminal, per spec.md's scope-driven cleanup.
func (s *Store) TaskCompleted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.Scope.Kind != models.ScopeKindTaskSet {
			continue
		}
		if !containsStr(e.Scope.TaskIDs, taskID) {
			continue
		}
		if allTerminal(e.Scope.TaskIDs, s.taskStatus) {
			s.totalSize -= e.SizeBytes
			delete(s.entries, k)
		}
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// PlanCompleted drops every plan-scoped entry.
func (s *Store) PlanCompleted() {
	s.dropScope(models.ScopeKindPlan)
}

// SessionEnd drops every session-scoped entry.
func (s *Store) SessionEnd() {
	s.dropScope(models.ScopeKindSession)
}

func (s *Store) dropScope(kind models.ScopeKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.Scope.Kind == kind {
			s.totalSize -= e.SizeBytes
			delete(s.entries, k)
		}
	}
}

// SetTaskStatusLookup wires a function the store uses to resolve task ids
// to status when checking task-scope garbage, so Working Memory's cleanup
// can consult live task state without importing internal/routine. Nothing
// in this module calls it besides the tests; the embedding caller wires it.
func (s *Store) SetTaskStatusLookup(lookup func(taskID string) (models.TaskStatus, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLookup = lookup
}
