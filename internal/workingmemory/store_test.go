package workingmemory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentcore/pkg/models"
)

func TestSetGetDelete(t *testing.T) {
	s := New(DefaultConfig(), nil)
	require.NoError(t, s.Set("k1", "first key", 42))

	v, ok := s.Get("k1")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	assert.True(t, s.Has("k1"))
	require.NoError(t, s.Delete("k1"))
	assert.False(t, s.Has("k1"))

	_, ok = s.Get("missing")
	assert.False(t, ok, "missing key returns (nil,false), not an error")
}

func TestKeyFormatValidation(t *testing.T) {
	s := New(DefaultConfig(), nil)
	assert.NoError(t, s.Set("namespace.segment", "ok", 1))
	assert.Error(t, s.Set("bad..key", "double dot rejected", 1))
	assert.Error(t, s.Set(".leading", "leading dot rejected", 1))
}

func TestDescriptionLengthBoundary(t *testing.T) {
	s := New(DefaultConfig(), nil)
	exact := strings.Repeat("d", models.DescriptionMaxLength)
	assert.NoError(t, s.Set("k", exact, 1))

	tooLong := strings.Repeat("d", models.DescriptionMaxLength+1)
	assert.Error(t, s.Set("k2", tooLong, 1))
}

// TestEvictionUnderPressure implements scenario S3: maxSizeBytes=1000,
// insert a(low,400), b(high,400), then c(normal,400) should evict a.
func TestEvictionUnderPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSizeBytes = 1000
	s := New(cfg, nil)

	aVal := strings.Repeat("a", 390)
	bVal := strings.Repeat("b", 390)
	cVal := strings.Repeat("c", 390)

	require.NoError(t, s.Set("a", "low priority entry", aVal, WithPriority(models.PriorityLow)))
	require.NoError(t, s.Set("b", "high priority entry", bVal, WithPriority(models.PriorityHigh)))
	require.NoError(t, s.Set("c", "normal priority entry", cVal, WithPriority(models.PriorityNormal)))

	_, ok := s.Get("a")
	assert.False(t, ok, "lowest priority entry should have been evicted")
	_, ok = s.Get("b")
	assert.True(t, ok)
	_, ok = s.Get("c")
	assert.True(t, ok)
}

func TestPinnedNeverEvicted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSizeBytes = 500
	s := New(cfg, nil)

	val := strings.Repeat("x", 400)
	require.NoError(t, s.Set("pinned-entry", "pinned", val, WithPinned(true), WithPriority(models.PriorityLow)))

	err := s.Set("other", "cannot evict the pinned entry to fit", strings.Repeat("y", 400))
	assert.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorMemoryFull, kind)

	_, ok = s.Get("pinned-entry")
	assert.True(t, ok, "pinned entry must survive")
}

func TestValueTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSizeBytes = 10
	s := New(cfg, nil)

	err := s.Set("k", "d", strings.Repeat("z", 100))
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrorValueTooLarge, kind)
}

func TestTierDefaultPriority(t *testing.T) {
	s := New(DefaultConfig(), nil)
	require.NoError(t, s.Set("raw.data", "raw tier", 1))
	require.NoError(t, s.Set("findings.result", "findings tier", 1))

	entries := s.List()
	byKey := map[string]models.MemoryEntry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}
	assert.Equal(t, models.PriorityLow, byKey["raw.data"].EffectivePriority())
	assert.Equal(t, models.PriorityHigh, byKey["findings.result"].EffectivePriority())
}

func TestScopeDrivenCleanup(t *testing.T) {
	s := New(DefaultConfig(), nil)
	require.NoError(t, s.Set("session.note", "session scoped", "x"))
	require.NoError(t, s.Set("plan.note", "plan scoped", "x", WithScope(models.PlanScope())))
	require.NoError(t, s.Set("persist.note", "persistent", "x", WithScope(models.PersistentScope())))
	require.NoError(t, s.Set("task.note", "task scoped", "x", WithScope(models.TaskScope("t1"))))

	s.SetTaskStatusLookup(func(id string) (models.TaskStatus, bool) {
		if id == "t1" {
			return models.TaskCompleted, true
		}
		return "", false
	})

	s.TaskCompleted("t1")
	assert.False(t, s.Has("task.note"), "task-scoped entry should be gone once its tasks are terminal")

	s.PlanCompleted()
	assert.False(t, s.Has("plan.note"))
	assert.True(t, s.Has("persist.note"))

	s.SessionEnd()
	assert.False(t, s.Has("session.note"))
	assert.True(t, s.Has("persist.note"), "persistent entries survive all cleanup")
}

func TestRenderIndexPinnedFirst(t *testing.T) {
	s := New(DefaultConfig(), nil)
	require.NoError(t, s.Set("low", "low prio", 1, WithPriority(models.PriorityLow)))
	require.NoError(t, s.Set("pinned", "pinned entry", 1, WithPinned(true), WithPriority(models.PriorityLow)))

	idx := s.RenderIndex()
	pinnedPos := strings.Index(idx, "pinned")
	lowPos := strings.Index(idx, "low")
	assert.True(t, pinnedPos < lowPos || pinnedPos == 0)
}
