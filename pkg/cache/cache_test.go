package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/observability"
)

func testCache(cfg Config) *Cache {
	return New(cfg, observability.NewNoopLogger(), nil)
}

func TestPutGetRoundtrip(t *testing.T) {
	c := testCache(DefaultConfig())
	key := NewKey(CategorySummary, map[string]interface{}{"sheet": "Sheet1"})

	require.NoError(t, c.Put("t1", key, map[string]int{"rows": 3}, []string{CategorySummary}, 0))

	var got map[string]int
	hit, err := c.Get("t1", key, &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, 3, got["rows"])
}

func TestTenantIsolation(t *testing.T) {
	c := testCache(DefaultConfig())
	key := NewKey(CategorySummary, nil)

	require.NoError(t, c.Put("t1", key, "t1-value", []string{CategorySummary}, 0))

	var got string
	hit, err := c.Get("t2", key, &got)
	require.NoError(t, err)
	assert.False(t, hit, "tenant t2 must not see t1 entries")

	// Wiping t2 must not disturb t1.
	c.InvalidateTenant("t2")
	hit, err = c.Get("t1", key, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "t1-value", got)
}

func TestTTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadTTL = 10 * time.Millisecond
	c := testCache(cfg)
	key := NewKey(CategorySummary, nil)

	require.NoError(t, c.Put("t1", key, "v", nil, 0))
	time.Sleep(20 * time.Millisecond)

	var got string
	hit, err := c.Get("t1", key, &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSheetWriteInvalidationRule(t *testing.T) {
	c := testCache(DefaultConfig())
	bus := events.NewBus(observability.NewNoopLogger())
	c.Bind(bus)

	keep := NewKey(SheetCategory("Other"), nil)
	require.NoError(t, c.Put("t1", NewKey(CategoryInsights, nil), "v", []string{CategoryInsights}, 0))
	require.NoError(t, c.Put("t1", NewKey(CategorySummary, nil), "v", []string{CategorySummary}, 0))
	require.NoError(t, c.Put("t1", NewKey(SheetCategory("Sheet1"), nil), "v", []string{SheetCategory("Sheet1")}, 0))
	require.NoError(t, c.Put("t1", keep, "v", []string{SheetCategory("Other")}, 0))

	require.NoError(t, bus.PublishSync(context.Background(), events.Event{
		Name:     events.EventSheetWrite,
		TenantID: "t1",
		Context:  map[string]string{"sheet": "Sheet1"},
	}))

	var got string
	for _, key := range []Key{
		NewKey(CategoryInsights, nil),
		NewKey(CategorySummary, nil),
		NewKey(SheetCategory("Sheet1"), nil),
	} {
		hit, err := c.Get("t1", key, &got)
		require.NoError(t, err)
		assert.False(t, hit, "category %s should be invalidated", key.Category)
	}

	hit, err := c.Get("t1", keep, &got)
	require.NoError(t, err)
	assert.True(t, hit, "unrelated sheet entry must survive")
}

func TestRowUpdateInvalidatesRowEntry(t *testing.T) {
	c := testCache(DefaultConfig())
	bus := events.NewBus(observability.NewNoopLogger())
	c.Bind(bus)

	rowKey := NewKey(RowCategory("r1"), nil)
	otherRow := NewKey(RowCategory("r2"), nil)
	require.NoError(t, c.Put("t1", rowKey, "v", []string{RowCategory("r1")}, 0))
	require.NoError(t, c.Put("t1", otherRow, "v", []string{RowCategory("r2")}, 0))

	require.NoError(t, bus.PublishSync(context.Background(), events.Event{
		Name:     events.EventRowUpdate,
		TenantID: "t1",
		Context:  map[string]string{"sheet": "Sheet1", "row_id": "r1"},
	}))

	var got string
	hit, _ := c.Get("t1", rowKey, &got)
	assert.False(t, hit)
	hit, _ = c.Get("t1", otherRow, &got)
	assert.True(t, hit)
}

func TestTenantRemoveWipesEverything(t *testing.T) {
	c := testCache(DefaultConfig())
	bus := events.NewBus(observability.NewNoopLogger())
	c.Bind(bus)

	for i := 0; i < 5; i++ {
		key := NewKey(CategorySummary, map[string]interface{}{"i": i})
		require.NoError(t, c.Put("t1", key, i, []string{CategorySummary}, 0))
	}
	require.Equal(t, int64(5), c.TenantStats("t1").Entries)

	require.NoError(t, bus.PublishSync(context.Background(), events.Event{
		Name:     events.EventTenantRemove,
		TenantID: "t1",
	}))
	assert.Equal(t, int64(0), c.TenantStats("t1").Entries)
	assert.Equal(t, int64(0), c.Stats().Entries)
}

func TestFairnessSoftCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	cfg.FairnessSlack = 1.0
	c := testCache(cfg)

	// Two tenants: each may hold at most 10/2 = 5 entries.
	require.NoError(t, c.Put("t2", NewKey(CategorySummary, nil), "v", nil, 0))
	for i := 0; i < 8; i++ {
		key := NewKey(CategorySummary, map[string]interface{}{"i": i})
		require.NoError(t, c.Put("t1", key, i, nil, 0))
	}

	assert.LessOrEqual(t, c.TenantStats("t1").Entries, int64(5))
	assert.Equal(t, int64(1), c.TenantStats("t2").Entries, "the small tenant keeps its entry")
}

func TestGlobalBudgetShavesLargestTenant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 10
	cfg.FairnessSlack = 10 // effectively disable the per-tenant cap
	c := testCache(cfg)

	for i := 0; i < 9; i++ {
		key := NewKey(CategorySummary, map[string]interface{}{"i": i})
		require.NoError(t, c.Put("big", key, i, nil, 0))
	}
	for i := 0; i < 3; i++ {
		key := NewKey(CategorySummary, map[string]interface{}{"i": i})
		require.NoError(t, c.Put("small", key, i, nil, 0))
	}

	assert.LessOrEqual(t, c.Stats().Entries, int64(10))
	assert.Equal(t, int64(3), c.TenantStats("small").Entries, "overflow comes out of the largest tenant")
}

func TestWriteTTLAfterRecentWrite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriteTTL = 30 * time.Millisecond
	c := testCache(cfg)

	c.noteWrite("t1")
	key := NewKey(SheetCategory("Sheet1"), nil)
	require.NoError(t, c.Put("t1", key, "v", nil, 0))

	time.Sleep(50 * time.Millisecond)
	var got string
	hit, err := c.Get("t1", key, &got)
	require.NoError(t, err)
	assert.False(t, hit, "entries cached right after a write carry the short TTL")
}

func TestHitRateStats(t *testing.T) {
	c := testCache(DefaultConfig())
	key := NewKey(CategorySummary, nil)
	require.NoError(t, c.Put("t1", key, "v", nil, 0))

	var got string
	for i := 0; i < 3; i++ {
		hit, err := c.Get("t1", key, &got)
		require.NoError(t, err)
		require.True(t, hit)
	}
	miss := NewKey(CategorySummary, map[string]interface{}{"other": true})
	_, _ = c.Get("t1", miss, &got)

	stats := c.Stats()
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)
	assert.Equal(t, int64(3), stats.ByTenant["t1"].Hits)
	assert.Equal(t, int64(1), stats.ByTenant["t1"].Misses)
}

func TestStatsTracksBytes(t *testing.T) {
	c := testCache(DefaultConfig())
	require.NoError(t, c.Put("t1", NewKey(CategorySummary, nil), map[string]string{"k": "v"}, nil, 0))
	assert.Greater(t, c.Stats().Size, int64(0))
	assert.Greater(t, c.TenantStats("t1").Bytes, int64(0))
}
