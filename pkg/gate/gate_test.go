package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcraft-io/sheetgate/pkg/batch"
	"github.com/adcraft-io/sheetgate/pkg/cache"
	"github.com/adcraft-io/sheetgate/pkg/config"
	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/models"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/pool"
	"github.com/adcraft-io/sheetgate/pkg/registry"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

type stack struct {
	gate  *Gate
	fake  *sheets.FakeClient
	cache *cache.Cache
	pool  *pool.Pool
}

func newStack(t *testing.T) *stack {
	t.Helper()
	fake := sheets.NewFakeClient()
	bus := events.NewBus(observability.NewNoopLogger())
	reg, err := registry.New(config.RegistryConfig{}, bus, observability.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, reg.AddOrUpdate(context.Background(), models.Tenant{
		ID: "t1", SheetRef: "ref-t1", Plan: models.PlanStarter, Enabled: true,
	}))

	poolCfg := pool.DefaultConfig()
	poolCfg.PerTenantMaxRequests = 1000
	poolCfg.PerTenantWindow = time.Second
	p := pool.New(poolCfg, reg, fake, observability.NewNoopLogger(), nil)

	batchCfg := batch.DefaultConfig()
	batchCfg.BatchDelay = 20 * time.Millisecond
	coord := batch.New(batchCfg, p, fake, bus, observability.NewNoopLogger(), nil)

	tenantCache := cache.New(cache.DefaultConfig(), observability.NewNoopLogger(), nil)
	tenantCache.Bind(bus)

	g := New(p, coord, tenantCache, fake, observability.NewNoopLogger(), nil)
	t.Cleanup(func() {
		_ = coord.Stop(context.Background())
		_ = p.Stop(context.Background())
	})
	return &stack{gate: g, fake: fake, cache: tenantCache, pool: p}
}

func TestReadThroughCachesResult(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	var rows []sheets.Row
	require.NoError(t, st.gate.ReadRows(ctx, "t1", "Sheet1", "", &rows))
	require.NoError(t, st.gate.ReadRows(ctx, "t1", "Sheet1", "", &rows))

	assert.Equal(t, int64(1), st.fake.Counters()["get_rows"], "second read must hit the cache")
}

func TestWriteThenReadSeesNewRow(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var before []sheets.Row
	require.NoError(t, st.gate.ReadRows(ctx, "t1", "Sheet1", "", &before))
	require.Empty(t, before)

	res, err := st.gate.Write(ctx, "t1", "Sheet1", models.AddRow(models.Row{"name": "a"}))
	require.NoError(t, err)
	require.NotEmpty(t, res.RowID)

	// The write's invalidation ran before Write returned, so this read
	// refetches and sees the new row.
	var after []sheets.Row
	require.NoError(t, st.gate.ReadRows(ctx, "t1", "Sheet1", "", &after))
	require.Len(t, after, 1)
	assert.Equal(t, res.RowID, after[0].ID)
}

func TestReadRowByID(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := st.gate.Write(ctx, "t1", "Sheet1", models.AddRow(models.Row{"name": "a"}))
	require.NoError(t, err)

	var row sheets.Row
	require.NoError(t, st.gate.ReadRow(ctx, "t1", "Sheet1", res.RowID, &row))
	assert.Equal(t, "a", row.Fields["name"])

	err = st.gate.ReadRow(ctx, "t1", "Sheet1", "no-such-row", &row)
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.CodeNotFound))
}

func TestSummaryReflectsWrites(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var s SheetSummary
	require.NoError(t, st.gate.Summary(ctx, "t1", "Sheet1", &s))
	assert.Equal(t, 0, s.RowCount)

	_, err := st.gate.Write(ctx, "t1", "Sheet1", models.AddRow(models.Row{"n": 1}))
	require.NoError(t, err)

	require.NoError(t, st.gate.Summary(ctx, "t1", "Sheet1", &s))
	assert.Equal(t, 1, s.RowCount)
}

func TestReadUnknownTenant(t *testing.T) {
	st := newStack(t)

	var rows []sheets.Row
	err := st.gate.ReadRows(context.Background(), "ghost", "Sheet1", "", &rows)
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.CodeTenantUnknown))
}

func TestReadDeadlineExpiryIsTimeout(t *testing.T) {
	st := newStack(t)

	key := cache.NewKey("insights", nil)
	err := st.gate.Read(context.Background(), "t1", key, nil, &struct{}{},
		func(ctx context.Context, conn *pool.Conn) (interface{}, error) {
			return nil, context.DeadlineExceeded
		})
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.CodeTimeout),
		"deadline expiry during the fetch surfaces as timeout, got %v", err)

	err = st.gate.Read(context.Background(), "t1", key, nil, &struct{}{},
		func(ctx context.Context, conn *pool.Conn) (interface{}, error) {
			return nil, context.Canceled
		})
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.CodeCancelled))
}

func TestWarmResolvesRegisteredRoute(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	require.NoError(t, st.gate.Warm(ctx, "t1", "/sheet/Sheet1"))
	assert.Equal(t, int64(1), st.fake.Counters()["get_rows"])

	// An unknown pattern is a no-op, not an error.
	require.NoError(t, st.gate.Warm(ctx, "t1", "/nothing/here"))
}

func TestWarmedReadServedFromCache(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	require.NoError(t, st.gate.Warm(ctx, "t1", "/sheet/Sheet1"))

	var rows []sheets.Row
	require.NoError(t, st.gate.ReadRows(ctx, "t1", "Sheet1", "", &rows))
	assert.Equal(t, int64(1), st.fake.Counters()["get_rows"], "read after warm must not refetch")
}

func TestTemplateMatches(t *testing.T) {
	assert.True(t, templateMatches("/sheet/*", "/sheet/Sheet1"))
	assert.True(t, templateMatches("/summary/*", "/summary/Other"))
	assert.False(t, templateMatches("/sheet/*", "/summary/Sheet1"))
	assert.False(t, templateMatches("/sheet/*", "/sheet/Sheet1/row/1"))
}
