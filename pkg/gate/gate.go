// Package gate is the front door for tenant sheet traffic: reads go through
// the tenant cache and the connection pool, writes go through the batch
// coordinator. Handlers never touch connections directly.
package gate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/adcraft-io/sheetgate/pkg/batch"
	"github.com/adcraft-io/sheetgate/pkg/cache"
	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/models"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/pool"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

// FetchFunc computes a read result over a live connection
type FetchFunc func(ctx context.Context, conn *pool.Conn) (interface{}, error)

// WarmResolver re-runs the read behind one normalized access pattern
type WarmResolver func(ctx context.Context, tenantID, pattern string) error

// Gate coordinates the cache, the pool, and the batch coordinator
type Gate struct {
	pool    *pool.Pool
	batch   *batch.Coordinator
	cache   *cache.Cache
	client  sheets.DocumentClient
	logger  observability.Logger
	metrics observability.MetricsClient

	warmer *cache.Warmer

	mu         sync.RWMutex
	warmRoutes map[string]WarmResolver
}

// New creates a gate
func New(p *pool.Pool, b *batch.Coordinator, c *cache.Cache, client sheets.DocumentClient, logger observability.Logger, metrics observability.MetricsClient) *Gate {
	if logger == nil {
		logger = observability.NewLogger("gate")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	g := &Gate{
		pool:       p,
		batch:      b,
		cache:      c,
		client:     client,
		logger:     logger,
		metrics:    metrics,
		warmRoutes: make(map[string]WarmResolver),
	}
	g.RegisterWarmRoute("/sheet/*", func(ctx context.Context, tenantID, pattern string) error {
		title := lastSegment(pattern)
		var rows []sheets.Row
		return g.ReadRows(ctx, tenantID, title, "", &rows)
	})
	g.RegisterWarmRoute("/summary/*", func(ctx context.Context, tenantID, pattern string) error {
		var s SheetSummary
		return g.Summary(ctx, tenantID, lastSegment(pattern), &s)
	})
	return g
}

// AttachWarmer wires the predictive warmer once it exists. The warmer needs
// the gate's Warm entry point, so it is created after the gate.
func (g *Gate) AttachWarmer(w *cache.Warmer) { g.warmer = w }

// RegisterWarmRoute maps a pattern template ("*" matches one segment) to
// the resolver that reprimes it
func (g *Gate) RegisterWarmRoute(template string, fn WarmResolver) {
	g.mu.Lock()
	g.warmRoutes[template] = fn
	g.mu.Unlock()
}

// Warm is the cache.WarmFunc: it finds the resolver whose template matches
// the hot pattern and re-runs the read
func (g *Gate) Warm(ctx context.Context, tenantID, pattern string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if fn, ok := g.warmRoutes[pattern]; ok {
		return fn(ctx, tenantID, pattern)
	}
	for template, fn := range g.warmRoutes {
		if templateMatches(template, pattern) {
			return fn(ctx, tenantID, pattern)
		}
	}
	return nil
}

// Read is the generic read-through: cache hit, or fetch over a pooled
// connection and cache the result under the given tags
func (g *Gate) Read(ctx context.Context, tenantID string, key cache.Key, tags []string, out interface{}, fetch FetchFunc) error {
	if g.warmer != nil {
		g.warmer.Record(tenantID, patternOf(key))
	}

	if hit, err := g.cache.Get(tenantID, key, out); err != nil {
		g.logger.Warn("cache read failed", map[string]interface{}{
			"tenant_id": tenantID,
			"key":       key.String(tenantID),
			"error":     err.Error(),
		})
	} else if hit {
		return nil
	}

	conn, release, err := g.pool.Acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	value, ferr := fetch(ctx, conn)
	if ferr != nil {
		// Rate limits and conflicts do not implicate the connection.
		connErr := ferr
		switch sheets.Classify(ferr) {
		case sheets.ClassRateLimited, sheets.ClassConflict:
			connErr = nil
		}
		release(connErr)
		return remoteError(ferr, "read")
	}
	release(nil)

	if err := g.cache.Put(tenantID, key, value, tags, 0); err != nil {
		g.logger.Warn("cache write failed", map[string]interface{}{
			"tenant_id": tenantID,
			"key":       key.String(tenantID),
			"error":     err.Error(),
		})
	}

	data, err := json.Marshal(value)
	if err != nil {
		return sgerrors.Wrap(sgerrors.CodeInvariant, "unencodable read result", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return sgerrors.Wrap(sgerrors.CodeInvariant, "undecodable read result", err)
	}
	return nil
}

// ReadRows returns a sheet's rows, cached under the sheet's tag
func (g *Gate) ReadRows(ctx context.Context, tenantID, title, rng string, out *[]sheets.Row) error {
	key := cache.NewKey(cache.SheetCategory(title), map[string]interface{}{"range": rng})
	tags := []string{cache.SheetCategory(title)}
	return g.Read(ctx, tenantID, key, tags, out, func(ctx context.Context, conn *pool.Conn) (interface{}, error) {
		sheet, err := g.client.EnsureSheet(ctx, conn.Handle, title, nil)
		if err != nil {
			return nil, err
		}
		rows, err := g.client.GetRows(ctx, sheet, rng)
		if err != nil {
			return nil, err
		}
		return rows, nil
	})
}

// ReadRow returns one row by id, cached under both the row and sheet tags
func (g *Gate) ReadRow(ctx context.Context, tenantID, title, rowID string, out *sheets.Row) error {
	key := cache.NewKey(cache.RowCategory(rowID), map[string]interface{}{"sheet": title})
	tags := []string{cache.RowCategory(rowID), cache.SheetCategory(title)}
	return g.Read(ctx, tenantID, key, tags, out, func(ctx context.Context, conn *pool.Conn) (interface{}, error) {
		sheet, err := g.client.EnsureSheet(ctx, conn.Handle, title, nil)
		if err != nil {
			return nil, err
		}
		rows, err := g.client.GetRows(ctx, sheet, "")
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.ID == rowID {
				return r, nil
			}
		}
		return nil, sgerrors.Newf(sgerrors.CodeNotFound, "row %q not found in sheet %q", rowID, title)
	})
}

// SheetSummary is a cached aggregate over one sheet
type SheetSummary struct {
	Title    string `json:"title"`
	RowCount int    `json:"row_count"`
}

// Summary returns the row count aggregate for a sheet
func (g *Gate) Summary(ctx context.Context, tenantID, title string, out *SheetSummary) error {
	key := cache.NewKey(cache.CategorySummary, map[string]interface{}{"sheet": title})
	tags := []string{cache.CategorySummary, cache.SheetCategory(title)}
	return g.Read(ctx, tenantID, key, tags, out, func(ctx context.Context, conn *pool.Conn) (interface{}, error) {
		sheet, err := g.client.EnsureSheet(ctx, conn.Handle, title, nil)
		if err != nil {
			return nil, err
		}
		rows, err := g.client.GetRows(ctx, sheet, "")
		if err != nil {
			return nil, err
		}
		return SheetSummary{Title: title, RowCount: len(rows)}, nil
	})
}

// Write enqueues one mutation and waits for its batch to land. Returning
// implies the affected cache entries are already invalidated.
func (g *Gate) Write(ctx context.Context, tenantID, title string, op models.Operation) (models.OpResult, error) {
	fut, err := g.batch.Enqueue(ctx, tenantID, title, op)
	if err != nil {
		return models.OpResult{}, err
	}
	return fut.Wait(ctx)
}

// WriteAsync enqueues one mutation and returns its future
func (g *Gate) WriteAsync(ctx context.Context, tenantID, title string, op models.Operation) (*batch.Future, error) {
	return g.batch.Enqueue(ctx, tenantID, title, op)
}

// remoteError maps a remote failure to the caller-facing taxonomy
func remoteError(err error, what string) error {
	var se *sgerrors.Error
	if sgerrors.As(err, &se) {
		return err
	}
	// Deadline expiry during remote I/O is a timeout to the caller, not an
	// internal failure.
	if sgerrors.Is(err, context.DeadlineExceeded) {
		return sgerrors.Wrap(sgerrors.CodeTimeout, what+" deadline exceeded", err)
	}
	if sgerrors.Is(err, context.Canceled) {
		return sgerrors.Wrap(sgerrors.CodeCancelled, what+" cancelled", err)
	}
	switch sheets.Classify(err) {
	case sheets.ClassRateLimited:
		ra := sheets.RetryAfter(err)
		e := sgerrors.Wrap(sgerrors.CodeRateLimited, what+" failed: remote rate limit", err)
		if ra > 0 {
			e = e.WithRetryAfter(ra)
		}
		return e
	case sheets.ClassAuth:
		return sgerrors.Wrap(sgerrors.CodeAuthFailure, what+" failed: credentials rejected", err)
	case sheets.ClassConflict:
		return sgerrors.Wrap(sgerrors.CodeConflict, what+" failed: concurrent change", err)
	case sheets.ClassTransient:
		return sgerrors.Wrap(sgerrors.CodeTimeout, what+" failed: document service unavailable", err)
	default:
		return sgerrors.Wrap(sgerrors.CodeInvariant, what+" failed", err)
	}
}

// patternOf renders a cache key as a path for pattern tracking
func patternOf(key cache.Key) string {
	return "/" + strings.ReplaceAll(key.Category, ":", "/")
}

func lastSegment(pattern string) string {
	parts := strings.Split(pattern, "/")
	return parts[len(parts)-1]
}

// templateMatches reports whether a concrete pattern matches a registered
// template segment-by-segment, "*" matching any one segment
func templateMatches(template, pattern string) bool {
	t := strings.Split(template, "/")
	p := strings.Split(pattern, "/")
	if len(t) != len(p) {
		return false
	}
	for i := range t {
		if t[i] != "*" && t[i] != p[i] {
			return false
		}
	}
	return true
}
