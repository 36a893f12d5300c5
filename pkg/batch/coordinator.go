// Package batch coalesces mutations destined for the same tenant sheet into
// single remote calls. Callers enqueue operations and receive futures; the
// coordinator flushes after a short coalescing delay, a size cap, or a wait
// ceiling, whichever comes first.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/models"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/pool"
	"github.com/adcraft-io/sheetgate/pkg/retry"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

const flushTimeout = 30 * time.Second

// Config tunes batch coalescing
type Config struct {
	// BatchDelay is the quiet period after the last enqueue before a flush.
	BatchDelay time.Duration
	// MaxBatchSize flushes immediately once a queue holds this many
	// operations.
	MaxBatchSize int
	// MaxBatchWait bounds how long the oldest operation may sit queued.
	MaxBatchWait time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchDelay:   100 * time.Millisecond,
		MaxBatchSize: 50,
		MaxBatchWait: time.Second,
	}
}

type queueKey struct {
	tenantID string
	sheet    string
}

type pending struct {
	op  models.Operation
	fut *Future

	// set during flush
	result   models.OpResult
	err      error
	requeued bool
}

type queue struct {
	key queueKey

	mu       sync.Mutex
	ops      []*pending
	flushing bool
	delay    *time.Timer
	ceiling  *time.Timer
	bo       *backoff.ExponentialBackOff
}

// Coordinator owns one queue per (tenant, sheet) pair
type Coordinator struct {
	cfg     Config
	pool    *pool.Pool
	client  sheets.DocumentClient
	bus     *events.Bus
	logger  observability.Logger
	metrics observability.MetricsClient
	retry   retry.Policy

	mu     sync.Mutex
	queues map[queueKey]*queue
	closed bool

	statsMu  sync.Mutex
	enqueued int64
	flushed  int64
	batches  int64
	errors   int64

	wg sync.WaitGroup
}

// New creates a batch coordinator
func New(cfg Config, p *pool.Pool, client sheets.DocumentClient, bus *events.Bus, logger observability.Logger, metrics observability.MetricsClient) *Coordinator {
	if logger == nil {
		logger = observability.NewLogger("batch")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Coordinator{
		cfg:     cfg,
		pool:    p,
		client:  client,
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		retry:   retry.NewExponentialBackoff(retry.Config{InitialInterval: 50 * time.Millisecond, MaxRetries: 2}),
		queues:  make(map[queueKey]*queue),
	}
}

// Enqueue queues one operation for the tenant's sheet and returns its
// future. Validation failures and unknown tenants are rejected immediately,
// before anything is queued.
func (c *Coordinator) Enqueue(ctx context.Context, tenantID, sheet string, op models.Operation) (*Future, error) {
	if err := op.Validate(); err != nil {
		return nil, sgerrors.Wrap(sgerrors.CodeInvariant, "invalid operation", err)
	}
	if sheet == "" {
		return nil, sgerrors.New(sgerrors.CodeInvariant, "sheet title required")
	}

	q := c.queueFor(queueKey{tenantID: tenantID, sheet: sheet})
	p := &pending{op: op, fut: newFuture()}

	q.mu.Lock()
	if c.isClosed() {
		q.mu.Unlock()
		return nil, sgerrors.New(sgerrors.CodeCancelled, "coordinator shutting down")
	}
	q.ops = append(q.ops, p)
	full := len(q.ops) >= c.cfg.MaxBatchSize
	if !full {
		q.delay.Reset(c.cfg.BatchDelay)
		if len(q.ops) == 1 {
			q.ceiling.Reset(c.cfg.MaxBatchWait)
		}
	}
	q.mu.Unlock()

	c.statsMu.Lock()
	c.enqueued++
	c.statsMu.Unlock()
	c.metrics.IncrementCounterWithLabels("batch.enqueued", 1, map[string]string{"tenant_id": tenantID})

	if full {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.flush(q)
		}()
	}
	return p.fut, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) queueFor(key queueKey) *queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[key]; ok {
		return q
	}
	q := &queue{key: key, bo: newBackoff()}
	q.delay = time.AfterFunc(time.Hour, func() { c.flush(q) })
	q.delay.Stop()
	q.ceiling = time.AfterFunc(time.Hour, func() { c.flush(q) })
	q.ceiling.Stop()
	c.queues[key] = q
	return q
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // keep the queue alive until the limiter recovers
	return bo
}

// flush drains and executes one queue. At most one flush per queue runs at
// a time; enqueues during a flush open the next batch.
func (c *Coordinator) flush(q *queue) {
	q.mu.Lock()
	if q.flushing || len(q.ops) == 0 {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.delay.Stop()
	q.ceiling.Stop()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	conn, release, err := c.pool.Acquire(ctx, q.key.tenantID)
	if err != nil {
		switch retry.Decide(err) {
		case retry.ActionDefer, retry.ActionRetry:
			c.deferFlush(q, sgerrors.RetryAfterOf(err))
		default:
			c.failQueue(q, err)
		}
		return
	}

	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()

	started := time.Now()
	connErr := c.execute(ctx, conn, q.key, ops)
	release(connErr)

	// Put rate-deferred operations back at the head of the queue before
	// anything new lands behind them.
	var requeue []*pending
	resolvedCount, errCount := 0, 0
	for _, p := range ops {
		if p.requeued {
			requeue = append(requeue, p)
		} else if p.err != nil {
			errCount++
		} else {
			resolvedCount++
		}
	}
	if len(requeue) > 0 {
		q.mu.Lock()
		q.ops = append(requeue, q.ops...)
		q.mu.Unlock()
	}

	c.publishEvents(ctx, q.key, ops)

	// Futures resolve only after synchronous invalidation, preserving
	// read-your-writes. Resolution order follows enqueue order.
	for _, p := range ops {
		if p.requeued {
			continue
		}
		if p.err != nil {
			p.fut.fail(p.err)
		} else {
			p.fut.resolve(p.result)
		}
	}

	c.statsMu.Lock()
	c.flushed += int64(resolvedCount)
	c.errors += int64(errCount)
	if resolvedCount+errCount > 0 {
		c.batches++
	}
	c.statsMu.Unlock()
	c.metrics.RecordHistogram("batch.size", float64(resolvedCount+errCount), map[string]string{"tenant_id": q.key.tenantID})
	c.metrics.RecordTimer("batch.flush", time.Since(started), map[string]string{"tenant_id": q.key.tenantID})

	q.mu.Lock()
	q.flushing = false
	if len(requeue) > 0 {
		d := q.bo.NextBackOff()
		q.delay.Reset(d)
		q.mu.Unlock()
		return
	}
	q.bo.Reset()
	if len(q.ops) > 0 {
		q.delay.Reset(c.cfg.BatchDelay)
		q.ceiling.Reset(c.cfg.MaxBatchWait)
	}
	q.mu.Unlock()
}

// deferFlush keeps the queue intact and retries after a backoff, honoring
// any remote retry-after hint
func (c *Coordinator) deferFlush(q *queue, hint time.Duration) {
	q.mu.Lock()
	q.flushing = false
	d := q.bo.NextBackOff()
	if hint > d {
		d = hint
	}
	q.delay.Reset(d)
	q.mu.Unlock()

	c.metrics.IncrementCounterWithLabels("batch.deferred", 1, map[string]string{"tenant_id": q.key.tenantID})
	c.logger.Debug("flush deferred", map[string]interface{}{
		"tenant_id": q.key.tenantID,
		"sheet":     q.key.sheet,
		"retry_in":  d.String(),
	})
}

// failQueue drains the queue and fails every future with err
func (c *Coordinator) failQueue(q *queue, err error) {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.flushing = false
	q.mu.Unlock()

	for _, p := range ops {
		p.fut.fail(err)
	}
	c.statsMu.Lock()
	c.errors += int64(len(ops))
	c.statsMu.Unlock()
}

// execute runs the drained batch against the remote document, grouped by
// kind: header first, then all row additions as one call, then updates,
// then deletions coalesced by row id. Returns the error to report to the
// pool when the connection itself is suspect.
func (c *Coordinator) execute(ctx context.Context, conn *pool.Conn, key queueKey, ops []*pending) error {
	var headers []string
	var headerOps []*pending
	var addOps []*pending
	var updateOps []*pending
	var deleteOps []*pending
	for _, p := range ops {
		switch p.op.Kind {
		case models.OpSetHeader:
			headers = p.op.Headers // last writer wins
			headerOps = append(headerOps, p)
		case models.OpAddRow, models.OpAddRows:
			addOps = append(addOps, p)
		case models.OpUpdateRow:
			updateOps = append(updateOps, p)
		case models.OpDeleteRow:
			deleteOps = append(deleteOps, p)
		}
	}

	var sheet sheets.Sheet
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		s, eerr := c.client.EnsureSheet(ctx, conn.Handle, key.sheet, headers)
		if eerr != nil {
			if sheets.Classify(eerr) == sheets.ClassConflict {
				// Another writer created the sheet between existence check
				// and creation; a second attempt opens it.
				s, eerr = c.client.EnsureSheet(ctx, conn.Handle, key.sheet, headers)
			}
			if eerr != nil {
				return eerr
			}
		}
		sheet = s
		return nil
	})
	if err != nil {
		if sheets.Classify(err) == sheets.ClassRateLimited {
			markRequeued(ops)
			return nil
		}
		failAll(ops, classifyRemote(err, "ensure sheet"))
		return err
	}
	for _, p := range headerOps {
		p.result = models.OpResult{Kind: models.OpSetHeader}
	}

	if len(addOps) > 0 {
		rows := make([]sheets.Row, 0, len(addOps))
		for _, p := range addOps {
			switch p.op.Kind {
			case models.OpAddRow:
				rows = append(rows, sheets.Row{ID: uuid.NewString(), Fields: p.op.Row})
			case models.OpAddRows:
				for _, r := range p.op.Rows {
					rows = append(rows, sheets.Row{ID: uuid.NewString(), Fields: r})
				}
			}
		}
		err = c.retry.Execute(ctx, func(ctx context.Context) error {
			return c.client.AddRows(ctx, sheet, rows)
		})
		if err != nil {
			if sheets.Classify(err) == sheets.ClassRateLimited {
				markRequeued(addOps)
				markRequeued(updateOps)
				markRequeued(deleteOps)
				return nil
			}
			werr := classifyRemote(err, "add rows")
			failAll(addOps, werr)
			failAll(updateOps, werr)
			failAll(deleteOps, werr)
			return err
		}
		i := 0
		for _, p := range addOps {
			switch p.op.Kind {
			case models.OpAddRow:
				p.result = models.OpResult{Kind: models.OpAddRow, RowID: rows[i].ID, Count: 1}
				i++
			case models.OpAddRows:
				p.result = models.OpResult{Kind: models.OpAddRows, Count: len(p.op.Rows)}
				i += len(p.op.Rows)
			}
		}
	}

	for idx, p := range updateOps {
		err = c.retry.Execute(ctx, func(ctx context.Context) error {
			return c.client.UpdateRow(ctx, sheet, p.op.RowID, p.op.Fields)
		})
		if err != nil {
			if sheets.Classify(err) == sheets.ClassRateLimited {
				markRequeued(updateOps[idx:])
				markRequeued(deleteOps)
				return nil
			}
			// A single bad row must not poison the rest of the batch.
			p.err = classifyRemote(err, "update row")
			continue
		}
		p.result = models.OpResult{Kind: models.OpUpdateRow, RowID: p.op.RowID, Count: 1}
	}

	// Duplicate deletions for the same row collapse into one remote call;
	// every caller still gets a resolution.
	deleted := make(map[string]error)
	for _, p := range deleteOps {
		derr, seen := deleted[p.op.RowID]
		if !seen {
			derr = c.retry.Execute(ctx, func(ctx context.Context) error {
				return c.client.DeleteRow(ctx, sheet, p.op.RowID)
			})
			if derr != nil && sheets.Classify(derr) == sheets.ClassRateLimited {
				markRequeued(deleteOps)
				return nil
			}
			deleted[p.op.RowID] = derr
		}
		if derr != nil {
			p.err = classifyRemote(derr, "delete row")
			continue
		}
		p.result = models.OpResult{Kind: models.OpDeleteRow, RowID: p.op.RowID, Count: 1}
	}
	return nil
}

func markRequeued(ops []*pending) {
	for _, p := range ops {
		if p.err == nil && p.result.Kind == "" {
			p.requeued = true
		}
	}
}

func failAll(ops []*pending, err error) {
	for _, p := range ops {
		if p.err == nil && p.result.Kind == "" {
			p.err = err
		}
	}
}

// classifyRemote maps a remote failure to the caller-facing taxonomy
func classifyRemote(err error, what string) error {
	if sgerrors.Is(err, context.DeadlineExceeded) {
		return sgerrors.Wrap(sgerrors.CodeTimeout, what+" deadline exceeded", err)
	}
	if sgerrors.Is(err, context.Canceled) {
		return sgerrors.Wrap(sgerrors.CodeCancelled, what+" cancelled", err)
	}
	switch sheets.Classify(err) {
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

// publishEvents announces what the flush changed. Delivery is synchronous:
// invalidation handlers finish before any future resolves.
func (c *Coordinator) publishEvents(ctx context.Context, key queueKey, ops []*pending) {
	if c.bus == nil {
		return
	}

	anyDone := false
	anyAdd := false
	var updatedRows, deletedRows []string
	for _, p := range ops {
		if p.requeued || p.err != nil {
			continue
		}
		anyDone = true
		switch p.op.Kind {
		case models.OpAddRow, models.OpAddRows:
			anyAdd = true
		case models.OpUpdateRow:
			updatedRows = append(updatedRows, p.op.RowID)
		case models.OpDeleteRow:
			deletedRows = append(deletedRows, p.op.RowID)
		}
	}
	if !anyDone {
		return
	}

	sheetCtx := map[string]string{"sheet": key.sheet}
	_ = c.bus.PublishSync(ctx, events.Event{Name: events.EventSheetWrite, TenantID: key.tenantID, Context: sheetCtx})
	if anyAdd {
		_ = c.bus.PublishSync(ctx, events.Event{Name: events.EventRowAdd, TenantID: key.tenantID, Context: sheetCtx})
	}
	for _, id := range updatedRows {
		_ = c.bus.PublishSync(ctx, events.Event{Name: events.EventRowUpdate, TenantID: key.tenantID, Context: map[string]string{"sheet": key.sheet, "row_id": id}})
	}
	for _, id := range deletedRows {
		_ = c.bus.PublishSync(ctx, events.Event{Name: events.EventRowDelete, TenantID: key.tenantID, Context: map[string]string{"sheet": key.sheet, "row_id": id}})
	}
}

// FlushAll synchronously flushes every queue, or only the named tenants'
// queues when given. Rate-deferred work may remain queued afterwards.
func (c *Coordinator) FlushAll(ctx context.Context, tenantIDs ...string) {
	scope := make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		scope[id] = true
	}

	c.mu.Lock()
	queues := make([]*queue, 0, len(c.queues))
	for key, q := range c.queues {
		if len(scope) == 0 || scope[key.tenantID] {
			queues = append(queues, q)
		}
	}
	c.mu.Unlock()

	for _, q := range queues {
		c.flush(q)
	}
	c.wg.Wait()
}

// Stop flushes everything once and fails whatever could not be flushed.
// New enqueues are rejected from the moment Stop begins.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	queues := make([]*queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		c.flush(q)
	}
	c.wg.Wait()

	for _, q := range queues {
		q.mu.Lock()
		q.delay.Stop()
		q.ceiling.Stop()
		ops := q.ops
		q.ops = nil
		q.mu.Unlock()
		for _, p := range ops {
			p.fut.fail(sgerrors.New(sgerrors.CodeCancelled, "coordinator shutting down"))
		}
	}
	return nil
}

// Stats returns the coordinator counter snapshot
func (c *Coordinator) Stats() models.BatchStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stats := models.BatchStats{
		Enqueued: c.enqueued,
		Flushed:  c.flushed,
		Batches:  c.batches,
		Errors:   c.errors,
	}
	if c.batches > 0 {
		stats.AvgBatchSize = float64(c.flushed+c.errors) / float64(c.batches)
	}
	return stats
}
