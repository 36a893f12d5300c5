// Package pool lends bounded, rate-safe document handles to callers. It
// owns all Connections and per-tenant RateBuckets; consumers never see
// authentication or reconnection.
package pool

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/models"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/registry"
	"github.com/adcraft-io/sheetgate/pkg/retry"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

// Config tunes the connection pool and the per-tenant rate buckets
type Config struct {
	MaxGlobalConnections   int
	MaxConcurrentPerTenant int
	ConnectionTTL          time.Duration
	AcquireTimeout         time.Duration
	SweepInterval          time.Duration
	WaiterHighWatermark    int

	// Base token bucket: PerTenantMaxRequests per PerTenantWindow, scaled
	// by the tenant's plan multiplier.
	PerTenantMaxRequests int
	PerTenantWindow      time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxGlobalConnections:   200,
		MaxConcurrentPerTenant: 3,
		ConnectionTTL:          5 * time.Minute,
		AcquireTimeout:         10 * time.Second,
		SweepInterval:          5 * time.Second,
		WaiterHighWatermark:    32,
		PerTenantMaxRequests:   80,
		PerTenantWindow:        100 * time.Second,
	}
}

// Conn is a reusable handle to a remote document for one tenant. A Conn is
// owned by at most one caller at any instant.
type Conn struct {
	TenantID string
	Handle   sheets.Handle

	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
	gen        uint64
}

type tenantPool struct {
	tenantID string

	mu sync.Mutex
	// idle is ordered by lastUsedAt ascending: evict from the front, reuse
	// from the back.
	idle      []*Conn
	inUse     int // held connections plus slots reserved for dialing
	waiters   []chan *Conn
	limiter   *rate.Limiter
	capacity  int
	gen       uint64
	authFatal bool
}

// Pool is the per-tenant connection pool with a global budget
type Pool struct {
	cfg      Config
	registry *registry.Registry
	client   sheets.DocumentClient
	logger   observability.Logger
	metrics  observability.MetricsClient
	backoff  retry.Policy

	mu      sync.RWMutex
	tenants map[string]*tenantPool

	totalLive   int64
	hits        int64
	misses      int64
	evictions   int64
	rateLimited int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a connection pool
func New(cfg Config, reg *registry.Registry, client sheets.DocumentClient, logger observability.Logger, metrics observability.MetricsClient) *Pool {
	if logger == nil {
		logger = observability.NewLogger("pool")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Pool{
		cfg:      cfg,
		registry: reg,
		client:   client,
		logger:   logger,
		metrics:  metrics,
		backoff:  retry.NewExponentialBackoff(retry.Config{InitialInterval: 50 * time.Millisecond, MaxRetries: 2}),
		tenants:  make(map[string]*tenantPool),
	}
}

// Bind subscribes the pool to registry events: removed tenants lose their
// connections before removal completes, and a config update drops stale
// handles and lifts any auth lockout so refreshed credentials get a retry
func (p *Pool) Bind(bus *events.Bus) {
	bus.Subscribe(events.EventTenantRemove, func(ctx context.Context, evt events.Event) error {
		return p.Clear(ctx, evt.TenantID)
	})
	bus.Subscribe(events.EventConfigUpdate, func(ctx context.Context, evt events.Event) error {
		return p.Clear(ctx, evt.TenantID)
	})
}

// Start launches the background idle sweep
func (p *Pool) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.sweepLoop()
}

// Stop halts the sweep and closes every idle connection
func (p *Pool) Stop(ctx context.Context) error {
	if p.stopCh != nil {
		close(p.stopCh)
		p.wg.Wait()
	}
	p.mu.RLock()
	pools := make([]*tenantPool, 0, len(p.tenants))
	for _, tp := range p.tenants {
		pools = append(pools, tp)
	}
	p.mu.RUnlock()

	for _, tp := range pools {
		tp.mu.Lock()
		victims := tp.idle
		tp.idle = nil
		tp.mu.Unlock()
		for _, c := range victims {
			p.closeConn(c)
		}
	}
	return nil
}

func (p *Pool) tenantPoolFor(tenant models.Tenant) *tenantPool {
	p.mu.RLock()
	tp, ok := p.tenants[tenant.ID]
	p.mu.RUnlock()
	if ok {
		return tp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tp, ok = p.tenants[tenant.ID]; ok {
		return tp
	}

	capacity := int(float64(p.cfg.PerTenantMaxRequests) * tenant.Plan.RateMultiplier())
	if capacity < 1 {
		capacity = 1
	}
	tp = &tenantPool{
		tenantID: tenant.ID,
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(float64(capacity)/p.cfg.PerTenantWindow.Seconds()), capacity),
	}
	p.tenants[tenant.ID] = tp
	return tp
}

// Acquire lends a connection to the caller. The returned release function
// must be called exactly once; passing a non-nil error discards the
// connection instead of returning it to the idle set.
func (p *Pool) Acquire(ctx context.Context, tenantID string) (*Conn, func(error), error) {
	tenant, err := p.registry.ResolveActive(tenantID)
	if err != nil {
		return nil, nil, err
	}
	tp := p.tenantPoolFor(tenant)

	tp.mu.Lock()
	if tp.authFatal {
		tp.mu.Unlock()
		return nil, nil, sgerrors.Newf(sgerrors.CodeAuthFailure, "tenant %q credentials rejected; awaiting config reload", tenantID)
	}

	res := tp.limiter.Reserve()
	if !res.OK() {
		tp.mu.Unlock()
		return nil, nil, sgerrors.New(sgerrors.CodeInvariant, "rate bucket cannot satisfy a single request")
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		tp.mu.Unlock()
		atomic.AddInt64(&p.rateLimited, 1)
		p.metrics.IncrementCounterWithLabels("pool.rate_limited", 1, map[string]string{"tenant_id": tenantID})
		return nil, nil, sgerrors.Newf(sgerrors.CodeRateLimited, "tenant %q rate limit exceeded", tenantID).
			WithRetryAfter(ceilToSecond(delay))
	}

	// Reuse the most recently used idle connection.
	if n := len(tp.idle); n > 0 {
		conn := tp.idle[n-1]
		tp.idle = tp.idle[:n-1]
		conn.inUse = true
		conn.lastUsedAt = time.Now()
		tp.inUse++
		tp.mu.Unlock()
		atomic.AddInt64(&p.hits, 1)
		return conn, p.releaser(tp, conn), nil
	}

	// Dial a new connection when the tenant has a free slot.
	if tp.inUse < p.cfg.MaxConcurrentPerTenant {
		tp.inUse++
		tp.mu.Unlock()
		atomic.AddInt64(&p.misses, 1)
		conn, err := p.dial(ctx, tp, tenant)
		if err != nil {
			res.Cancel()
			p.freeSlot(tp)
			return nil, nil, err
		}
		return conn, p.releaser(tp, conn), nil
	}

	// All slots busy: join the FIFO waiter list, bounded by the high
	// watermark so callers never pile up.
	if len(tp.waiters) >= p.cfg.WaiterHighWatermark {
		tp.mu.Unlock()
		res.Cancel()
		return nil, nil, sgerrors.Newf(sgerrors.CodePoolExhausted, "tenant %q waiter queue full", tenantID).
			WithRetryAfter(time.Second)
	}
	ch := make(chan *Conn, 1)
	tp.waiters = append(tp.waiters, ch)
	tp.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-ch:
		return p.finishHandoff(ctx, tp, tenant, conn, res)
	case <-timer.C:
		if p.cancelWait(tp, ch) {
			res.Cancel()
			return nil, nil, sgerrors.Newf(sgerrors.CodePoolExhausted, "tenant %q acquire timed out", tenantID).
				WithRetryAfter(time.Second)
		}
		// A handoff raced the timeout; we still own the result.
		return p.finishHandoff(ctx, tp, tenant, <-ch, res)
	case <-ctx.Done():
		if !p.cancelWait(tp, ch) {
			// Return the raced handoff to the pool.
			if conn := <-ch; conn != nil {
				p.releaseConn(tp, conn, nil)
			} else {
				p.freeSlot(tp)
			}
		}
		res.Cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil, sgerrors.Wrap(sgerrors.CodeTimeout, "acquire deadline exceeded", ctx.Err())
		}
		return nil, nil, sgerrors.Wrap(sgerrors.CodeCancelled, "acquire cancelled", ctx.Err())
	}
}

// finishHandoff completes an acquire that went through the waiter list. A
// nil conn means the slot was transferred and we dial ourselves.
func (p *Pool) finishHandoff(ctx context.Context, tp *tenantPool, tenant models.Tenant, conn *Conn, res *rate.Reservation) (*Conn, func(error), error) {
	if conn != nil {
		atomic.AddInt64(&p.hits, 1)
		return conn, p.releaser(tp, conn), nil
	}
	atomic.AddInt64(&p.misses, 1)
	dialed, err := p.dial(ctx, tp, tenant)
	if err != nil {
		res.Cancel()
		p.freeSlot(tp)
		return nil, nil, err
	}
	return dialed, p.releaser(tp, dialed), nil
}

// cancelWait removes ch from the waiter list. Returns false when the
// channel was already signalled.
func (p *Pool) cancelWait(tp *tenantPool, ch chan *Conn) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for i, w := range tp.waiters {
		if w == ch {
			tp.waiters = append(tp.waiters[:i], tp.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// freeSlot releases a reserved-but-unfilled slot, transferring it to the
// head waiter when one exists
func (p *Pool) freeSlot(tp *tenantPool) {
	tp.mu.Lock()
	if len(tp.waiters) > 0 {
		ch := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		tp.mu.Unlock()
		ch <- nil
		return
	}
	tp.inUse--
	tp.mu.Unlock()
}

func (p *Pool) releaser(tp *tenantPool, conn *Conn) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			p.releaseConn(tp, conn, err)
		})
	}
}

func (p *Pool) releaseConn(tp *tenantPool, conn *Conn, errRes error) {
	broken := errRes != nil

	tp.mu.Lock()
	if conn.gen != tp.gen {
		// Tenant was cleared while this connection was out; never reuse.
		broken = true
	}
	if broken {
		if len(tp.waiters) > 0 {
			ch := tp.waiters[0]
			tp.waiters = tp.waiters[1:]
			tp.mu.Unlock()
			p.closeConn(conn)
			ch <- nil
			return
		}
		tp.inUse--
		tp.mu.Unlock()
		p.closeConn(conn)
		return
	}

	conn.lastUsedAt = time.Now()
	if len(tp.waiters) > 0 {
		ch := tp.waiters[0]
		tp.waiters = tp.waiters[1:]
		tp.mu.Unlock()
		ch <- conn
		return
	}
	conn.inUse = false
	tp.inUse--
	tp.idle = append(tp.idle, conn)
	tp.mu.Unlock()
}

// dial opens a new remote handle, enforcing the global budget and applying
// the retry policy: transient errors retry once with jitter, auth errors
// refresh credentials once, rate limits defer to the caller.
func (p *Pool) dial(ctx context.Context, tp *tenantPool, tenant models.Tenant) (*Conn, error) {
	if err := p.ensureGlobalBudget(); err != nil {
		return nil, err
	}

	refreshed := false
	retried := false
	for {
		h, err := p.client.Open(ctx, tenant.SheetRef)
		if err == nil {
			if lerr := p.client.LoadInfo(ctx, h); lerr != nil {
				_ = p.client.Close(ctx, h)
				err = lerr
			} else {
				now := time.Now()
				tp.mu.Lock()
				gen := tp.gen
				tp.mu.Unlock()
				conn := &Conn{
					TenantID:   tenant.ID,
					Handle:     h,
					createdAt:  now,
					lastUsedAt: now,
					inUse:      true,
					gen:        gen,
				}
				atomic.AddInt64(&p.totalLive, 1)
				return conn, nil
			}
		}

		if sheets.IsAuthFatal(err) {
			tp.mu.Lock()
			tp.authFatal = true
			tp.mu.Unlock()
			p.logger.Error("fatal auth failure; tenant marked unusable", map[string]interface{}{
				"tenant_id": tenant.ID,
				"error":     err.Error(),
			})
			return nil, sgerrors.Wrap(sgerrors.CodeAuthFailure, "credentials rejected", err)
		}

		switch retry.Decide(err) {
		case retry.ActionRefreshAuth:
			if refreshed {
				return nil, sgerrors.Wrap(sgerrors.CodeAuthFailure, "auth failed after credential refresh", err)
			}
			refreshed = true
			if r, ok := p.client.(sheets.CredentialRefresher); ok {
				if rerr := r.RefreshCredentials(ctx, tenant.SheetRef); rerr != nil {
					return nil, sgerrors.Wrap(sgerrors.CodeAuthFailure, "credential refresh failed", rerr)
				}
			}
		case retry.ActionDefer:
			ra := sheets.RetryAfter(err)
			if ra == 0 {
				ra = time.Second
			}
			return nil, sgerrors.Wrap(sgerrors.CodeRateLimited, "remote rate limit", err).WithRetryAfter(ra)
		case retry.ActionRetry:
			if retried {
				return nil, sgerrors.Wrap(sgerrors.CodeTimeout, "document service unavailable", err)
			}
			retried = true
			select {
			case <-time.After(p.backoff.NextDelay(1)):
			case <-ctx.Done():
				return nil, sgerrors.Wrap(sgerrors.CodeTimeout, "dial cancelled", ctx.Err())
			}
		default:
			if sgerrors.Is(err, context.DeadlineExceeded) {
				return nil, sgerrors.Wrap(sgerrors.CodeTimeout, "dial deadline exceeded", err)
			}
			if sgerrors.Is(err, context.Canceled) {
				return nil, sgerrors.Wrap(sgerrors.CodeCancelled, "dial cancelled", err)
			}
			if sheets.Classify(err) == sheets.ClassConflict {
				return nil, sgerrors.Wrap(sgerrors.CodeConflict, "concurrent document change", err)
			}
			return nil, sgerrors.Wrap(sgerrors.CodeInvariant, "fatal document service error", err)
		}
	}
}

// ensureGlobalBudget evicts idle connections least-recently-used first
// before allowing a new one. Fails pool-exhausted when everything live is
// in use.
func (p *Pool) ensureGlobalBudget() error {
	for atomic.LoadInt64(&p.totalLive) >= int64(p.cfg.MaxGlobalConnections) {
		if !p.evictIdleLRU() {
			return sgerrors.New(sgerrors.CodePoolExhausted, "global connection budget exhausted").
				WithRetryAfter(time.Second)
		}
	}
	return nil
}

// evictIdleLRU closes the globally least-recently-used idle connection
func (p *Pool) evictIdleLRU() bool {
	p.mu.RLock()
	pools := make([]*tenantPool, 0, len(p.tenants))
	for _, tp := range p.tenants {
		pools = append(pools, tp)
	}
	p.mu.RUnlock()

	var victim *tenantPool
	var oldest time.Time
	for _, tp := range pools {
		tp.mu.Lock()
		if len(tp.idle) > 0 {
			if victim == nil || tp.idle[0].lastUsedAt.Before(oldest) {
				victim = tp
				oldest = tp.idle[0].lastUsedAt
			}
		}
		tp.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	if len(victim.idle) == 0 {
		victim.mu.Unlock()
		return false
	}
	conn := victim.idle[0]
	victim.idle = victim.idle[1:]
	victim.mu.Unlock()

	p.closeConn(conn)
	atomic.AddInt64(&p.evictions, 1)
	return true
}

func (p *Pool) closeConn(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Close(ctx, conn.Handle); err != nil {
		p.logger.Warn("failed to close connection", map[string]interface{}{
			"tenant_id": conn.TenantID,
			"error":     err.Error(),
		})
	}
	atomic.AddInt64(&p.totalLive, -1)
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopCh:
			return
		}
	}
}

// sweepIdle evicts idle connections older than the TTL
func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.cfg.ConnectionTTL)

	p.mu.RLock()
	pools := make([]*tenantPool, 0, len(p.tenants))
	for _, tp := range p.tenants {
		pools = append(pools, tp)
	}
	p.mu.RUnlock()

	for _, tp := range pools {
		var victims []*Conn
		tp.mu.Lock()
		for len(tp.idle) > 0 && tp.idle[0].lastUsedAt.Before(cutoff) {
			victims = append(victims, tp.idle[0])
			tp.idle = tp.idle[1:]
		}
		tp.mu.Unlock()

		for _, c := range victims {
			p.closeConn(c)
			atomic.AddInt64(&p.evictions, 1)
		}
	}
}

// Clear closes and drops all of a tenant's connections. In-flight
// connections are discarded on release instead of returning to the idle
// set, so no handle outlives the clear.
func (p *Pool) Clear(ctx context.Context, tenantID string) error {
	p.mu.RLock()
	tp, ok := p.tenants[tenantID]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	tp.mu.Lock()
	tp.gen++
	tp.authFatal = false
	victims := tp.idle
	tp.idle = nil
	tp.mu.Unlock()

	for _, c := range victims {
		p.closeConn(c)
	}
	p.logger.Info("tenant connections cleared", map[string]interface{}{
		"tenant_id": tenantID,
		"closed":    len(victims),
	})
	return nil
}

// Prewarm opens one connection per enabled tenant, within the global
// budget. Prewarm dials do not consume rate tokens.
func (p *Pool) Prewarm(ctx context.Context) {
	for _, tenant := range p.registry.List() {
		if !tenant.Enabled {
			continue
		}
		tp := p.tenantPoolFor(tenant)

		tp.mu.Lock()
		busy := tp.inUse > 0 || len(tp.idle) > 0
		if !busy {
			tp.inUse++
		}
		tp.mu.Unlock()
		if busy {
			continue
		}

		conn, err := p.dial(ctx, tp, tenant)
		if err != nil {
			p.freeSlot(tp)
			p.logger.Warn("prewarm dial failed", map[string]interface{}{
				"tenant_id": tenant.ID,
				"error":     err.Error(),
			})
			continue
		}
		p.releaseConn(tp, conn, nil)
	}
}

// Stats returns the pool counter snapshot
func (p *Pool) Stats() models.PoolStats {
	p.mu.RLock()
	pools := make([]*tenantPool, 0, len(p.tenants))
	for _, tp := range p.tenants {
		pools = append(pools, tp)
	}
	p.mu.RUnlock()

	var active, idle int64
	for _, tp := range pools {
		tp.mu.Lock()
		active += int64(tp.inUse)
		idle += int64(len(tp.idle))
		tp.mu.Unlock()
	}

	return models.PoolStats{
		Pools:       len(pools),
		Total:       atomic.LoadInt64(&p.totalLive),
		Active:      active,
		Idle:        idle,
		Hits:        atomic.LoadInt64(&p.hits),
		Misses:      atomic.LoadInt64(&p.misses),
		Evictions:   atomic.LoadInt64(&p.evictions),
		RateLimited: atomic.LoadInt64(&p.rateLimited),
	}
}

// RateLimitInfo reports a tenant's current bucket state
func (p *Pool) RateLimitInfo(tenantID string) (models.RateLimitInfo, error) {
	tenant, err := p.registry.Resolve(tenantID)
	if err != nil {
		return models.RateLimitInfo{}, err
	}
	tp := p.tenantPoolFor(tenant)

	tp.mu.Lock()
	tokens := tp.limiter.Tokens()
	capacity := tp.capacity
	perSec := float64(tp.limiter.Limit())
	tp.mu.Unlock()

	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	var resetIn time.Duration
	if missing := float64(capacity) - tokens; missing > 0 && perSec > 0 {
		resetIn = time.Duration(missing / perSec * float64(time.Second))
	}
	return models.RateLimitInfo{
		TenantID:  tenantID,
		Capacity:  capacity,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

func ceilToSecond(d time.Duration) time.Duration {
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
