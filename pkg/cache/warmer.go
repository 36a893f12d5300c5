package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adcraft-io/sheetgate/pkg/observability"
)

// WarmFunc recomputes one access pattern for a tenant and reprimes the
// cache. Implementations go through the normal read path so entries land
// with standard tags and TTLs.
type WarmFunc func(ctx context.Context, tenantID, pattern string) error

// WarmerConfig tunes the predictive warmer
type WarmerConfig struct {
	// Threshold is the access count within the window that marks a pattern
	// hot.
	Threshold int
	// BatchSize caps how many patterns one cycle warms.
	BatchSize int
	// Interval is the cycle period.
	Interval time.Duration
	// Window is the sliding observation window.
	Window time.Duration
}

// DefaultWarmerConfig returns the production defaults
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Threshold: 5,
		BatchSize: 10,
		Interval:  10 * time.Second,
		Window:    5 * time.Minute,
	}
}

type patternKey struct {
	tenantID string
	pattern  string
}

type patternStats struct {
	accesses   []time.Time
	lastWarmed time.Time
}

// Warmer observes read traffic and re-primes patterns that cross the
// access threshold before their entries expire.
type Warmer struct {
	cfg     WarmerConfig
	warm    WarmFunc
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	patterns map[patternKey]*patternStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWarmer creates a predictive warmer
func NewWarmer(cfg WarmerConfig, warm WarmFunc, logger observability.Logger, metrics observability.MetricsClient) *Warmer {
	if logger == nil {
		logger = observability.NewLogger("warmer")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Warmer{
		cfg:      cfg,
		warm:     warm,
		logger:   logger,
		metrics:  metrics,
		patterns: make(map[patternKey]*patternStats),
	}
}

// Record notes one read access. The path is reduced to its template form so
// lookups for different ids count toward the same pattern.
func (w *Warmer) Record(tenantID, path string) {
	key := patternKey{tenantID: tenantID, pattern: NormalizePattern(path)}
	now := time.Now()
	cutoff := now.Add(-w.cfg.Window)

	w.mu.Lock()
	ps, ok := w.patterns[key]
	if !ok {
		ps = &patternStats{}
		w.patterns[key] = ps
	}
	kept := ps.accesses[:0]
	for _, t := range ps.accesses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ps.accesses = append(kept, now)
	w.mu.Unlock()
}

// Start launches the warming loop
func (w *Warmer) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the warming loop
func (w *Warmer) Stop(ctx context.Context) error {
	if w.stopCh != nil {
		close(w.stopCh)
		w.wg.Wait()
	}
	return nil
}

func (w *Warmer) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.cycle()
		case <-w.stopCh:
			return
		}
	}
}

// cycle warms up to BatchSize hot patterns, oldest-warmed first
func (w *Warmer) cycle() {
	now := time.Now()
	cutoff := now.Add(-w.cfg.Window)

	w.mu.Lock()
	var due []patternKey
	for key, ps := range w.patterns {
		kept := ps.accesses[:0]
		for _, t := range ps.accesses {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		ps.accesses = kept
		if len(kept) == 0 {
			delete(w.patterns, key)
			continue
		}
		if len(kept) >= w.cfg.Threshold && now.Sub(ps.lastWarmed) >= w.cfg.Interval {
			due = append(due, key)
		}
		if len(due) >= w.cfg.BatchSize {
			break
		}
	}
	for _, key := range due {
		w.patterns[key].lastWarmed = now
	}
	w.mu.Unlock()

	for _, key := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.warm(ctx, key.tenantID, key.pattern)
		cancel()
		if err != nil {
			w.logger.Debug("warm failed", map[string]interface{}{
				"tenant_id": key.tenantID,
				"pattern":   key.pattern,
				"error":     err.Error(),
			})
			continue
		}
		w.metrics.IncrementCounterWithLabels("cache.warmed", 1, map[string]string{"tenant_id": key.tenantID})
	}
}

// NormalizePattern collapses identifier segments (numbers, uuids) to "*" so
// per-row lookups aggregate into one template
func NormalizePattern(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if isNumeric(p) {
			parts[i] = "*"
			continue
		}
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
