// Package registry owns the authoritative tenant mapping: tenant id to
// external sheet reference plus plan metadata. Components reference tenants
// by id only and resolve through here.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	commoncache "github.com/adcraft-io/sheetgate/pkg/common/cache"
	"github.com/adcraft-io/sheetgate/pkg/config"
	sgerrors "github.com/adcraft-io/sheetgate/pkg/errors"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/models"
	"github.com/adcraft-io/sheetgate/pkg/observability"
)

const snapshotKey = "sheetgate:registry:snapshot"
const snapshotTTL = 24 * time.Hour

// Registry resolves tenants and accepts dynamic additions and removals
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]models.Tenant

	bus      *events.Bus
	snapshot commoncache.Cache
	logger   observability.Logger
}

// Option configures optional registry collaborators
type Option func(*Registry)

// WithSnapshot shares dynamic registrations across replicas through the
// given cache. Best effort: snapshot failures are logged, never fatal.
func WithSnapshot(c commoncache.Cache) Option {
	return func(r *Registry) { r.snapshot = c }
}

// New creates a registry seeded from configuration
func New(cfg config.RegistryConfig, bus *events.Bus, logger observability.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = observability.NewLogger("registry")
	}
	r := &Registry{
		tenants: make(map[string]models.Tenant),
		bus:     bus,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	seed, err := loadSeed(cfg)
	if err != nil {
		return nil, err
	}
	for _, t := range seed {
		r.tenants[t.ID] = t
	}

	r.restoreSnapshot()

	logger.Info("tenant registry loaded", map[string]interface{}{
		"tenants": len(r.tenants),
	})
	return r, nil
}

// loadSeed merges the file source and the inline map; inline wins.
func loadSeed(cfg config.RegistryConfig) ([]models.Tenant, error) {
	byID := make(map[string]models.Tenant)

	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("read tenant file: %w", err)
		}
		var file struct {
			Tenants []models.Tenant `yaml:"tenants"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse tenant file: %w", err)
		}
		for _, t := range file.Tenants {
			if t.Plan == "" {
				t.Plan = models.PlanStarter
			}
			byID[t.ID] = t
		}
	}

	for id, sheetRef := range cfg.Tenants {
		byID[id] = models.Tenant{
			ID:       id,
			SheetRef: sheetRef,
			Plan:     models.PlanStarter,
			Enabled:  true,
		}
	}

	out := make([]models.Tenant, 0, len(byID))
	for _, t := range byID {
		if t.ID == "" || t.SheetRef == "" {
			return nil, fmt.Errorf("tenant entry missing id or sheet_ref: %+v", t)
		}
		out = append(out, t)
	}
	return out, nil
}

// Resolve returns the tenant record, including disabled tenants (used by
// administrative surfaces)
func (r *Registry) Resolve(tenantID string) (models.Tenant, error) {
	r.mu.RLock()
	t, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if !ok {
		return models.Tenant{}, sgerrors.Newf(sgerrors.CodeTenantUnknown, "tenant %q not registered", tenantID)
	}
	return t, nil
}

// ResolveActive returns the tenant record only when it is enabled. Disabled
// tenants must not produce outbound traffic.
func (r *Registry) ResolveActive(tenantID string) (models.Tenant, error) {
	t, err := r.Resolve(tenantID)
	if err != nil {
		return models.Tenant{}, err
	}
	if !t.Enabled {
		return models.Tenant{}, sgerrors.Newf(sgerrors.CodeTenantUnknown, "tenant %q is disabled", tenantID)
	}
	return t, nil
}

// AddOrUpdate registers or updates a tenant. Updates to an existing tenant
// publish config:update so caches drop configuration-derived entries.
func (r *Registry) AddOrUpdate(ctx context.Context, t models.Tenant) error {
	if t.ID == "" || t.SheetRef == "" {
		return sgerrors.New(sgerrors.CodeInvariant, "tenant requires id and sheet_ref")
	}
	if t.Plan == "" {
		t.Plan = models.PlanStarter
	}
	if !t.Plan.Valid() {
		return sgerrors.Newf(sgerrors.CodeInvariant, "unknown plan %q", t.Plan)
	}

	r.mu.Lock()
	_, existed := r.tenants[t.ID]
	r.tenants[t.ID] = t
	r.mu.Unlock()

	r.storeSnapshot(ctx)

	if existed && r.bus != nil {
		_ = r.bus.PublishSync(ctx, events.Event{
			Name:     events.EventConfigUpdate,
			TenantID: t.ID,
		})
	}
	return nil
}

// Remove deregisters a tenant. The tenant:remove event is published
// synchronously so the pool and cache drop tenant state before Remove
// returns.
func (r *Registry) Remove(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	_, ok := r.tenants[tenantID]
	delete(r.tenants, tenantID)
	r.mu.Unlock()

	if !ok {
		return sgerrors.Newf(sgerrors.CodeTenantUnknown, "tenant %q not registered", tenantID)
	}

	r.storeSnapshot(ctx)

	if r.bus != nil {
		if err := r.bus.PublishSync(ctx, events.Event{
			Name:     events.EventTenantRemove,
			TenantID: tenantID,
		}); err != nil {
			r.logger.Warn("tenant removal cleanup reported errors", map[string]interface{}{
				"tenant_id": tenantID,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// List returns all tenants ordered by id
func (r *Registry) List() []models.Tenant {
	r.mu.RLock()
	out := make([]models.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered tenants
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

func (r *Registry) storeSnapshot(ctx context.Context) {
	if r.snapshot == nil {
		return
	}
	if err := r.snapshot.Set(ctx, snapshotKey, r.List(), snapshotTTL); err != nil {
		r.logger.Warn("failed to store registry snapshot", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (r *Registry) restoreSnapshot() {
	if r.snapshot == nil {
		return
	}
	var snap []models.Tenant
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.snapshot.Get(ctx, snapshotKey, &snap); err != nil {
		if err != commoncache.ErrNotFound {
			r.logger.Warn("failed to restore registry snapshot", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	// Snapshot entries never override the configured seed.
	for _, t := range snap {
		if _, ok := r.tenants[t.ID]; !ok {
			r.tenants[t.ID] = t
		}
	}
}
