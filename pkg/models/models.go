// Package models holds the domain types shared across sheetgate components.
package models

import (
	"fmt"
	"time"
)

// Plan is a tenant's subscription tier
type Plan string

// Subscription plans
const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// RateMultiplier scales the base per-tenant token bucket capacity by plan
func (p Plan) RateMultiplier() float64 {
	switch p {
	case PlanPro:
		return 1.5
	case PlanGrowth:
		return 2
	case PlanEnterprise:
		return 4
	default:
		return 1
	}
}

// Valid reports whether the plan is a known tier
func (p Plan) Valid() bool {
	switch p {
	case PlanStarter, PlanPro, PlanGrowth, PlanEnterprise:
		return true
	}
	return false
}

// Tenant is an isolated customer namespace mapping to exactly one external
// sheet reference.
type Tenant struct {
	ID       string `json:"id" yaml:"id"`
	SheetRef string `json:"sheet_ref" yaml:"sheet_ref"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Plan     Plan   `json:"plan" yaml:"plan"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

// OpKind tags an Operation variant
type OpKind string

// Operation kinds
const (
	OpAddRow    OpKind = "addRow"
	OpAddRows   OpKind = "addRows"
	OpUpdateRow OpKind = "updateRow"
	OpDeleteRow OpKind = "deleteRow"
	OpSetHeader OpKind = "setHeader"
)

// Row is a single sheet row payload
type Row map[string]interface{}

// Operation is the tagged variant enqueued into a batch queue. Exactly the
// fields for its kind are set; use the constructors.
type Operation struct {
	Kind    OpKind   `json:"kind"`
	Row     Row      `json:"row,omitempty"`     // addRow
	Rows    []Row    `json:"rows,omitempty"`    // addRows
	RowID   string   `json:"row_id,omitempty"`  // updateRow, deleteRow
	Fields  Row      `json:"fields,omitempty"`  // updateRow
	Headers []string `json:"headers,omitempty"` // setHeader
}

// AddRow builds an addRow operation
func AddRow(row Row) Operation { return Operation{Kind: OpAddRow, Row: row} }

// AddRows builds an addRows operation
func AddRows(rows []Row) Operation { return Operation{Kind: OpAddRows, Rows: rows} }

// UpdateRow builds an updateRow operation
func UpdateRow(rowID string, fields Row) Operation {
	return Operation{Kind: OpUpdateRow, RowID: rowID, Fields: fields}
}

// DeleteRow builds a deleteRow operation
func DeleteRow(rowID string) Operation { return Operation{Kind: OpDeleteRow, RowID: rowID} }

// SetHeader builds a setHeader operation
func SetHeader(headers []string) Operation {
	return Operation{Kind: OpSetHeader, Headers: headers}
}

// Validate checks that the operation carries the payload its kind requires
func (o Operation) Validate() error {
	switch o.Kind {
	case OpAddRow:
		if o.Row == nil {
			return fmt.Errorf("addRow requires a row")
		}
	case OpAddRows:
		if len(o.Rows) == 0 {
			return fmt.Errorf("addRows requires at least one row")
		}
	case OpUpdateRow:
		if o.RowID == "" || o.Fields == nil {
			return fmt.Errorf("updateRow requires a row id and fields")
		}
	case OpDeleteRow:
		if o.RowID == "" {
			return fmt.Errorf("deleteRow requires a row id")
		}
	case OpSetHeader:
		if len(o.Headers) == 0 {
			return fmt.Errorf("setHeader requires headers")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// OpResult is the per-operation outcome delivered through a batch future
type OpResult struct {
	Kind  OpKind `json:"kind"`
	RowID string `json:"row_id,omitempty"`
	Count int    `json:"count,omitempty"`
}

// PoolStats is the connection pool counter snapshot
type PoolStats struct {
	Pools       int   `json:"pools"`
	Total       int64 `json:"total"`
	Active      int64 `json:"active"`
	Idle        int64 `json:"idle"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	RateLimited int64 `json:"rate_limited"`
}

// RateLimitInfo describes a tenant's token bucket state
type RateLimitInfo struct {
	TenantID  string        `json:"tenant_id"`
	Capacity  int           `json:"capacity"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// BatchStats is the batch coordinator counter snapshot
type BatchStats struct {
	Enqueued     int64   `json:"enqueued"`
	Flushed      int64   `json:"flushed"`
	Batches      int64   `json:"batches"`
	AvgBatchSize float64 `json:"avg_batch_size"`
	Errors       int64   `json:"errors"`
}

// TenantCacheStats is a per-tenant cache snapshot
type TenantCacheStats struct {
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// CacheStats is the cache counter snapshot
type CacheStats struct {
	HitRate  float64                     `json:"hit_rate"`
	Size     int64                       `json:"size"`
	Entries  int64                       `json:"entries"`
	ByTenant map[string]TenantCacheStats `json:"by_tenant"`
}
