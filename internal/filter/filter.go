// Package filter implements the ordered eligibility/business-rule chain a
// candidate must pass before scoring and storage. Filters are stateless and
// idempotent: the same candidate and context always yield the same decision.
package filter

import (
	"context"
	"fmt"
	"time"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/models"
)

// Filter types mirror the configured chain taxonomy.
const (
	TypeTrust        = "TRUST"
	TypeEligibility  = "ELIGIBILITY"
	TypeBusinessRule = "BUSINESS_RULE"
	TypeQuality      = "QUALITY"
	TypeCapacity     = "CAPACITY"
)

// Context carries the immutable inputs a filter may consult.
type Context struct {
	Program *config.ProgramConfig
	Now     time.Time
}

// Rejection is one filter's decision against one candidate.
type Rejection struct {
	Candidate  *models.Candidate
	Reason     string
	ReasonCode string
}

// Result partitions a filter's input. Every input candidate appears in
// exactly one of Passed or Rejected.
type Result struct {
	Passed   []*models.Candidate
	Rejected []Rejection
}

// Filter is one pluggable chain stage.
type Filter interface {
	FilterID() string
	FilterType() string
	Execute(ctx context.Context, candidates []*models.Candidate, fc *Context) (*Result, error)
}

// Factory builds a filter instance from its chain configuration.
type Factory func(cfg config.FilterConfig) (Filter, error)

// Registry maps filter IDs to factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given filter ID.
func (r *Registry) Register(filterID string, factory Factory) {
	r.factories[filterID] = factory
}

// Build instantiates the filter configured by cfg.
func (r *Registry) Build(cfg config.FilterConfig) (Filter, error) {
	factory, ok := r.factories[cfg.FilterID]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", cfg.FilterID)
	}
	return factory(cfg)
}

// NewDefaultRegistry returns a registry with all built-in filters.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FilterIDEligibilityWindow, NewEligibilityWindowFilter)
	r.Register(FilterIDMarketplaceAllowlist, NewMarketplaceAllowlistFilter)
	r.Register(FilterIDOrderValueFloor, NewOrderValueFloorFilter)
	r.Register(FilterIDMediaEligibility, NewMediaEligibilityFilter)
	r.Register(FilterIDCustomerCapacity, NewCustomerCapacityFilter)
	return r
}

// passAll is a convenience for filters rejecting nothing in a batch.
func passAll(candidates []*models.Candidate) *Result {
	return &Result{Passed: candidates}
}
