package filter

import (
	"context"
	"fmt"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/models"
)

// Built-in filter IDs referenced by program configs.
const (
	FilterIDEligibilityWindow    = "eligibility-window"
	FilterIDMarketplaceAllowlist = "marketplace-allowlist"
	FilterIDOrderValueFloor      = "order-value-floor"
	FilterIDMediaEligibility     = "media-eligibility"
	FilterIDCustomerCapacity     = "customer-capacity"
)

func paramInt(params map[string]interface{}, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			// JSON numbers decode as float64.
			return int(n)
		}
	}
	return def
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

// eligibilityWindowFilter rejects candidates whose event is too old or in
// the future.
type eligibilityWindowFilter struct {
	id      string
	maxDays int
}

func NewEligibilityWindowFilter(cfg config.FilterConfig) (Filter, error) {
	return &eligibilityWindowFilter{
		id:      cfg.FilterID,
		maxDays: paramInt(cfg.Params, "maxEventAgeDays", 30),
	}, nil
}

func (f *eligibilityWindowFilter) FilterID() string   { return f.id }
func (f *eligibilityWindowFilter) FilterType() string { return TypeEligibility }

func (f *eligibilityWindowFilter) Execute(_ context.Context, candidates []*models.Candidate, fc *Context) (*Result, error) {
	result := &Result{}
	cutoff := fc.Now.AddDate(0, 0, -f.maxDays)
	for _, cand := range candidates {
		switch {
		case cand.Attributes.EventDate.After(fc.Now):
			result.Rejected = append(result.Rejected, Rejection{
				Candidate:  cand,
				Reason:     "event date is in the future",
				ReasonCode: "EVENT_IN_FUTURE",
			})
		case cand.Attributes.EventDate.Before(cutoff):
			result.Rejected = append(result.Rejected, Rejection{
				Candidate:  cand,
				Reason:     fmt.Sprintf("event older than %d days", f.maxDays),
				ReasonCode: "EVENT_TOO_OLD",
			})
		default:
			result.Passed = append(result.Passed, cand)
		}
	}
	return result, nil
}

// marketplaceAllowlistFilter rejects candidates outside the program's
// marketplaces.
type marketplaceAllowlistFilter struct {
	id string
}

func NewMarketplaceAllowlistFilter(cfg config.FilterConfig) (Filter, error) {
	return &marketplaceAllowlistFilter{id: cfg.FilterID}, nil
}

func (f *marketplaceAllowlistFilter) FilterID() string   { return f.id }
func (f *marketplaceAllowlistFilter) FilterType() string { return TypeTrust }

func (f *marketplaceAllowlistFilter) Execute(_ context.Context, candidates []*models.Candidate, fc *Context) (*Result, error) {
	if len(fc.Program.Marketplaces) == 0 {
		return passAll(candidates), nil
	}
	allowed := make(map[string]bool, len(fc.Program.Marketplaces))
	for _, m := range fc.Program.Marketplaces {
		allowed[m] = true
	}

	result := &Result{}
	for _, cand := range candidates {
		if allowed[cand.MarketplaceID()] {
			result.Passed = append(result.Passed, cand)
		} else {
			result.Rejected = append(result.Rejected, Rejection{
				Candidate:  cand,
				Reason:     fmt.Sprintf("marketplace %q not enabled for program", cand.MarketplaceID()),
				ReasonCode: "MARKETPLACE_NOT_ALLOWED",
			})
		}
	}
	return result, nil
}

// orderValueFloorFilter rejects candidates below a minimum order value.
type orderValueFloorFilter struct {
	id    string
	floor float64
}

func NewOrderValueFloorFilter(cfg config.FilterConfig) (Filter, error) {
	return &orderValueFloorFilter{
		id:    cfg.FilterID,
		floor: paramFloat(cfg.Params, "minOrderValue", 0),
	}, nil
}

func (f *orderValueFloorFilter) FilterID() string   { return f.id }
func (f *orderValueFloorFilter) FilterType() string { return TypeBusinessRule }

func (f *orderValueFloorFilter) Execute(_ context.Context, candidates []*models.Candidate, _ *Context) (*Result, error) {
	result := &Result{}
	for _, cand := range candidates {
		if cand.Attributes.OrderValue >= f.floor {
			result.Passed = append(result.Passed, cand)
		} else {
			result.Rejected = append(result.Rejected, Rejection{
				Candidate:  cand,
				Reason:     fmt.Sprintf("order value %.2f below floor %.2f", cand.Attributes.OrderValue, f.floor),
				ReasonCode: "ORDER_VALUE_BELOW_FLOOR",
			})
		}
	}
	return result, nil
}

// mediaEligibilityFilter rejects candidates not flagged media eligible; used
// by programs soliciting photo/video reviews.
type mediaEligibilityFilter struct {
	id string
}

func NewMediaEligibilityFilter(cfg config.FilterConfig) (Filter, error) {
	return &mediaEligibilityFilter{id: cfg.FilterID}, nil
}

func (f *mediaEligibilityFilter) FilterID() string   { return f.id }
func (f *mediaEligibilityFilter) FilterType() string { return TypeQuality }

func (f *mediaEligibilityFilter) Execute(_ context.Context, candidates []*models.Candidate, _ *Context) (*Result, error) {
	result := &Result{}
	for _, cand := range candidates {
		if cand.Attributes.MediaEligible {
			result.Passed = append(result.Passed, cand)
		} else {
			result.Rejected = append(result.Rejected, Rejection{
				Candidate:  cand,
				Reason:     "subject not eligible for media solicitation",
				ReasonCode: "MEDIA_INELIGIBLE",
			})
		}
	}
	return result, nil
}

// customerCapacityFilter caps how many candidates a single customer may
// contribute within one batch; excess candidates beyond the cap are
// rejected in input order, keeping the decision deterministic.
type customerCapacityFilter struct {
	id  string
	max int
}

func NewCustomerCapacityFilter(cfg config.FilterConfig) (Filter, error) {
	return &customerCapacityFilter{
		id:  cfg.FilterID,
		max: paramInt(cfg.Params, "maxPerCustomer", 5),
	}, nil
}

func (f *customerCapacityFilter) FilterID() string   { return f.id }
func (f *customerCapacityFilter) FilterType() string { return TypeCapacity }

func (f *customerCapacityFilter) Execute(_ context.Context, candidates []*models.Candidate, _ *Context) (*Result, error) {
	result := &Result{}
	counts := make(map[string]int)
	for _, cand := range candidates {
		counts[cand.CustomerID]++
		if counts[cand.CustomerID] <= f.max {
			result.Passed = append(result.Passed, cand)
		} else {
			result.Rejected = append(result.Rejected, Rejection{
				Candidate:  cand,
				Reason:     fmt.Sprintf("customer exceeds %d candidates in batch", f.max),
				ReasonCode: "CUSTOMER_CAPACITY_EXCEEDED",
			})
		}
	}
	return result, nil
}
