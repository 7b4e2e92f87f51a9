package serving

import (
	"context"
	"sync"
	"time"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/experiment"
	"ceap-engine/internal/filter"
	"ceap-engine/internal/models"
	"ceap-engine/internal/store"
)

// Request selects candidates for one customer. Channel and ProgramID are
// optional narrowing filters; a zero Limit uses the configured default.
type Request struct {
	CustomerID         string
	Channel            string
	ProgramID          string
	Limit              int
	IncludeScores      bool
	RefreshEligibility bool
}

// Response carries the ranked candidates plus serving metadata.
type Response struct {
	CustomerID           string
	Candidates           []*models.Candidate
	EligibilityRefreshed bool
	ServedAt             time.Time
}

// Service answers serving queries against the candidate store. It is
// transport-agnostic; callers embed it behind whatever edge they run.
type Service struct {
	store    store.CandidateStore
	ranker   *Ranker
	registry *filter.Registry
	programs map[string]*config.ProgramConfig
	cfg      config.ServingConfig
	logger   logger.Logger
	now      func() time.Time

	mu     sync.Mutex
	chains map[string]*filter.Chain
}

func NewService(st store.CandidateStore, registry *filter.Registry, programs []*config.ProgramConfig, cfg config.ServingConfig, log logger.Logger) *Service {
	byID := make(map[string]*config.ProgramConfig, len(programs))
	for _, p := range programs {
		byID[p.ProgramID] = p
	}
	return &Service{
		store:    st,
		ranker:   NewRanker(),
		registry: registry,
		programs: byID,
		cfg:      cfg,
		logger:   log.WithFields(map[string]interface{}{"component": "serving"}),
		now:      time.Now,
	}
}

func (s *Service) limit(requested int) int {
	if requested > 0 {
		return requested
	}
	if s.cfg.DefaultLimit > 0 {
		return s.cfg.DefaultLimit
	}
	return store.DefaultQueryLimit
}

func (s *Service) stalenessThreshold() time.Duration {
	if s.cfg.StalenessThreshold <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(s.cfg.StalenessThreshold) * time.Minute
}

func (s *Service) refreshTimeout() time.Duration {
	if s.cfg.RefreshTimeout <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.cfg.RefreshTimeout) * time.Millisecond
}

// GetCandidatesForCustomer returns the customer's live candidates, ranked
// for the requested channel. Refresh failures degrade to stale data with
// EligibilityRefreshed left false; they never fail the request.
func (s *Service) GetCandidatesForCustomer(ctx context.Context, req Request) (*Response, error) {
	start := s.now()
	defer func() {
		metrics.ServingDuration.Observe(time.Since(start).Seconds())
	}()

	all, err := s.store.QueryByCustomer(ctx, req.CustomerID)
	if err != nil {
		metrics.ServingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ServingRequests.WithLabelValues("ok").Inc()

	now := s.now().UTC()
	var matched []*models.Candidate
	for _, cand := range all {
		if cand.IsExpired(now) {
			continue
		}
		if req.ProgramID != "" && cand.ProgramID() != req.ProgramID {
			continue
		}
		if req.Channel != "" && !cand.ChannelEligible(req.Channel) {
			continue
		}
		matched = append(matched, cand)
	}

	s.applyTreatments(matched)

	resp := &Response{CustomerID: req.CustomerID, ServedAt: now}
	if req.RefreshEligibility {
		matched, resp.EligibilityRefreshed = s.refreshStale(ctx, matched, now)
	}

	s.ranker.Rank(matched, req.Channel, now)
	if limit := s.limit(req.Limit); len(matched) > limit {
		matched = matched[:limit]
	}
	if !req.IncludeScores {
		for _, cand := range matched {
			cand.Scores = nil
		}
	}
	resp.Candidates = matched
	return resp, nil
}

// GetCandidatesForCustomers serves a batch of customers. Each customer's
// slot holds only that customer's result; one customer's failure does not
// disturb the others.
func (s *Service) GetCandidatesForCustomers(ctx context.Context, customerIDs []string, req Request) map[string]*Response {
	out := make(map[string]*Response, len(customerIDs))
	for _, customerID := range customerIDs {
		r := req
		r.CustomerID = customerID
		resp, err := s.GetCandidatesForCustomer(ctx, r)
		if err != nil {
			s.logger.WithError(err).Warn("batch serving slot failed", map[string]interface{}{
				"customerId": customerID,
			})
			out[customerID] = &Response{CustomerID: customerID, ServedAt: s.now().UTC()}
			continue
		}
		out[customerID] = resp
	}
	return out
}

// applyTreatments stamps experiment assignments so served candidates
// reflect the customer's arm. Assignment is deterministic, so re-stamping
// an already stamped candidate is a no-op.
func (s *Service) applyTreatments(cands []*models.Candidate) {
	for _, cand := range cands {
		program, ok := s.programs[cand.ProgramID()]
		if !ok || len(program.Experiments) == 0 {
			continue
		}
		experiment.Apply(cand, program.Experiments)
	}
}

// refreshStale re-validates candidates whose data is older than the
// staleness threshold by re-running their program's filter chain. Returns
// the surviving set and whether every needed refresh succeeded.
func (s *Service) refreshStale(ctx context.Context, cands []*models.Candidate, now time.Time) ([]*models.Candidate, bool) {
	threshold := now.Add(-s.stalenessThreshold())

	byProgram := make(map[string][]*models.Candidate)
	var fresh []*models.Candidate
	for _, cand := range cands {
		if cand.Metadata.UpdatedAt.Before(threshold) {
			byProgram[cand.ProgramID()] = append(byProgram[cand.ProgramID()], cand)
			continue
		}
		fresh = append(fresh, cand)
	}
	if len(byProgram) == 0 {
		return cands, true
	}

	refreshed := true
	for programID, stale := range byProgram {
		survivors, ok := s.refreshProgram(ctx, programID, stale, now)
		if !ok {
			refreshed = false
		}
		fresh = append(fresh, survivors...)
	}
	return fresh, refreshed
}

// refreshProgram runs one program's chain against its stale candidates.
// On any failure the stale candidates are served as-is.
func (s *Service) refreshProgram(ctx context.Context, programID string, stale []*models.Candidate, now time.Time) ([]*models.Candidate, bool) {
	program, ok := s.programs[programID]
	if !ok {
		return stale, false
	}
	chain, err := s.chainFor(program)
	if err != nil {
		s.logger.WithError(err).Warn("eligibility refresh unavailable, serving stale", map[string]interface{}{
			"programId": programID,
		})
		return stale, false
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout())
	defer cancel()

	result, err := chain.Execute(refreshCtx, stale, &filter.Context{Program: program, Now: now})
	if err != nil {
		s.logger.WithError(err).Warn("eligibility refresh failed, serving stale", map[string]interface{}{
			"programId": programID,
		})
		return stale, false
	}
	return result.Passed, true
}

func (s *Service) chainFor(program *config.ProgramConfig) (*filter.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chains == nil {
		s.chains = make(map[string]*filter.Chain)
	}
	if chain, ok := s.chains[program.ProgramID]; ok {
		return chain, nil
	}
	chain, err := filter.NewChain(program.FilterChain, s.registry, s.logger)
	if err != nil {
		return nil, err
	}
	s.chains[program.ProgramID] = chain
	return chain, nil
}
