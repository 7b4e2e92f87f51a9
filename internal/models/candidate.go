package models

import (
	"fmt"
	"strings"
	"time"
)

// Well-known context entry types. Context types are open-ended; connectors
// may attach any string type without schema changes.
const (
	ContextTypeMarketplace = "marketplace"
	ContextTypeProgram     = "program"
	ContextTypeVertical    = "vertical"
)

// ContextEntry is one (type, id) pair scoping a candidate.
type ContextEntry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Subject is the thing being solicited about: a product, a video, etc.
type Subject struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Score is one model's output for a candidate. Scores are independent per
// model and accumulate in the candidate's Scores map keyed by model ID.
type Score struct {
	ModelID    string                 `json:"modelId"`
	Value      float64                `json:"value"`
	Confidence float64                `json:"confidence"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Attributes holds solicitation-relevant event facts.
type Attributes struct {
	EventDate          time.Time       `json:"eventDate"`
	DeliveryDate       *time.Time      `json:"deliveryDate,omitempty"`
	TimingWindow       string          `json:"timingWindow,omitempty"`
	OrderValue         float64         `json:"orderValue,omitempty"`
	MediaEligible      bool            `json:"mediaEligible,omitempty"`
	ChannelEligibility map[string]bool `json:"channelEligibility,omitempty"`
}

// ExperimentTreatment records the treatment assigned to a candidate's
// customer for an active experiment.
type ExperimentTreatment struct {
	ExperimentID string `json:"experimentId"`
	TreatmentID  string `json:"treatmentId"`
}

// Metadata carries lifecycle bookkeeping. Version is strictly monotonic and
// is the sole concurrency control for updates.
type Metadata struct {
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	ExpiresAt           time.Time            `json:"expiresAt"`
	Version             int64                `json:"version"`
	SourceConnectorID   string               `json:"sourceConnectorId,omitempty"`
	WorkflowExecutionID string               `json:"workflowExecutionId,omitempty"`
	ExperimentTreatment *ExperimentTreatment `json:"experimentTreatment,omitempty"`
}

// RejectionRecord is one filter's rejection of a candidate.
type RejectionRecord struct {
	FilterID   string    `json:"filterId"`
	Reason     string    `json:"reason"`
	ReasonCode string    `json:"reasonCode"`
	Timestamp  time.Time `json:"timestamp"`
}

// Candidate is one customer+subject engagement opportunity.
type Candidate struct {
	CustomerID       string            `json:"customerId"`
	Context          []ContextEntry    `json:"context"`
	Subject          Subject           `json:"subject"`
	Scores           map[string]Score  `json:"scores,omitempty"`
	Attributes       Attributes        `json:"attributes"`
	Metadata         Metadata          `json:"metadata"`
	RejectionHistory []RejectionRecord `json:"rejectionHistory"`
}

// ContextID returns the id of the first context entry of the given type,
// or "" when absent.
func (c *Candidate) ContextID(contextType string) string {
	for _, entry := range c.Context {
		if entry.Type == contextType {
			return entry.ID
		}
	}
	return ""
}

// ProgramID returns the program scoping this candidate.
func (c *Candidate) ProgramID() string {
	return c.ContextID(ContextTypeProgram)
}

// MarketplaceID returns the marketplace scoping this candidate.
func (c *Candidate) MarketplaceID() string {
	return c.ContextID(ContextTypeMarketplace)
}

// Key returns the storage identity key:
// (customerId, programId, marketplaceId, subject.type, subject.id).
func (c *Candidate) Key() string {
	return strings.Join([]string{
		c.CustomerID, c.ProgramID(), c.MarketplaceID(), c.Subject.Type, c.Subject.ID,
	}, "#")
}

// IsExpired reports whether the candidate's TTL horizon has passed at now.
// Pure function of ExpiresAt vs now.
func (c *Candidate) IsExpired(now time.Time) bool {
	return !c.Metadata.ExpiresAt.IsZero() && !now.Before(c.Metadata.ExpiresAt)
}

// ChannelEligible reports whether the candidate is marked eligible for the
// given channel.
func (c *Candidate) ChannelEligible(channel string) bool {
	return c.Attributes.ChannelEligibility[channel]
}

// SetScore records a model's score, replacing any previous score from the
// same model. Other models' scores are untouched.
func (c *Candidate) SetScore(score Score) {
	if c.Scores == nil {
		c.Scores = make(map[string]Score, 1)
	}
	c.Scores[score.ModelID] = score
}

// PrimaryScore returns the highest score value across models, or 0 when
// unscored.
func (c *Candidate) PrimaryScore() float64 {
	best := 0.0
	for _, s := range c.Scores {
		if s.Value > best {
			best = s.Value
		}
	}
	return best
}

// AddRejection appends a rejection record.
func (c *Candidate) AddRejection(filterID, reason, reasonCode string, at time.Time) {
	c.RejectionHistory = append(c.RejectionHistory, RejectionRecord{
		FilterID:   filterID,
		Reason:     reason,
		ReasonCode: reasonCode,
		Timestamp:  at,
	})
}

// Validate checks the structural invariants a candidate must satisfy before
// it may enter the pipeline.
func (c *Candidate) Validate() error {
	if c.CustomerID == "" {
		return fmt.Errorf("customerId is required")
	}
	if len(c.Context) == 0 {
		return fmt.Errorf("context requires at least one entry")
	}
	for i, entry := range c.Context {
		if entry.Type == "" || entry.ID == "" {
			return fmt.Errorf("context[%d] has empty type or id", i)
		}
	}
	if c.Subject.Type == "" || c.Subject.ID == "" {
		return fmt.Errorf("subject type and id are required")
	}
	if c.Attributes.EventDate.IsZero() {
		return fmt.Errorf("attributes.eventDate is required")
	}
	if !c.Metadata.ExpiresAt.IsZero() && !c.Metadata.ExpiresAt.After(c.Metadata.CreatedAt) {
		return fmt.Errorf("metadata.expiresAt must be after createdAt")
	}
	return nil
}

// Clone returns a deep copy. Store implementations hand out clones so callers
// can never mutate stored state outside the version check.
func (c *Candidate) Clone() *Candidate {
	cp := *c

	cp.Context = append([]ContextEntry(nil), c.Context...)
	cp.RejectionHistory = append([]RejectionRecord(nil), c.RejectionHistory...)

	if c.Subject.Metadata != nil {
		cp.Subject.Metadata = make(map[string]string, len(c.Subject.Metadata))
		for k, v := range c.Subject.Metadata {
			cp.Subject.Metadata[k] = v
		}
	}
	if c.Scores != nil {
		cp.Scores = make(map[string]Score, len(c.Scores))
		for k, v := range c.Scores {
			cp.Scores[k] = v
		}
	}
	if c.Attributes.ChannelEligibility != nil {
		cp.Attributes.ChannelEligibility = make(map[string]bool, len(c.Attributes.ChannelEligibility))
		for k, v := range c.Attributes.ChannelEligibility {
			cp.Attributes.ChannelEligibility[k] = v
		}
	}
	if c.Attributes.DeliveryDate != nil {
		d := *c.Attributes.DeliveryDate
		cp.Attributes.DeliveryDate = &d
	}
	if c.Metadata.ExperimentTreatment != nil {
		t := *c.Metadata.ExperimentTreatment
		cp.Metadata.ExperimentTreatment = &t
	}
	return &cp
}
