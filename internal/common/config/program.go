package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ProgramConfig is the per-program configuration bundle consumed by the
// engine. It is produced by an external config-management layer and passed
// in at invocation time; the engine validates but never mutates it.
type ProgramConfig struct {
	ProgramID        string             `json:"programId"`
	Enabled          bool               `json:"enabled"`
	Marketplaces     []string           `json:"marketplaces"`
	DataConnectors   []ConnectorConfig  `json:"dataConnectors"`
	ScoringModels    []ModelConfig      `json:"scoringModels"`
	FilterChain      FilterChainConfig  `json:"filterChain"`
	Channels         []ChannelConfig    `json:"channels"`
	CandidateTTLDays int                `json:"candidateTTLDays"`
	ReactiveEnabled  bool               `json:"reactiveEnabled"`
	Experiments      []ExperimentConfig `json:"experiments,omitempty"`
}

// ConnectorConfig selects and parameterizes one data connector.
type ConnectorConfig struct {
	ConnectorID   string            `json:"connectorId"`
	Type          string            `json:"type"`
	Source        string            `json:"source,omitempty"`
	FieldMappings map[string]string `json:"fieldMappings,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
}

// ModelConfig selects and parameterizes one scoring model.
type ModelConfig struct {
	ModelID            string  `json:"modelId"`
	CacheTTLSeconds    int     `json:"cacheTtlSeconds,omitempty"`
	FallbackScore      float64 `json:"fallbackScore"`
	FallbackConfidence float64 `json:"fallbackConfidence,omitempty"`
	TimeoutMs          int     `json:"timeoutMs,omitempty"`
}

// CacheTTL returns the score-cache TTL, defaulting to one hour.
func (m ModelConfig) CacheTTL() time.Duration {
	if m.CacheTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(m.CacheTTLSeconds) * time.Second
}

// Timeout returns the model call timeout, defaulting to 5s.
func (m ModelConfig) Timeout() time.Duration {
	if m.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// FilterConfig selects and orders one filter in the chain.
type FilterConfig struct {
	FilterID  string                 `json:"filterId"`
	Type      string                 `json:"type"`
	Order     int                    `json:"order"`
	Params    map[string]interface{} `json:"params,omitempty"`
	TimeoutMs int                    `json:"timeoutMs,omitempty"`
}

// Timeout returns the filter execution timeout, defaulting to 3s.
func (f FilterConfig) Timeout() time.Duration {
	if f.TimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

// FilterChainConfig orders the program's filters.
type FilterChainConfig struct {
	Filters           []FilterConfig `json:"filters"`
	ParallelExecution bool           `json:"parallelExecution,omitempty"`
	FailFast          bool           `json:"failFast,omitempty"`
}

// FrequencyCapConfig bounds sends per customer per program.
type FrequencyCapConfig struct {
	MaxSends   int `json:"maxSends"`
	WindowDays int `json:"windowDays"`
}

// Window returns the rolling cap window as a duration.
func (f FrequencyCapConfig) Window() time.Duration {
	return time.Duration(f.WindowDays) * 24 * time.Hour
}

// ChannelConfig parameterizes one delivery channel.
type ChannelConfig struct {
	Name         string             `json:"name"`
	TemplateID   string             `json:"templateId,omitempty"`
	FrequencyCap FrequencyCapConfig `json:"frequencyCap,omitempty"`
	ShadowMode   bool               `json:"shadowMode,omitempty"`
	Options      map[string]string  `json:"options,omitempty"`
}

// TreatmentConfig is one experiment arm with its allocation percentage and
// optional per-channel template overrides.
type TreatmentConfig struct {
	TreatmentID       string            `json:"treatmentId"`
	AllocationPercent int               `json:"allocationPercent"`
	ChannelOverrides  map[string]string `json:"channelOverrides,omitempty"`
}

// ExperimentConfig defines one active experiment on a program.
type ExperimentConfig struct {
	ExperimentID string            `json:"experimentId"`
	Enabled      bool              `json:"enabled"`
	Treatments   []TreatmentConfig `json:"treatments"`
}

// Channel returns the channel config by name, or nil.
func (p *ProgramConfig) Channel(name string) *ChannelConfig {
	for i := range p.Channels {
		if p.Channels[i].Name == name {
			return &p.Channels[i]
		}
	}
	return nil
}

// TTL returns the candidate time-to-live as a duration.
func (p *ProgramConfig) TTL() time.Duration {
	return time.Duration(p.CandidateTTLDays) * 24 * time.Hour
}

// programSchema validates the structural shape of a program document before
// semantic checks run.
const programSchema = `{
	"type": "object",
	"required": ["programId", "dataConnectors", "scoringModels", "filterChain", "channels", "candidateTTLDays"],
	"properties": {
		"programId": {"type": "string", "minLength": 1},
		"enabled": {"type": "boolean"},
		"marketplaces": {"type": "array", "items": {"type": "string"}},
		"dataConnectors": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["connectorId", "type"],
				"properties": {
					"connectorId": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1}
				}
			}
		},
		"scoringModels": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["modelId"],
				"properties": {
					"modelId": {"type": "string", "minLength": 1}
				}
			}
		},
		"filterChain": {
			"type": "object",
			"required": ["filters"],
			"properties": {
				"filters": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["filterId", "type", "order"],
						"properties": {
							"filterId": {"type": "string", "minLength": 1},
							"type": {"type": "string", "enum": ["TRUST", "ELIGIBILITY", "BUSINESS_RULE", "QUALITY", "CAPACITY"]},
							"order": {"type": "integer"}
						}
					}
				}
			}
		},
		"channels": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1}
				}
			}
		},
		"candidateTTLDays": {"type": "integer", "minimum": 1}
	}
}`

// ParseProgramConfig validates raw JSON against the program schema and
// unmarshals it.
func ParseProgramConfig(raw []byte) (*ProgramConfig, error) {
	schemaLoader := gojsonschema.NewStringLoader(programSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("program schema validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return nil, fmt.Errorf("invalid program config: %s", strings.Join(errs, "; "))
	}

	var cfg ProgramConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal program config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces semantic rules a structurally valid document can still
// break.
func (p *ProgramConfig) Validate() error {
	if p.ProgramID == "" {
		return fmt.Errorf("programId is required")
	}
	if len(p.DataConnectors) == 0 {
		return fmt.Errorf("program %s requires at least one data connector", p.ProgramID)
	}
	if len(p.ScoringModels) == 0 {
		return fmt.Errorf("program %s requires at least one scoring model", p.ProgramID)
	}
	if len(p.FilterChain.Filters) == 0 {
		return fmt.Errorf("program %s requires at least one filter", p.ProgramID)
	}
	if len(p.Channels) == 0 {
		return fmt.Errorf("program %s requires at least one channel", p.ProgramID)
	}
	if p.CandidateTTLDays <= 0 {
		return fmt.Errorf("program %s requires a positive candidateTTLDays", p.ProgramID)
	}

	seen := make(map[int]string, len(p.FilterChain.Filters))
	for _, f := range p.FilterChain.Filters {
		if prev, dup := seen[f.Order]; dup {
			return fmt.Errorf("program %s has duplicate filter order %d (%s, %s)", p.ProgramID, f.Order, prev, f.FilterID)
		}
		seen[f.Order] = f.FilterID
	}

	for _, exp := range p.Experiments {
		total := 0
		for _, t := range exp.Treatments {
			if t.AllocationPercent < 0 {
				return fmt.Errorf("experiment %s treatment %s has negative allocation", exp.ExperimentID, t.TreatmentID)
			}
			total += t.AllocationPercent
		}
		if total > 100 {
			return fmt.Errorf("experiment %s allocations exceed 100%%", exp.ExperimentID)
		}
	}
	return nil
}
