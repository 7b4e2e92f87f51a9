package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProgramJSON() []byte {
	return []byte(`{
		"programId": "product-reviews",
		"enabled": true,
		"marketplaces": ["US", "DE"],
		"dataConnectors": [
			{"connectorId": "orders-warehouse", "type": "warehouse", "fieldMappings": {"customerId": "customer_id"}}
		],
		"scoringModels": [
			{"modelId": "review-propensity-v2", "fallbackScore": 0.5, "cacheTtlSeconds": 600}
		],
		"filterChain": {
			"filters": [
				{"filterId": "eligibility-window", "type": "ELIGIBILITY", "order": 1}
			],
			"failFast": false
		},
		"channels": [
			{"name": "email", "templateId": "review-request-v1", "frequencyCap": {"maxSends": 2, "windowDays": 7}}
		],
		"candidateTTLDays": 30
	}`)
}

func TestParseProgramConfig_Valid(t *testing.T) {
	cfg, err := ParseProgramConfig(validProgramJSON())
	require.NoError(t, err)

	assert.Equal(t, "product-reviews", cfg.ProgramID)
	assert.True(t, cfg.Enabled)
	assert.Len(t, cfg.DataConnectors, 1)
	assert.Equal(t, 30*24*time.Hour, cfg.TTL())
	assert.Equal(t, 10*time.Minute, cfg.ScoringModels[0].CacheTTL())
	assert.Equal(t, 7*24*time.Hour, cfg.Channels[0].FrequencyCap.Window())
}

func TestParseProgramConfig_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{
			name: "missing programId",
			json: `{"dataConnectors":[{"connectorId":"c","type":"t"}],"scoringModels":[{"modelId":"m"}],"filterChain":{"filters":[{"filterId":"f","type":"TRUST","order":1}]},"channels":[{"name":"email"}],"candidateTTLDays":30}`,
		},
		{
			name: "empty connectors",
			json: `{"programId":"p","dataConnectors":[],"scoringModels":[{"modelId":"m"}],"filterChain":{"filters":[{"filterId":"f","type":"TRUST","order":1}]},"channels":[{"name":"email"}],"candidateTTLDays":30}`,
		},
		{
			name: "zero ttl",
			json: `{"programId":"p","dataConnectors":[{"connectorId":"c","type":"t"}],"scoringModels":[{"modelId":"m"}],"filterChain":{"filters":[{"filterId":"f","type":"TRUST","order":1}]},"channels":[{"name":"email"}],"candidateTTLDays":0}`,
		},
		{
			name: "bad filter type",
			json: `{"programId":"p","dataConnectors":[{"connectorId":"c","type":"t"}],"scoringModels":[{"modelId":"m"}],"filterChain":{"filters":[{"filterId":"f","type":"BOGUS","order":1}]},"channels":[{"name":"email"}],"candidateTTLDays":30}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProgramConfig([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestProgramConfigValidate_DuplicateFilterOrder(t *testing.T) {
	cfg, err := ParseProgramConfig(validProgramJSON())
	require.NoError(t, err)

	cfg.FilterChain.Filters = append(cfg.FilterChain.Filters, FilterConfig{
		FilterID: "marketplace-allowlist", Type: "TRUST", Order: 1,
	})
	assert.ErrorContains(t, cfg.Validate(), "duplicate filter order")
}

func TestProgramConfigValidate_ExperimentAllocation(t *testing.T) {
	cfg, err := ParseProgramConfig(validProgramJSON())
	require.NoError(t, err)

	cfg.Experiments = []ExperimentConfig{{
		ExperimentID: "subject-line-test",
		Enabled:      true,
		Treatments: []TreatmentConfig{
			{TreatmentID: "T1", AllocationPercent: 60},
			{TreatmentID: "T2", AllocationPercent: 60},
		},
	}}
	assert.ErrorContains(t, cfg.Validate(), "exceed 100%")
}

func TestProgramConfigChannelLookup(t *testing.T) {
	cfg, err := ParseProgramConfig(validProgramJSON())
	require.NoError(t, err)

	require.NotNil(t, cfg.Channel("email"))
	assert.Equal(t, "review-request-v1", cfg.Channel("email").TemplateID)
	assert.Nil(t, cfg.Channel("sms"))
}
