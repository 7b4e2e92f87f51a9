package connector

import (
	"strconv"
	"strings"
	"time"

	"ceap-engine/internal/common/config"
	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/models"
)

// Canonical field names connectors map source columns onto.
const (
	FieldCustomerID    = "customerId"
	FieldSubjectType   = "subjectType"
	FieldSubjectID     = "subjectId"
	FieldEventDate     = "eventDate"
	FieldDeliveryDate  = "deliveryDate"
	FieldOrderValue    = "orderValue"
	FieldMarketplaceID = "marketplaceId"
	FieldMediaEligible = "mediaEligible"
	FieldTimingWindow  = "timingWindow"
)

var requiredFields = []string{FieldCustomerID, FieldSubjectType, FieldSubjectID, FieldEventDate}

// sourceFieldPrefix keys the original source values carried on the subject
// metadata so every mapped field stays recoverable from the candidate.
const sourceFieldPrefix = "source:"

// Date fields must land inside a sane absolute range; anything outside is
// treated as corrupt source data.
var (
	dateRangeMin = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	dateFormats  = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
)

// ParseISODate parses an ISO-8601 value and enforces the absolute sanity
// range [2000-01-01, now+2y).
func ParseISODate(field, value string, now time.Time) (time.Time, error) {
	var parsed time.Time
	var ok bool
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			parsed, ok = t.UTC(), true
			break
		}
	}
	if !ok {
		return time.Time{}, stderrors.NewInvalidDateError(field, value)
	}
	if parsed.Before(dateRangeMin) || parsed.After(now.AddDate(2, 0, 0)) {
		return time.Time{}, stderrors.NewDateOutOfRangeError(field, parsed)
	}
	return parsed, nil
}

// ValidateMappings checks that a connector config maps every required
// canonical field.
func ValidateMappings(cc config.ConnectorConfig, result *ValidationResult) {
	if len(cc.FieldMappings) == 0 {
		result.addError("fieldMappings are required")
		return
	}
	for _, field := range requiredFields {
		if cc.FieldMappings[field] == "" {
			result.addError("fieldMappings missing required field %q", field)
		}
	}
}

// MapRecord is the shared transform: it applies fieldMappings to one raw
// record and builds a candidate scoped to the program. Missing required
// fields and malformed dates yield a structured validation error for this
// record only; the caller continues with the rest of the sequence.
func MapRecord(record *RawRecord, cc config.ConnectorConfig, program *config.ProgramConfig, now time.Time) (*models.Candidate, error) {
	mapped := make(map[string]string, len(cc.FieldMappings))
	for canonical, source := range cc.FieldMappings {
		if v, ok := record.Fields[source]; ok {
			mapped[canonical] = v
		}
	}

	for _, field := range requiredFields {
		if mapped[field] == "" {
			return nil, stderrors.NewRecordValidationError(field, "required field missing or empty")
		}
	}

	eventDate, err := ParseISODate(FieldEventDate, mapped[FieldEventDate], now)
	if err != nil {
		return nil, err
	}

	marketplace := mapped[FieldMarketplaceID]
	if marketplace == "" && len(program.Marketplaces) > 0 {
		marketplace = program.Marketplaces[0]
	}

	subjectMeta := make(map[string]string)
	for canonical, value := range mapped {
		subjectMeta[sourceFieldPrefix+canonical] = value
	}
	// Mapped fields with no typed home land on the subject as-is.
	for canonical, value := range mapped {
		if !isTypedField(canonical) {
			subjectMeta[canonical] = value
		}
	}

	cand := &models.Candidate{
		CustomerID: mapped[FieldCustomerID],
		Context: []models.ContextEntry{
			{Type: models.ContextTypeProgram, ID: program.ProgramID},
			{Type: models.ContextTypeMarketplace, ID: marketplace},
		},
		Subject: models.Subject{
			Type:     mapped[FieldSubjectType],
			ID:       mapped[FieldSubjectID],
			Metadata: subjectMeta,
		},
		Attributes: models.Attributes{
			EventDate:          eventDate,
			TimingWindow:       mapped[FieldTimingWindow],
			ChannelEligibility: defaultChannelEligibility(program),
		},
		Metadata: models.Metadata{
			CreatedAt:         now,
			UpdatedAt:         now,
			ExpiresAt:         now.Add(program.TTL()),
			SourceConnectorID: cc.ConnectorID,
		},
		RejectionHistory: []models.RejectionRecord{},
	}

	if raw := mapped[FieldDeliveryDate]; raw != "" {
		d, err := ParseISODate(FieldDeliveryDate, raw, now)
		if err != nil {
			return nil, err
		}
		cand.Attributes.DeliveryDate = &d
	}
	if raw := mapped[FieldOrderValue]; raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, stderrors.NewRecordValidationError(FieldOrderValue, "not a number: "+raw)
		}
		cand.Attributes.OrderValue = v
	}
	if raw := mapped[FieldMediaEligible]; raw != "" {
		cand.Attributes.MediaEligible = strings.EqualFold(raw, "true") || raw == "1"
	}

	if err := cand.Validate(); err != nil {
		return nil, stderrors.NewRecordValidationError("candidate", err.Error())
	}
	return cand, nil
}

// ExtractOriginalFields recovers the source values of every mapped field
// from a transformed candidate, keyed by source field name. Inverse of
// MapRecord for all mapped fields present on the original record.
func ExtractOriginalFields(cand *models.Candidate, cc config.ConnectorConfig) map[string]string {
	out := make(map[string]string, len(cc.FieldMappings))
	for canonical, source := range cc.FieldMappings {
		if v, ok := cand.Subject.Metadata[sourceFieldPrefix+canonical]; ok {
			out[source] = v
		}
	}
	return out
}

// defaultChannelEligibility marks a new candidate eligible on every
// channel the program runs; downstream filters narrow it.
func defaultChannelEligibility(program *config.ProgramConfig) map[string]bool {
	if len(program.Channels) == 0 {
		return nil
	}
	eligibility := make(map[string]bool, len(program.Channels))
	for _, ch := range program.Channels {
		eligibility[ch.Name] = true
	}
	return eligibility
}

func isTypedField(canonical string) bool {
	switch canonical {
	case FieldCustomerID, FieldSubjectType, FieldSubjectID, FieldEventDate,
		FieldDeliveryDate, FieldOrderValue, FieldMarketplaceID,
		FieldMediaEligible, FieldTimingWindow:
		return true
	}
	return false
}
