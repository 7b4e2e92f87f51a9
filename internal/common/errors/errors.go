// Package errors provides standardized error handling for the candidate
// lifecycle engine.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Validation: malformed records or configs, rejected before the pipeline.
	ErrCodeRecordValidationFailed  ErrorCode = "RECORD_VALIDATION_FAILED"
	ErrCodeProgramConfigInvalid    ErrorCode = "PROGRAM_CONFIG_INVALID"
	ErrCodeConnectorConfigInvalid  ErrorCode = "CONNECTOR_CONFIG_INVALID"
	ErrCodeInvalidDateFormat       ErrorCode = "INVALID_DATE_FORMAT"
	ErrCodeDateOutOfRange          ErrorCode = "DATE_OUT_OF_RANGE"
	ErrCodeInvalidTTL              ErrorCode = "INVALID_TTL"

	// Dependency failures: recovered locally via breaker/fallback/backoff.
	ErrCodeScoringModelFailed    ErrorCode = "SCORING_MODEL_FAILED"
	ErrCodeScoringModelTimeout   ErrorCode = "SCORING_MODEL_TIMEOUT"
	ErrCodeCircuitBreakerOpen    ErrorCode = "CIRCUIT_BREAKER_OPEN"
	ErrCodeFeatureStoreFailed    ErrorCode = "FEATURE_STORE_FAILED"
	ErrCodeFeaturesIncomplete    ErrorCode = "FEATURES_INCOMPLETE"
	ErrCodeStoreUnavailable      ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeChannelSendFailed     ErrorCode = "CHANNEL_SEND_FAILED"

	// Concurrency conflicts: surfaced to the caller for re-read and retry.
	ErrCodeOptimisticLockConflict ErrorCode = "OPTIMISTIC_LOCK_CONFLICT"

	// Business-rule outcomes: first-class results, never retried automatically.
	ErrCodeFilterRejected       ErrorCode = "FILTER_REJECTED"
	ErrCodeOptedOut             ErrorCode = "OPTED_OUT"
	ErrCodeFrequencyCapExceeded ErrorCode = "FREQUENCY_CAP_EXCEEDED"
	ErrCodeNoTemplate           ErrorCode = "NO_TEMPLATE"
	ErrCodeProgramDisabled      ErrorCode = "PROGRAM_DISABLED"
	ErrCodeCandidateExpired     ErrorCode = "CANDIDATE_EXPIRED"
	ErrCodeCandidateNotFound    ErrorCode = "CANDIDATE_NOT_FOUND"

	// System/infrastructure: fatal for the affected item only.
	ErrCodeFilterExecutionFailed ErrorCode = "FILTER_EXECUTION_FAILED"
	ErrCodeBatchWriteIncomplete  ErrorCode = "BATCH_WRITE_INCOMPLETE"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal when err is not
// a StandardError.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is worth retrying. Unknown errors are
// treated as retryable dependency failures.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return true
}

// ==========================
// 2. Error Constructors
// ==========================

// NewRecordValidationError creates a non-retryable record validation error.
func NewRecordValidationError(field, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecordValidationFailed,
		Message:   "Source record failed validation",
		Details:   fmt.Sprintf("field: %s, %s", field, details),
		Retryable: false,
		Metadata:  map[string]interface{}{"field": field},
		Timestamp: time.Now().UTC(),
	}
}

// NewProgramConfigInvalidError creates a non-retryable program config error.
func NewProgramConfigInvalidError(programID, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProgramConfigInvalid,
		Message:   "Program configuration is invalid",
		Details:   fmt.Sprintf("programId: %s, %s", programID, details),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectorConfigInvalidError creates a non-retryable connector config error.
func NewConnectorConfigInvalidError(connectorID, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConnectorConfigInvalid,
		Message:   "Connector configuration is invalid",
		Details:   fmt.Sprintf("connectorId: %s, %s", connectorID, details),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidDateError creates a non-retryable date parse/range error.
func NewInvalidDateError(field, value string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidDateFormat,
		Message:   "Date field is not valid ISO-8601",
		Details:   fmt.Sprintf("field: %s, value: %s", field, value),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDateOutOfRangeError creates a non-retryable date range error.
func NewDateOutOfRangeError(field string, value time.Time) *StandardError {
	return &StandardError{
		Code:      ErrCodeDateOutOfRange,
		Message:   "Date field outside accepted range",
		Details:   fmt.Sprintf("field: %s, value: %s", field, value.Format(time.RFC3339)),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTTLError creates a non-retryable TTL configuration error.
func NewInvalidTTLError(days int) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTTL,
		Message:   "Candidate TTL days must be positive",
		Details:   fmt.Sprintf("candidateTTLDays: %d", days),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewScoringModelFailedError creates a retryable model invocation error.
func NewScoringModelFailedError(modelID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeScoringModelFailed,
		Message:   "Scoring model invocation failed",
		Details:   fmt.Sprintf("modelId: %s, error: %s", modelID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewScoringModelTimeoutError creates a retryable model timeout error.
func NewScoringModelTimeoutError(modelID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeScoringModelTimeout,
		Message:   "Scoring model call timed out",
		Details:   fmt.Sprintf("modelId: %s", modelID),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewCircuitBreakerOpenError signals the breaker blocked a model call.
func NewCircuitBreakerOpenError(modelID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCircuitBreakerOpen,
		Message:   "Circuit breaker open for scoring model",
		Details:   fmt.Sprintf("modelId: %s", modelID),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewFeatureStoreFailedError creates a retryable feature store error.
func NewFeatureStoreFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeFeatureStoreFailed,
		Message:   "Feature store lookup failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewFeaturesIncompleteError signals the model was skipped on missing features.
func NewFeaturesIncompleteError(modelID string, missing []string) *StandardError {
	return &StandardError{
		Code:      ErrCodeFeaturesIncomplete,
		Message:   "Required features missing, model skipped",
		Details:   fmt.Sprintf("modelId: %s, missing: %s", modelID, strings.Join(missing, ",")),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreUnavailableError creates a retryable store error.
func NewStoreUnavailableError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreUnavailable,
		Message:   "Candidate store operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewChannelSendFailedError creates a retryable channel delivery error.
func NewChannelSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeChannelSendFailed,
		Message:   "Channel delivery failed",
		Details:   fmt.Sprintf("channel: %s, error: %s", channel, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewOptimisticLockConflictError signals a version mismatch on update. The
// caller re-reads and reapplies; the store performed no mutation.
func NewOptimisticLockConflictError(key string, expectedVersion int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeOptimisticLockConflict,
		Message:   "Candidate version conflict",
		Details:   fmt.Sprintf("key: %s, expectedVersion: %d", key, expectedVersion),
		Retryable: true,
		Metadata:  map[string]interface{}{"expectedVersion": expectedVersion},
		Timestamp: time.Now().UTC(),
	}
}

// NewFilterRejectedError records a business-rule rejection outcome.
func NewFilterRejectedError(filterID, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeFilterRejected,
		Message:   "Candidate rejected by filter",
		Details:   fmt.Sprintf("filterId: %s, reason: %s", filterID, reason),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewOptedOutError records a non-retryable opt-out exclusion.
func NewOptedOutError(channel string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOptedOut,
		Message:   "Customer opted out of solicitations",
		Details:   fmt.Sprintf("channel: %s", channel),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewFrequencyCapExceededError records a retryable frequency-cap exclusion.
func NewFrequencyCapExceededError(programID string, cap int) *StandardError {
	return &StandardError{
		Code:      ErrCodeFrequencyCapExceeded,
		Message:   "Send frequency cap exceeded",
		Details:   fmt.Sprintf("programId: %s, cap: %d", programID, cap),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNoTemplateError records a non-retryable missing-template failure.
func NewNoTemplateError(programID, channel string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNoTemplate,
		Message:   "No template configured for program",
		Details:   fmt.Sprintf("programId: %s, channel: %s", programID, channel),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewProgramDisabledError records a disabled-program outcome.
func NewProgramDisabledError(programID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProgramDisabled,
		Message:   "Program is disabled",
		Details:   fmt.Sprintf("programId: %s", programID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCandidateNotFoundError creates a non-retryable lookup miss.
func NewCandidateNotFoundError(key string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCandidateNotFound,
		Message:   "Candidate not found",
		Details:   fmt.Sprintf("key: %s", key),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewFilterExecutionFailedError creates a filter hard-failure error, distinct
// from a normal reject.
func NewFilterExecutionFailedError(filterID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeFilterExecutionFailed,
		Message:   "Filter execution failed",
		Details:   fmt.Sprintf("filterId: %s, error: %s", filterID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewBatchWriteIncompleteError reports unprocessed items from a batch write.
func NewBatchWriteIncompleteError(unprocessed int) *StandardError {
	return &StandardError{
		Code:      ErrCodeBatchWriteIncomplete,
		Message:   "Batch write left unprocessed items",
		Details:   fmt.Sprintf("unprocessed: %d", unprocessed),
		Retryable: true,
		Metadata:  map[string]interface{}{"unprocessed": unprocessed},
		Timestamp: time.Now().UTC(),
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(details string, err error) *StandardError {
	msg := details
	if err != nil {
		msg = fmt.Sprintf("%s: %s", details, err.Error())
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Internal error",
		Details:   msg,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// IsBusinessOutcome reports whether the code is a first-class business-rule
// outcome rather than a failure.
func IsBusinessOutcome(code ErrorCode) bool {
	switch code {
	case ErrCodeFilterRejected, ErrCodeOptedOut, ErrCodeFrequencyCapExceeded,
		ErrCodeNoTemplate, ErrCodeProgramDisabled, ErrCodeCandidateExpired:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "INVALID") ||
		strings.Contains(codeStr, "DATE"):
		return "VALIDATION"
	case strings.Contains(codeStr, "LOCK"):
		return "CONFLICT"
	case IsBusinessOutcome(code):
		return "BUSINESS_RULE"
	case strings.Contains(codeStr, "SCORING") || strings.Contains(codeStr, "FEATURE") ||
		strings.Contains(codeStr, "CIRCUIT") || strings.Contains(codeStr, "STORE") ||
		strings.Contains(codeStr, "CHANNEL"):
		return "DEPENDENCY"
	default:
		return "SYSTEM"
	}
}
