package models

import "time"

// Delivery tracking statuses.
const (
	DeliveryStatusSent   = "SENT"
	DeliveryStatusOpened = "OPENED"
)

// FailedDelivery is one candidate excluded or failed during delivery, with
// the reason code and whether a retry could succeed.
type FailedDelivery struct {
	CandidateKey string `json:"candidateKey"`
	CustomerID   string `json:"customerId"`
	ReasonCode   string `json:"reasonCode"`
	Reason       string `json:"reason,omitempty"`
	Retryable    bool   `json:"retryable"`
}

// DeliveryMetrics summarizes one deliver() invocation.
type DeliveryMetrics struct {
	Attempted  int           `json:"attempted"`
	Delivered  int           `json:"delivered"`
	Failed     int           `json:"failed"`
	ShadowMode bool          `json:"shadowMode"`
	Duration   time.Duration `json:"durationMs"`
}

// DeliveryResult enumerates every input candidate in exactly one of
// Delivered or Failed.
type DeliveryResult struct {
	Delivered []DeliveryRecord `json:"delivered"`
	Failed    []FailedDelivery `json:"failed"`
	Metrics   DeliveryMetrics  `json:"metrics"`
}

// DeliveryRecord tracks one successful (or shadow) send.
type DeliveryRecord struct {
	DeliveryID   string     `json:"deliveryId"`
	CandidateKey string     `json:"candidateKey"`
	CustomerID   string     `json:"customerId"`
	ProgramID    string     `json:"programId"`
	Channel      string     `json:"channel"`
	TemplateID   string     `json:"templateId"`
	Status       string     `json:"status"`
	Shadow       bool       `json:"shadow"`
	SentAt       time.Time  `json:"sentAt"`
	OpenedAt     *time.Time `json:"openedAt,omitempty"`
}

// CampaignMetrics aggregates tracking records for one program+channel.
type CampaignMetrics struct {
	ProgramID string  `json:"programId"`
	Channel   string  `json:"channel"`
	Sent      int64   `json:"sent"`
	Opened    int64   `json:"opened"`
	OpenRate  float64 `json:"openRate"`
}
