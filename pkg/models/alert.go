package models

import "time"

// Alert is the raw signal delivered by the transport layer from an upstream
// detector. Immutable after ingestion.
type Alert struct {
	AlertID          string            `json:"alert_id" validate:"required"`
	Source           AlertSource       `json:"source" validate:"required"`
	SeverityHint     Severity          `json:"severity_hint" validate:"required"`
	Labels           map[string]string `json:"labels,omitempty"`
	FingerprintParts []string          `json:"fingerprint_parts,omitempty"`
	ReceivedAt       time.Time         `json:"received_at" validate:"required"`

	// MetricName, ResourceID and ServiceFamily/MetricFamily feed fingerprint
	// computation. They are read as set by the caller; nothing fills them in
	// from Labels.
	MetricName    string `json:"metric_name,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`
	ServiceFamily string `json:"service_family,omitempty"`
	MetricFamily  string `json:"metric_family,omitempty"`
}

// ApprovalRecord is an approval or rejection submitted by a human through an
// external channel.
type ApprovalRecord struct {
	ApproverID        string           `json:"approver_id" validate:"required"`
	ApproverType       string          `json:"approver_type" validate:"required"`
	Decision           ApprovalDecision `json:"decision" validate:"required,oneof=approved rejected"`
	Rationale          string           `json:"rationale,omitempty"`
	DecisionTimestamp time.Time        `json:"decision_timestamp" validate:"required"`
	Conditions         []string         `json:"conditions,omitempty"`
}
