package models

import "time"

// DecisionRecord is the canonical append-only audit record emitted by every
// successful agent invocation. Exactly one is produced per
// successful invocation; none on guard-violation or validator-rejection.
type DecisionRecord struct {
	ID                 string         `json:"id"`
	AgentID            string         `json:"agent_id"`
	AgentVersion       string         `json:"agent_version"`
	AgentClassification string        `json:"agent_classification"`
	DecisionType       DecisionType   `json:"decision_type"`
	InputsHash         string         `json:"inputs_hash"`
	Outputs            map[string]any `json:"outputs"`
	Confidence         float64        `json:"confidence"`
	ConstraintsApplied []string       `json:"constraints_applied,omitempty"`
	ExecutionRef       string         `json:"execution_ref"`
	Timestamp          time.Time      `json:"timestamp"`
	Environment        Environment    `json:"environment"`
	RequiresReview     bool           `json:"requires_review"`
}

// OrchestratorAction is a serialized intent the dispatcher hands to the
// external orchestrator. The core never delivers these
// itself.
type OrchestratorAction struct {
	ActionType string         `json:"action_type" validate:"required,oneof=notify trigger_playbook update_status request_approval log_timeline execute_approved_action schedule_review_meeting create_action_items"`
	Priority   EventPriority  `json:"priority"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Async      bool           `json:"async"`
}
