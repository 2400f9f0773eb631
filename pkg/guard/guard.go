// Package guard implements per-invocation budget enforcement and
// role/prohibited-action policing that raises typed HardFailErrors instead
// of panicking, mirroring tarsy's pkg/agent/orchestrator reservation-based
// concurrency-control idiom applied here to a per-execution budget instead
// of a pool slot.
package guard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
)

// allowedRoles is the set of roles an agent may legitimately perform while
// under guard.
var allowedRoles = map[string]struct{}{
	"coordinate": {},
	"route":      {},
	"optimize":   {},
	"escalate":   {},
}

// prohibitedActions can never be performed regardless of role.
var prohibitedActions = map[string]struct{}{
	"make_final_decision":        {},
	"emit_executive_conclusion":  {},
	"direct_remediation":         {},
	"policy_override":            {},
	"external_alert_emission":    {},
}

// prohibitedPhrases are matched case-insensitively as substrings against any
// signal description an agent emits.
var prohibitedPhrases = []string{"final decision", "executive conclusion"}

// Budgets bounds one Guard's lifetime resource consumption.
type Budgets struct {
	MaxTokens        int
	MaxLatencyMS     int
	MaxExternalCalls int
}

// Guard tracks budget consumption and role/prohibited-action compliance for
// exactly one execution_id. It latches into a failed state on first
// violation and rejects every call thereafter.
type Guard struct {
	mu sync.Mutex

	executionID string
	budgets     Budgets
	startedAt   time.Time

	tokensUsed      int
	externalCalls   int
	rolesPerformed  map[string]struct{}
	signalsEmitted  int
	failed          bool
	failure         *coreerrors.HardFailError
	finalized       bool
}

// New constructs a Guard for executionID with the given budgets.
func New(executionID string, budgets Budgets) *Guard {
	return &Guard{
		executionID:    executionID,
		budgets:        budgets,
		startedAt:      time.Now(),
		rolesPerformed: make(map[string]struct{}),
	}
}

// PerformRole records that the agent performed role, rejecting any role
// outside the allowed set.
func (g *Guard) PerformRole(role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.rejectIfFailedLocked(); err != nil {
		return err
	}
	if _, ok := allowedRoles[role]; !ok {
		return g.failLocked(coreerrors.ConditionProhibitedRole, "role %q is not permitted", role)
	}
	g.rolesPerformed[role] = struct{}{}
	return nil
}

// RejectProhibitedAction fails the invocation immediately if action is in
// the prohibited set, regardless of role.
func (g *Guard) RejectProhibitedAction(action string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.rejectIfFailedLocked(); err != nil {
		return err
	}
	if _, ok := prohibitedActions[action]; ok {
		return g.failLocked(coreerrors.ConditionProhibitedRole, "action %q is prohibited", action)
	}
	return nil
}

// AddTokens records n additional tokens consumed, failing the invocation if
// the running total exceeds MaxTokens.
func (g *Guard) AddTokens(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.rejectIfFailedLocked(); err != nil {
		return err
	}
	g.tokensUsed += n
	if g.tokensUsed > g.budgets.MaxTokens {
		return g.failLocked(coreerrors.ConditionBudgetExceeded, "tokens %d exceed budget %d", g.tokensUsed, g.budgets.MaxTokens)
	}
	return nil
}

// RecordExternalCall counts one external call (classifier or lookup
// invocation), failing if it exceeds MaxExternalCalls.
func (g *Guard) RecordExternalCall() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.rejectIfFailedLocked(); err != nil {
		return err
	}
	g.externalCalls++
	if g.externalCalls > g.budgets.MaxExternalCalls {
		return g.failLocked(coreerrors.ConditionBudgetExceeded, "external calls %d exceed budget %d", g.externalCalls, g.budgets.MaxExternalCalls)
	}
	return nil
}

// CheckLatency fails the invocation if elapsed wall-clock time since New
// exceeds MaxLatencyMS. Callers invoke this at natural checkpoints; there
// is no background timer.
func (g *Guard) CheckLatency() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.rejectIfFailedLocked(); err != nil {
		return err
	}
	elapsedMS := int(time.Since(g.startedAt) / time.Millisecond)
	if elapsedMS > g.budgets.MaxLatencyMS {
		return g.failLocked(coreerrors.ConditionBudgetExceeded, "latency %dms exceeds budget %dms", elapsedMS, g.budgets.MaxLatencyMS)
	}
	return nil
}

// EmitSignal records that the agent emitted a signal with the given
// description and confidence, running the prohibited-phrase heuristic
// against description.
func (g *Guard) EmitSignal(description string, confidence float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.rejectIfFailedLocked(); err != nil {
		return err
	}
	lower := strings.ToLower(description)
	for _, phrase := range prohibitedPhrases {
		if strings.Contains(lower, phrase) {
			return g.failLocked(coreerrors.ConditionProhibitedPhraseUsed, "signal description contains prohibited phrase %q", phrase)
		}
	}
	if confidence < 0 || confidence > 1 {
		return g.failLocked(coreerrors.ConditionInvalidSignal, "confidence %f out of [0,1]", confidence)
	}
	g.signalsEmitted++
	return nil
}

// Finalize closes the guard, returning a HardFailError if no roles were
// performed or no signals were emitted, and rejects a second call with
// coreerrors.ErrGuardAlreadyFinalized.
func (g *Guard) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.finalized {
		return coreerrors.ErrGuardAlreadyFinalized
	}
	g.finalized = true

	if g.failed {
		return g.failure
	}
	if len(g.rolesPerformed) == 0 {
		return g.failLocked(coreerrors.ConditionNoRolesPerformed, "no roles performed before finalize")
	}
	if g.signalsEmitted == 0 {
		return g.failLocked(coreerrors.ConditionNoSignalsEmitted, "no signals emitted before finalize")
	}
	return nil
}

// TokensUsed reports cumulative tokens consumed so far, for metrics and
// DecisionRecord population.
func (g *Guard) TokensUsed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokensUsed
}

// ExternalCallsUsed reports cumulative external calls made so far.
func (g *Guard) ExternalCallsUsed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.externalCalls
}

func (g *Guard) rejectIfFailedLocked() error {
	if g.failed {
		return g.failure
	}
	if g.finalized {
		return coreerrors.ErrGuardAlreadyFinalized
	}
	return nil
}

func (g *Guard) failLocked(condition coreerrors.HardFailCondition, format string, args ...any) error {
	g.failed = true
	g.failure = &coreerrors.HardFailError{
		Condition:   condition,
		ExecutionID: g.executionID,
		Detail:      fmt.Sprintf(format, args...),
	}
	return g.failure
}
