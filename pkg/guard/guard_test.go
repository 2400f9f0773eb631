package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
)

func TestGuard_PerformRole_RejectsUnknownRole(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	err := g.PerformRole("make_final_decision")

	require.Error(t, err)
	var hardFail *coreerrors.HardFailError
	require.True(t, errors.As(err, &hardFail))
	assert.Equal(t, coreerrors.ConditionProhibitedRole, hardFail.Condition)
}

func TestGuard_PerformRole_AllowsDeclaredRole(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	require.NoError(t, g.PerformRole("coordinate"))
}

func TestGuard_RejectProhibitedAction(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	err := g.RejectProhibitedAction("emit_executive_conclusion")

	require.Error(t, err)
	assert.ErrorIs(t, err, &coreerrors.HardFailError{})
}

func TestGuard_RejectProhibitedAction_AllowsOrdinaryAction(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	require.NoError(t, g.RejectProhibitedAction("notify"))
}

func TestGuard_AddTokens_ExceedsBudget(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 10, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	require.NoError(t, g.AddTokens(5))
	err := g.AddTokens(10)

	require.Error(t, err)
	assert.Equal(t, 15, g.TokensUsed())
}

func TestGuard_FailureLatches(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 1, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	require.Error(t, g.AddTokens(10))
	err := g.PerformRole("coordinate")

	require.Error(t, err)
}

func TestGuard_RecordExternalCall_ExceedsBudget(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	require.NoError(t, g.RecordExternalCall())
	err := g.RecordExternalCall()

	require.Error(t, err)
	assert.Equal(t, 2, g.ExternalCallsUsed())
}

func TestGuard_EmitSignal_RejectsProhibitedPhrase(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	err := g.EmitSignal("this is our final decision on the matter", 0.9)

	require.Error(t, err)
	var hardFail *coreerrors.HardFailError
	require.True(t, errors.As(err, &hardFail))
	assert.Equal(t, coreerrors.ConditionProhibitedPhraseUsed, hardFail.Condition)
}

func TestGuard_EmitSignal_RejectsOutOfRangeConfidence(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	err := g.EmitSignal("routine finding", 1.5)

	require.Error(t, err)
}

func TestGuard_Finalize_RequiresRoleAndSignal(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	err := g.Finalize()

	require.Error(t, err)
}

func TestGuard_Finalize_SucceedsAfterRoleAndSignal(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})

	require.NoError(t, g.PerformRole("coordinate"))
	require.NoError(t, g.EmitSignal("routine finding", 0.5))

	require.NoError(t, g.Finalize())
}

func TestGuard_Finalize_RejectsDoubleCall(t *testing.T) {
	g := New("exec-1", Budgets{MaxTokens: 100, MaxLatencyMS: 1000, MaxExternalCalls: 1})
	require.NoError(t, g.PerformRole("coordinate"))
	require.NoError(t, g.EmitSignal("routine finding", 0.5))
	require.NoError(t, g.Finalize())

	err := g.Finalize()

	assert.ErrorIs(t, err, coreerrors.ErrGuardAlreadyFinalized)
}
