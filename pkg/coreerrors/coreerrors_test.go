package coreerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHardFailError_Error_IncludesDetailWhenPresent(t *testing.T) {
	err := &HardFailError{Condition: ConditionBudgetExceeded, ExecutionID: "exec-1", Detail: "tokens exceeded"}
	assert.Equal(t, "hard fail: budget_exceeded: tokens exceeded", err.Error())

	bare := &HardFailError{Condition: ConditionProhibitedRole}
	assert.Equal(t, "hard fail: prohibited_role_attempted", bare.Error())
}

func TestHardFailError_Is_MatchesByConditionOrWildcard(t *testing.T) {
	err := &HardFailError{Condition: ConditionBudgetExceeded, ExecutionID: "exec-1"}

	assert.True(t, errors.Is(err, &HardFailError{}), "empty-condition target should match any HardFailError")
	assert.True(t, errors.Is(err, &HardFailError{Condition: ConditionBudgetExceeded}))
	assert.False(t, errors.Is(err, &HardFailError{Condition: ConditionInvalidSignal}))
	assert.False(t, errors.Is(err, errors.New("unrelated")))
}

func TestValidationError_Error_JoinsMultipleMessages(t *testing.T) {
	err := &ValidationError{Errors: []string{"field a missing", "field b invalid"}}
	assert.Equal(t, "field a missing; field b invalid", err.Error())

	empty := &ValidationError{}
	assert.Equal(t, "validation error", empty.Error())
}
