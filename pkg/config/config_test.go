package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestDefaults_AreInternallyConsistent(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, models.EnvironmentDevelopment, cfg.Environment)
	assert.Equal(t, 3, cfg.MaxRemediationAttempts)
	assert.Greater(t, cfg.BroadcastCapacity, 0)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
}

func TestLoad_RequiresDecisionStoreBaseURL(t *testing.T) {
	clearEnv(t, "DECISION_STORE_BASE_URL", "DECISION_STORE_TOKEN", "ENVIRONMENT")

	_, err := Load("")

	require.Error(t, err)
}

func TestLoad_OverlaysEnvironmentVariablesOntoDefaults(t *testing.T) {
	clearEnv(t, "DECISION_STORE_BASE_URL", "MAX_REMEDIATION_ATTEMPTS", "DEDUP_WINDOW", "ENVIRONMENT")
	require.NoError(t, os.Setenv("DECISION_STORE_BASE_URL", "http://store.internal"))
	require.NoError(t, os.Setenv("MAX_REMEDIATION_ATTEMPTS", "7"))
	require.NoError(t, os.Setenv("DEDUP_WINDOW", "10m"))
	require.NoError(t, os.Setenv("ENVIRONMENT", "production"))

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "http://store.internal", cfg.DecisionStoreBaseURL)
	assert.Equal(t, 7, cfg.MaxRemediationAttempts)
	assert.Equal(t, 10*time.Minute, cfg.DedupWindow)
	assert.Equal(t, models.EnvironmentProduction, cfg.Environment)
}

func TestLoad_IgnoresMalformedOverlayValues(t *testing.T) {
	clearEnv(t, "DECISION_STORE_BASE_URL", "MAX_REMEDIATION_ATTEMPTS", "ENVIRONMENT")
	require.NoError(t, os.Setenv("DECISION_STORE_BASE_URL", "http://store.internal"))
	require.NoError(t, os.Setenv("MAX_REMEDIATION_ATTEMPTS", "not-a-number"))

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, Defaults().MaxRemediationAttempts, cfg.MaxRemediationAttempts)
}

func TestValidate_RejectsInvalidEnvironment(t *testing.T) {
	cfg := Defaults()
	cfg.DecisionStoreBaseURL = "http://store.internal"
	cfg.Environment = models.Environment("not-real")

	err := cfg.Validate()

	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveCapacities(t *testing.T) {
	cfg := Defaults()
	cfg.DecisionStoreBaseURL = "http://store.internal"
	cfg.BroadcastCapacity = 0

	err := cfg.Validate()

	require.Error(t, err)
}
