// Package config loads and validates the core's configuration surface,
// following cmd/tarsy/main.go's getEnv-with-default plus godotenv.Load idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/contract"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// contractValidator runs the same struct-tag validation pass over Config
// that the dispatcher pipeline runs over agent input/output.
var contractValidator = contract.New()

// Config holds every tunable on the system's configuration surface, plus
// the Guard budgets.
type Config struct {
	BroadcastCapacity      int           `validate:"gt=0"`
	MaxPendingMessages     int           `validate:"gt=0"`
	HeartbeatInterval      time.Duration `validate:"gt=0"`
	SessionTimeout         time.Duration `validate:"gt=0"`
	CleanupInterval        time.Duration `validate:"gt=0"`
	DedupWindow            time.Duration `validate:"gt=0"`
	CorrelationWindow      time.Duration `validate:"gt=0"`
	MaxRemediationAttempts int           `validate:"gt=0"`
	FailureThreshold       int           `validate:"gt=0"`
	ResetTimeout           time.Duration `validate:"gt=0"`
	HalfOpenMaxCalls       int           `validate:"gt=0"`

	MaxTokensPerInvocation int `validate:"gt=0"`
	MaxLatencyMS           int `validate:"gt=0"`
	MaxExternalCalls       int `validate:"gt=0"`

	Environment models.Environment `validate:"required"`

	// DecisionStoreBaseURL and DecisionStoreToken configure the remote
	// decision store client.
	DecisionStoreBaseURL string `validate:"required"`
	DecisionStoreToken   string
	DecisionStoreTimeout time.Duration `validate:"gt=0"`

	// ClassifierAddr is the gRPC address of the external classification
	// service.
	ClassifierAddr string

	// CloseTimerDelay is the Resolved→Closed auto-close delay.
	CloseTimerDelay time.Duration `validate:"gt=0"`

	// SlowConsumerDropThreshold is the number of consecutive outbound drops
	// before a session is closed with slow_consumer.
	SlowConsumerDropThreshold int `validate:"gt=0"`
}

// Defaults returns the configuration defaults used across the core.
func Defaults() *Config {
	return &Config{
		BroadcastCapacity:         10000,
		MaxPendingMessages:        1000,
		HeartbeatInterval:         30 * time.Second,
		SessionTimeout:            300 * time.Second,
		CleanupInterval:           60 * time.Second,
		DedupWindow:               5 * time.Minute,
		CorrelationWindow:         2 * time.Minute,
		MaxRemediationAttempts:    3,
		FailureThreshold:          5,
		ResetTimeout:              30 * time.Second,
		HalfOpenMaxCalls:          1,
		MaxTokensPerInvocation:    1500,
		MaxLatencyMS:              3000,
		MaxExternalCalls:          4,
		Environment:               models.EnvironmentDevelopment,
		DecisionStoreTimeout:      30 * time.Second,
		CloseTimerDelay:           24 * time.Hour,
		SlowConsumerDropThreshold: 5,
	}
}

// Load reads an optional .env file from envPath (mirroring
// cmd/tarsy/main.go's godotenv.Load + warn-and-continue idiom), then
// overlays environment variables onto Defaults(), and validates the result.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			// Matches tarsy's main.go: missing .env is a warning, not fatal —
			// the process may be configured purely through the environment.
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", envPath, err)
		}
	}

	cfg := Defaults()

	if v := os.Getenv("DECISION_STORE_BASE_URL"); v != "" {
		cfg.DecisionStoreBaseURL = v
	}
	if v := os.Getenv("DECISION_STORE_TOKEN"); v != "" {
		cfg.DecisionStoreToken = v
	}
	if v := os.Getenv("CLASSIFIER_ADDR"); v != "" {
		cfg.ClassifierAddr = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = models.Environment(v)
	}

	overlayInt(&cfg.BroadcastCapacity, "BROADCAST_CAPACITY")
	overlayInt(&cfg.MaxPendingMessages, "MAX_PENDING_MESSAGES")
	overlayDuration(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	overlayDuration(&cfg.SessionTimeout, "SESSION_TIMEOUT")
	overlayDuration(&cfg.CleanupInterval, "CLEANUP_INTERVAL")
	overlayDuration(&cfg.DedupWindow, "DEDUP_WINDOW")
	overlayDuration(&cfg.CorrelationWindow, "CORRELATION_WINDOW")
	overlayInt(&cfg.MaxRemediationAttempts, "MAX_REMEDIATION_ATTEMPTS")
	overlayInt(&cfg.FailureThreshold, "FAILURE_THRESHOLD")
	overlayDuration(&cfg.ResetTimeout, "RESET_TIMEOUT")
	overlayInt(&cfg.HalfOpenMaxCalls, "HALF_OPEN_MAX_CALLS")
	overlayInt(&cfg.MaxTokensPerInvocation, "MAX_TOKENS_PER_INVOCATION")
	overlayInt(&cfg.MaxLatencyMS, "MAX_LATENCY_MS")
	overlayInt(&cfg.MaxExternalCalls, "MAX_EXTERNAL_CALLS")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayInt(dst *int, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func overlayDuration(dst *time.Duration, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// Validate checks the configuration for missing required settings. Errors
// here are fatal and abort the process at startup, never mid-run. The
// struct-tag pass via go-playground/validator runs first, the same primary
// validation pass the dispatcher pipeline runs over agent input/output;
// Environment's enum membership is checked separately since "required" only
// rejects the zero value, not an unrecognized string.
func (c *Config) Validate() error {
	if errs := contractValidator.ValidateStruct(c); len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if !c.Environment.IsValid() {
		return fmt.Errorf("config: invalid environment %q", c.Environment)
	}
	return nil
}
