// Package decisionstore implements a retrying HTTP client persisting
// DecisionRecords and fetching/patching incident state, grounded on
// tarsy's pkg/runbook.GitHubClient request construction idiom
// (http.NewRequestWithContext, explicit headers, deferred body close) with
// sethvargo/go-retry backoff composition.
package decisionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/breaker"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/coreerrors"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
)

// Client is the decision store client: three operations, all
// wrapped by a "decision-store" circuit breaker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	timeout    time.Duration
	breaker    *breaker.Breaker

	// maxAttempts, baseDelay and capDelay configure the retry policy for
	// store_decision and get_incident_state.
	maxAttempts uint64
	baseDelay   time.Duration
	capDelay    time.Duration
}

// Config configures a new Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New constructs a Client. br is the "decision-store" breaker instance
// wrapping every call.
func New(cfg Config, br *breaker.Breaker) *Client {
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     cfg.BaseURL,
		token:       cfg.Token,
		timeout:     cfg.Timeout,
		breaker:     br,
		maxAttempts: 3,
		baseDelay:   1 * time.Second,
		capDelay:    10 * time.Second,
	}
}

// StoreDecisionResult is the response of store_decision.
type StoreDecisionResult struct {
	ID string `json:"id"`
}

// StoreDecision persists record and returns its assigned id. Network
// failure and HTTP 5xx/429 classify as retryable, composed via
// sethvargo/go-retry's exponential-with-cap policy.
func (c *Client) StoreDecision(ctx context.Context, record *models.DecisionRecord) (*StoreDecisionResult, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("decisionstore: marshal record: %w", err)
	}

	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.storeDecisionWithRetry(ctx, body)
	}, nil)
	if err != nil {
		return nil, err
	}
	return result.(*StoreDecisionResult), nil
}

func (c *Client) storeDecisionWithRetry(ctx context.Context, body []byte) (*StoreDecisionResult, error) {
	var out *StoreDecisionResult
	policy := c.retryPolicy()
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/decision-events", bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(classifyNetworkError(err))
		}
		defer resp.Body.Close()

		result, classified := classifyResponse(resp)
		if classified != nil {
			if isRetryable(resp.StatusCode) {
				return retry.RetryableError(classified)
			}
			return classified
		}

		var parsed StoreDecisionResult
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("decisionstore: decode store_decision response: %w", err)
		}
		out = &parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetIncidentState fetches the authoritative incident state recorded in the
// store. Idempotent, so it shares store_decision's retry policy.
func (c *Client) GetIncidentState(ctx context.Context, incidentID string) (models.IncidentState, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.getIncidentStateWithRetry(ctx, incidentID)
	}, nil)
	if err != nil {
		return "", err
	}
	return result.(models.IncidentState), nil
}

func (c *Client) getIncidentStateWithRetry(ctx context.Context, incidentID string) (models.IncidentState, error) {
	var out models.IncidentState
	policy := c.retryPolicy()
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/incidents/"+incidentID+"/state", nil)
		if err != nil {
			return err
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(classifyNetworkError(err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return coreerrors.ErrNotFound
		}
		result, classified := classifyResponse(resp)
		if classified != nil {
			if isRetryable(resp.StatusCode) {
				return retry.RetryableError(classified)
			}
			return classified
		}

		var payload struct {
			State models.IncidentState `json:"state"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decisionstore: decode get_incident_state response: %w", err)
		}
		_ = result
		out = payload.State
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// UpdateIncidentState patches incident state using a caller-supplied version
// token sent as If-Match. Never retried automatically: a 409
// version mismatch means the caller must re-read and recompute the patch.
func (c *Client) UpdateIncidentState(ctx context.Context, incidentID string, patch map[string]any, versionToken string) (models.IncidentState, error) {
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.updateIncidentStateOnce(ctx, incidentID, patch, versionToken)
	}, nil)
	if err != nil {
		return "", err
	}
	return result.(models.IncidentState), nil
}

func (c *Client) updateIncidentStateOnce(ctx context.Context, incidentID string, patch map[string]any, versionToken string) (models.IncidentState, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return "", fmt.Errorf("decisionstore: marshal patch: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPatch, c.baseURL+"/incidents/"+incidentID+"/state", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("If-Match", versionToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", coreerrors.ErrStateConflict
	}
	if _, classified := classifyResponse(resp); classified != nil {
		return "", classified
	}

	var payload struct {
		State models.IncidentState `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decisionstore: decode update_incident_state response: %w", err)
	}
	return payload.State, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID())
}

// requestID generates a correlation id for one outbound request. Kept
// dependency-free (no uuid) since it never leaves this package's logs.
func requestID() string {
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}

func (c *Client) retryPolicy() retry.Backoff {
	policy := retry.NewExponential(c.baseDelay)
	policy = retry.WithCappedDuration(c.capDelay, policy)
	policy = retry.WithMaxRetries(c.maxAttempts-1, policy)
	return policy
}

// classifyNetworkError maps a transport-level error (connection refused,
// DNS failure, etc.) to the "network" failure mode, which is
// retryable. An expired per-call deadline additionally wraps
// coreerrors.ErrTimeout.
func classifyNetworkError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", coreerrors.ErrDependencyUnavailable, coreerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", coreerrors.ErrDependencyUnavailable, err)
}

// classifyResponse inspects a non-network response for a terminal or
// retryable failure, mirroring tarsy's mcp.ClassifyError status-code switch.
// Returns (body bytes consumed is caller's concern, error) — nil error means
// 2xx success and the caller should decode the body.
func classifyResponse(resp *http.Response) (*http.Response, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, coreerrors.ErrForbidden
	case resp.StatusCode == http.StatusBadRequest:
		drained, _ := io.ReadAll(resp.Body)
		return nil, &coreerrors.ValidationError{Errors: []string{string(drained)}}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited", coreerrors.ErrDependencyUnavailable)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server error %d", coreerrors.ErrDependencyUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", coreerrors.ErrInternal, resp.StatusCode)
	}
}

// isRetryable reports whether statusCode is in the retryable set (5xx, 429).
func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}
