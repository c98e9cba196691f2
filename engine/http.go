package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/workmesh/exo/errors"
)

// HTTPClient implements Client against the engine's REST API. Requests are
// rate limited client-side; the engine throttles aggressive callers and a
// 429 storm while holding the project lock would be worse than pacing.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewHTTPClient creates an engine client. ratePerSecond caps outbound
// request rate; zero or negative means unlimited.
func NewHTTPClient(baseURL, token string, timeout time.Duration, ratePerSecond float64, logger *zap.SugaredLogger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// ClearAnnotations drops the job's annotation state.
func (c *HTTPClient) ClearAnnotations(ctx context.Context, jobEngineID int64) error {
	path := fmt.Sprintf("/jobs/%d/annotations", jobEngineID)
	return c.call(ctx, http.MethodDelete, path, nil)
}

// Restart resets the job's execution state.
func (c *HTTPClient) Restart(ctx context.Context, jobEngineID int64) error {
	path := fmt.Sprintf("/jobs/%d/restart", jobEngineID)
	return c.call(ctx, http.MethodPost, path, nil)
}

// Reassign transfers job ownership to the worker.
func (c *HTTPClient) Reassign(ctx context.Context, jobEngineID, workerEngineID int64) error {
	path := fmt.Sprintf("/jobs/%d/assignee", jobEngineID)
	return c.call(ctx, http.MethodPut, path, map[string]int64{"assignee_id": workerEngineID})
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "engine rate limiter")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode engine request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build engine request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WrapExternal(err, "engine call "+method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little of the body for the log line, nothing more
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warnw("Engine call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(snippet),
		)
		return errors.WrapExternal(
			errors.Newf("engine returned %d for %s %s", resp.StatusCode, method, path),
			"engine call")
	}
	return nil
}
