package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/job"
	"github.com/cronfire/cronfire/internal/pkg/logs"
)

// sourceHeaderValue identifies scheduled traffic to target APIs.
const sourceHeaderValue = "cron-scheduler"

var (
	// ErrResponseTooLarge rejects bodies beyond the configured cap before
	// they are buffered.
	ErrResponseTooLarge = errors.New("response exceeds maximum size")
	// errTimeout marks attempts cut off by the hard HTTP timeout.
	errTimeout = errors.New("request timed out")
)

// CallResult is the raw outcome of one target-API call.
type CallResult struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Attempts   int
}

// Client posts job fires to target APIs with redirect, size and retry
// policies applied.
type Client struct {
	cfg  config.HTTPConfig
	http *http.Client
}

func NewClient(cfg config.HTTPConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.KeepAlive != nil && !*cfg.KeepAlive {
		transport.DisableKeepAlives = true
	}

	maxRedirects := cfg.MaxRedirects
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Call posts the fire payload for j. Network errors and 5xx responses are
// retried up to the configured bound; the timeout is hard and classified via
// errTimeout.
func (c *Client) Call(ctx context.Context, j *job.Job) (*CallResult, error) {
	body, err := c.buildBody(j)
	if err != nil {
		return nil, fmt.Errorf("build request body: %w", err)
	}

	attempts := c.cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.post(ctx, j, body)
		if err == nil {
			res.Attempts = attempt
			if res.StatusCode < 500 {
				return res, nil
			}
			// 5xx: retry like a network fault, keep the last response.
			lastErr = fmt.Errorf("upstream returned %d", res.StatusCode)
			if attempt == attempts {
				return res, nil
			}
		} else {
			if errors.Is(err, errTimeout) || errors.Is(err, ErrResponseTooLarge) {
				return nil, err
			}
			lastErr = err
		}

		logs.CtxDebug(ctx, "[worker] attempt %d/%d against %s failed: %v", attempt, attempts, j.TargetAPI, lastErr)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, j *job.Job, body []byte) (*CallResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.TargetAPI, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, j)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", errTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	maxBytes := c.cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: content-length %d", ErrResponseTooLarge, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", errTimeout, err)
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, maxBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return &CallResult{StatusCode: resp.StatusCode, Headers: headers, Body: data}, nil
}

// setHeaders merges the job's headers with the scheduler's. X-Cron-Job-Id
// and X-Source always win; the rest are defaults the job may override.
func (c *Client) setHeaders(req *http.Request, j *job.Job) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Original-User", j.CreatedBy)
	if j.SkillID != "" {
		req.Header.Set("X-Skill-Id", j.SkillID)
	}
	for name, value := range j.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("X-Cron-Job-Id", j.JobUUID)
	req.Header.Set("X-Source", sourceHeaderValue)
}

// buildBody renders the fire payload. Field names follow the target-API
// contract, not internal storage conventions.
func (c *Client) buildBody(j *job.Job) ([]byte, error) {
	execContext := map[string]any{
		"jobId":                j.ID,
		"jobUuid":              j.JobUUID,
		"userId":               j.CreatedBy,
		"orgId":                j.OrgID,
		"skillId":              j.SkillID,
		"isScheduledExecution": true,
		"timezone":             j.UserTimezone,
	}
	for k, v := range j.Metadata {
		if _, reserved := execContext[k]; !reserved {
			execContext[k] = v
		}
	}

	model := c.cfg.DefaultModel
	if m, ok := j.Metadata["model"].(string); ok && m != "" {
		model = m
	}
	projectID := j.ProjectID
	if projectID == "" {
		if p, ok := j.Metadata["projectId"].(string); ok {
			projectID = p
		}
	}

	return sonic.Marshal(map[string]any{
		"prompt":    j.Prompt,
		"projectId": projectID,
		"model":     model,
		"context":   execContext,
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
