// Package client provides the retrying HTTP client for the analysis service.
//
// Each remote operation carries its own retry policy: submission retries
// transient failures with a long per-attempt timeout, polling is strictly
// single-attempt (the poll loop is the retry mechanism), result fetch
// retries moderately. The final attempt's failure is propagated unchanged.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"vidwatch/internal/apperrors"
	"vidwatch/pkg/backoff"
)

// JobHandle identifies a submitted analysis job.
type JobHandle struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
}

// StatusReport is one observation of remote job state, from either channel.
type StatusReport struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// MetricsRecorder is an optional interface for recording client metrics.
type MetricsRecorder interface {
	RecordSubmission(ctx context.Context, success bool, attempts int)
	RecordPoll(ctx context.Context, success bool)
	RecordResultFetch(ctx context.Context, success bool)
}

// Config holds client construction parameters.
type Config struct {
	BaseURL string
	Submit  backoff.Policy
	Poll    backoff.Policy
	Fetch   backoff.Policy
}

// Client talks to the analysis service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	submit  backoff.Policy
	poll    backoff.Policy
	fetch   backoff.Policy
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a client with standard transport settings.
func New(cfg Config, metrics MetricsRecorder) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		submit:  cfg.Submit.WithDefaults(),
		poll:    cfg.Poll,
		fetch:   cfg.Fetch.WithDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "client"),
	}
}

// Submit uploads a video for analysis and returns the assigned job handle.
// Retried only on transient failures, per the submission policy.
func (c *Client) Submit(ctx context.Context, filename string, payload []byte) (JobHandle, error) {
	const op = "client.submit"
	requestID := uuid.NewString()
	logger := c.logger.With("requestId", requestID, "filename", filename)

	var handle JobHandle
	attempts := 0
	err := c.withRetry(ctx, c.submit, func(attemptCtx context.Context) error {
		attempts++
		body, contentType, err := multipartBody(filename, payload)
		if err != nil {
			return apperrors.Rejected(op, fmt.Sprintf("building upload body: %v", err))
		}

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/api/upload", body)
		if err != nil {
			return apperrors.Rejected(op, fmt.Sprintf("building request: %v", err))
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Request-Id", requestID)

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.FromTransport(op, err)
		}
		defer resp.Body.Close()

		if err := apperrors.FromStatus(op, resp.StatusCode); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
			return apperrors.Transient(op, fmt.Errorf("decoding response: %w", err))
		}
		if handle.AnalysisID == "" {
			return apperrors.Transient(op, fmt.Errorf("service returned no analysis id"))
		}
		return nil
	})

	if c.metrics != nil {
		c.metrics.RecordSubmission(ctx, err == nil, attempts)
	}
	if err != nil {
		logger.Warn("Submission failed", "attempts", attempts, "error", err)
		return JobHandle{}, err
	}

	logger.Info("Submission accepted", "analysisId", handle.AnalysisID, "status", handle.Status)
	return handle, nil
}

// Poll fetches the current remote state of a job. Single attempt per call:
// a transient failure means "skip this tick", never job failure.
func (c *Client) Poll(ctx context.Context, analysisID string) (StatusReport, error) {
	const op = "client.poll"

	timeout := c.poll.PerAttemptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var report StatusReport
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status/"+analysisID, nil)
	if err != nil {
		return report, apperrors.Rejected(op, fmt.Sprintf("building request: %v", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordPoll(ctx, false)
		return report, apperrors.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.recordPoll(ctx, false)
		return report, apperrors.NotFound(op, analysisID)
	}
	if err := apperrors.FromStatus(op, resp.StatusCode); err != nil {
		c.recordPoll(ctx, false)
		return report, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		c.recordPoll(ctx, false)
		return report, apperrors.Transient(op, fmt.Errorf("decoding response: %w", err))
	}

	c.recordPoll(ctx, true)
	return report, nil
}

// FetchResult retrieves the opaque result payload of a completed job.
// Transient failures are retried per the fetch policy; NotFound is
// surfaced immediately.
func (c *Client) FetchResult(ctx context.Context, analysisID string) ([]byte, error) {
	const op = "client.fetchResult"

	var result []byte
	err := c.withRetry(ctx, c.fetch, func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.baseURL+"/api/results/"+analysisID, nil)
		if err != nil {
			return apperrors.Rejected(op, fmt.Sprintf("building request: %v", err))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.FromTransport(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return apperrors.NotFound(op, analysisID)
		}
		if err := apperrors.FromStatus(op, resp.StatusCode); err != nil {
			return err
		}

		result, err = io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.Transient(op, fmt.Errorf("reading response: %w", err))
		}
		return nil
	})

	if c.metrics != nil {
		c.metrics.RecordResultFetch(ctx, err == nil)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthCheck probes the service liveness endpoint. Never returns an
// error: all failure modes collapse to false.
func (c *Client) HealthCheck(ctx context.Context) bool {
	timeout := c.fetch.PerAttemptTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// withRetry runs fn under the policy's per-attempt timeout, retrying
// transient failures with exponential backoff. The last error is returned
// unchanged.
func (c *Client) withRetry(ctx context.Context, policy backoff.Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return apperrors.FromTransport("client.retry", ctx.Err())
			case <-time.After(policy.Delay(attempt - 1)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.PerAttemptTimeout)
		lastErr = fn(attemptCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if !apperrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) recordPoll(ctx context.Context, success bool) {
	if c.metrics != nil {
		c.metrics.RecordPoll(ctx, success)
	}
}

// multipartBody builds the upload form. Rebuilt per attempt so retries
// never reuse a consumed reader.
func multipartBody(filename string, payload []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
