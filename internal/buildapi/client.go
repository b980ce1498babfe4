// Package buildapi talks to the remote APK build service.
//
// Submissions are sent exactly once over a plain pooled client. Status
// queries are idempotent and go through a retrying client with a small retry
// budget; whatever still fails is reported to the caller as a transport error.
package buildapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/example/agent-market/agentbuild/internal/logging"
)

const (
	SubmitPath = "/api/apk/generate"
	StatusPath = "/api/apk/status/"

	maxBodyBytes = 1 << 20
)

// ErrJobNotFound means the service does not know the job yet. Freshly
// submitted jobs can briefly be invisible to the status endpoint.
var ErrJobNotFound = errors.New("build job not found")

// RemoteError is an answer from the service that reported failure, either
// through a non-2xx status or a success=false body.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("build service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("build service returned status %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL string
	// Token is sent as a bearer credential when set.
	Token string
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration
	// StatusRetries is the retry budget of a single status query.
	StatusRetries int
	// HTTPClient replaces the pooled default, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	token   string
	submit  *http.Client
	status  *retryablehttp.Client
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse build service url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("build service url %q must be http or https", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	if cfg.RequestTimeout > 0 {
		hc := *httpClient
		hc.Timeout = cfg.RequestTimeout
		httpClient = &hc
	}

	retries := cfg.StatusRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		baseURL: base.String(),
		token:   cfg.Token,
		submit:  httpClient,
		status: &retryablehttp.Client{
			HTTPClient:   httpClient,
			Logger:       logging.Leveled(log.Logger.With().Str("component", "buildapi").Logger()),
			RetryWaitMin: 500 * time.Millisecond,
			RetryWaitMax: 1500 * time.Millisecond,
			RetryMax:     retries,
			Backoff:      retryablehttp.LinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
	}, nil
}

type SubmitRequest struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	UserID    string `json:"userId"`
}

type SubmitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Build is the job object returned by the status endpoint.
type Build struct {
	Status string `json:"status"`
	ApkURL string `json:"apkUrl,omitempty"`
	Error  string `json:"error,omitempty"`
}

type StatusResponse struct {
	Success bool   `json:"success"`
	Build   *Build `json:"build,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Submit asks the service to start a build and returns its job id.
func (c *Client) Submit(ctx context.Context, in SubmitRequest) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SubmitPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req.Header)

	resp, err := c.submit.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	var out SubmitResponse
	decodeErr := decode(resp.Body, &out)
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &RemoteError{StatusCode: resp.StatusCode, Message: out.Error}
	case decodeErr != nil:
		return "", fmt.Errorf("decode submit response: %w", decodeErr)
	case !out.Success:
		return "", &RemoteError{StatusCode: resp.StatusCode, Message: out.Error}
	case out.JobID == "":
		return "", &RemoteError{StatusCode: resp.StatusCode, Message: "response did not include a job id"}
	}
	return out.JobID, nil
}

// Status fetches the current state of a job. It returns ErrJobNotFound when
// the service does not (yet) know the job.
func (c *Client) Status(ctx context.Context, jobID string) (*Build, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+StatusPath+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req.Header)

	resp, err := c.status.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query build status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrJobNotFound
	}

	var out StatusResponse
	decodeErr := decode(resp.Body, &out)
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: out.Error}
	case decodeErr != nil:
		return nil, fmt.Errorf("decode status response: %w", decodeErr)
	case !out.Success && strings.Contains(strings.ToLower(out.Error), "not found"):
		return nil, ErrJobNotFound
	case !out.Success:
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: out.Error}
	case out.Build == nil:
		return nil, ErrJobNotFound
	}
	return out.Build, nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

func decode(r io.Reader, v any) error {
	return json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(v)
}
