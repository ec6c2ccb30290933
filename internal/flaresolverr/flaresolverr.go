// Package flaresolverr wraps a FlareSolverr instance: the gateway routes
// Comick requests through it while Cloudflare blocks the direct path.
package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes caps wrapper reads; solver responses embed whole pages.
const maxBodyBytes = 16 << 20

// Outcome classifies one solver round-trip.
type Outcome int

const (
	// OutcomeSuccess carries the solved response body.
	OutcomeSuccess Outcome = iota
	// OutcomeTransportFailure means the solver was unreachable.
	OutcomeTransportFailure
	// OutcomeHTTPFailure means the solver endpoint answered non-2xx.
	OutcomeHTTPFailure
	// OutcomeMalformedPayload means the wrapper JSON did not decode.
	OutcomeMalformedPayload
	// OutcomeSolverFailed means the wrapper or solution status was not ok.
	OutcomeSolverFailed
	// OutcomeCancelled means the caller's context tripped.
	OutcomeCancelled
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeHTTPFailure:
		return "http_failure"
	case OutcomeMalformedPayload:
		return "malformed_payload"
	case OutcomeSolverFailed:
		return "solver_failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is one classified solver call.
type Result struct {
	Outcome Outcome
	// Body is the solved target response text on success.
	Body       string
	Diagnostic string
}

// request is the solver command payload.
type request struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

// wrapper mirrors the solver response envelope.
type wrapper struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution *struct {
		Status   int    `json:"status"`
		Response string `json:"response"`
	} `json:"solution"`
}

// ClientConfig configures New.
type ClientConfig struct {
	// Endpoint is the solver base URL; /v1 is appended.
	Endpoint string
	// Timeout bounds the whole solve. Defaults to 60s; also sent to the
	// solver as maxTimeout.
	Timeout time.Duration
	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client
	// Logger receives solver events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client posts request.get commands to a FlareSolverr /v1 endpoint.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger
}

// New builds a solver client.
func New(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/") + "/v1",
		timeout:  timeout,
		http:     httpClient,
		logger:   logger,
	}
}

// Fetch asks the solver to GET targetURL and returns the solved body.
func (c *Client) Fetch(ctx context.Context, targetURL string) Result {
	payload, marshalErr := json.Marshal(request{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: int(c.timeout / time.Millisecond),
	})
	if marshalErr != nil {
		return Result{Outcome: OutcomeTransportFailure, Diagnostic: marshalErr.Error()}
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if reqErr != nil {
		return Result{Outcome: OutcomeTransportFailure, Diagnostic: reqErr.Error()}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, doErr := c.http.Do(req)
	if doErr != nil {
		if ctx.Err() != nil && errors.Is(doErr, ctx.Err()) {
			return Result{Outcome: OutcomeCancelled, Diagnostic: doErr.Error()}
		}

		return Result{Outcome: OutcomeTransportFailure, Diagnostic: doErr.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		return Result{Outcome: OutcomeTransportFailure, Diagnostic: readErr.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Outcome:    OutcomeHTTPFailure,
			Diagnostic: fmt.Sprintf("solver http %d", resp.StatusCode),
		}
	}

	var envelope wrapper

	unmarshalErr := json.Unmarshal(body, &envelope)
	if unmarshalErr != nil {
		return Result{Outcome: OutcomeMalformedPayload, Diagnostic: unmarshalErr.Error()}
	}

	if !strings.EqualFold(envelope.Status, "ok") || envelope.Solution == nil {
		return Result{
			Outcome:    OutcomeSolverFailed,
			Diagnostic: fmt.Sprintf("solver status %q: %s", envelope.Status, envelope.Message),
		}
	}

	if envelope.Solution.Status < 200 || envelope.Solution.Status > 299 {
		return Result{
			Outcome:    OutcomeSolverFailed,
			Diagnostic: fmt.Sprintf("solved status %d", envelope.Solution.Status),
		}
	}

	return Result{Outcome: OutcomeSuccess, Body: envelope.Solution.Response}
}
