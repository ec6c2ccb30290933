// Package comick talks to the Comick API: candidate search and per-slug
// detail, with Cloudflare challenge detection on the direct path.
package comick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBodyBytes caps response reads; Comick payloads are far smaller.
const maxBodyBytes = 8 << 20

// FetchOutcome classifies one API call.
type FetchOutcome int

const (
	// FetchSuccess carries a decoded payload.
	FetchSuccess FetchOutcome = iota
	// FetchCloudflareBlocked means the challenge heuristic fired.
	FetchCloudflareBlocked
	// FetchTransportFailure means the request never produced a response.
	FetchTransportFailure
	// FetchHTTPFailure means a non-2xx, non-challenge response.
	FetchHTTPFailure
	// FetchMalformedPayload means the body did not decode.
	FetchMalformedPayload
	// FetchNotFound means HTTP 404.
	FetchNotFound
	// FetchCancelled means the caller's context tripped.
	FetchCancelled
)

// String implements fmt.Stringer.
func (o FetchOutcome) String() string {
	switch o {
	case FetchSuccess:
		return "success"
	case FetchCloudflareBlocked:
		return "cloudflare_blocked"
	case FetchTransportFailure:
		return "transport_failure"
	case FetchHTTPFailure:
		return "http_failure"
	case FetchMalformedPayload:
		return "malformed_payload"
	case FetchNotFound:
		return "not_found"
	case FetchCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RawResult is one classified HTTP exchange before payload decoding. The
// gateway uses it to route the same logical request through either the
// direct client or FlareSolverr.
type RawResult struct {
	Outcome    FetchOutcome
	Body       []byte
	StatusCode int
	Diagnostic string
}

// SearchResult is the classified outcome of one search call.
type SearchResult struct {
	Outcome    FetchOutcome
	Candidates []Candidate
	StatusCode int
	Diagnostic string
}

// DetailResult is the classified outcome of one detail call.
type DetailResult struct {
	Outcome    FetchOutcome
	Comic      *Comic
	StatusCode int
	Diagnostic string
}

// ClientConfig configures New.
type ClientConfig struct {
	// BaseURL is the API origin, e.g. https://api.comick.dev.
	BaseURL string
	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client
	// Logger receives request events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is the direct Comick API client.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// New validates the base URL and builds a client.
func New(cfg ClientConfig) (*Client, error) {
	base, parseErr := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if parseErr != nil {
		return nil, fmt.Errorf("parse comick base url: %w", parseErr)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("comick base url %q: unsupported scheme", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{base: base, http: httpClient, logger: logger}, nil
}

// SearchURL builds the search endpoint for a query; also handed to the
// FlareSolverr route so both paths hit the identical URL.
func (c *Client) SearchURL(query string) string {
	return c.base.String() + "/v1.0/search/?q=" + url.QueryEscape(query)
}

// DetailURL builds the detail endpoint for a slug.
func (c *Client) DetailURL(slug string) string {
	return c.base.String() + "/comic/" + url.PathEscape(slug)
}

// Search runs the direct candidate search.
func (c *Client) Search(ctx context.Context, query string) SearchResult {
	raw := c.Get(ctx, c.SearchURL(query))
	if raw.Outcome != FetchSuccess {
		return SearchResult{Outcome: raw.Outcome, StatusCode: raw.StatusCode, Diagnostic: raw.Diagnostic}
	}

	candidates, decodeErr := DecodeSearch(raw.Body)
	if decodeErr != nil {
		return SearchResult{
			Outcome:    FetchMalformedPayload,
			StatusCode: raw.StatusCode,
			Diagnostic: decodeErr.Error(),
		}
	}

	return SearchResult{Outcome: FetchSuccess, Candidates: candidates, StatusCode: raw.StatusCode}
}

// Detail runs the direct per-slug detail fetch.
func (c *Client) Detail(ctx context.Context, slug string) DetailResult {
	raw := c.Get(ctx, c.DetailURL(slug))
	if raw.Outcome != FetchSuccess {
		return DetailResult{Outcome: raw.Outcome, StatusCode: raw.StatusCode, Diagnostic: raw.Diagnostic}
	}

	comic, decodeErr := DecodeDetail(raw.Body)
	if decodeErr != nil {
		return DetailResult{
			Outcome:    FetchMalformedPayload,
			StatusCode: raw.StatusCode,
			Diagnostic: decodeErr.Error(),
		}
	}

	return DetailResult{Outcome: FetchSuccess, Comic: comic, StatusCode: raw.StatusCode}
}

// Get executes one GET and classifies the response without decoding it.
func (c *Client) Get(ctx context.Context, target string) RawResult {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if reqErr != nil {
		return RawResult{Outcome: FetchTransportFailure, Diagnostic: reqErr.Error()}
	}

	req.Header.Set("Accept", "application/json")

	resp, doErr := c.http.Do(req)
	if doErr != nil {
		if ctx.Err() != nil && errors.Is(doErr, ctx.Err()) {
			return RawResult{Outcome: FetchCancelled, Diagnostic: doErr.Error()}
		}

		return RawResult{Outcome: FetchTransportFailure, Diagnostic: doErr.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		if ctx.Err() != nil && errors.Is(readErr, ctx.Err()) {
			return RawResult{Outcome: FetchCancelled, StatusCode: resp.StatusCode, Diagnostic: readErr.Error()}
		}

		return RawResult{Outcome: FetchTransportFailure, StatusCode: resp.StatusCode, Diagnostic: readErr.Error()}
	}

	if IsCloudflareChallenge(resp.Header, body) {
		return RawResult{
			Outcome:    FetchCloudflareBlocked,
			StatusCode: resp.StatusCode,
			Diagnostic: fmt.Sprintf("cloudflare challenge: status %d", resp.StatusCode),
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		return RawResult{Outcome: FetchNotFound, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return RawResult{
			Outcome:    FetchHTTPFailure,
			StatusCode: resp.StatusCode,
			Diagnostic: fmt.Sprintf("http %d", resp.StatusCode),
		}
	}

	return RawResult{Outcome: FetchSuccess, Body: body, StatusCode: resp.StatusCode}
}

// DecodeSearch parses a search payload; the FlareSolverr route reuses it on
// solver-fetched bodies.
func DecodeSearch(body []byte) ([]Candidate, error) {
	var rows []*Candidate

	unmarshalErr := json.Unmarshal(body, &rows)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("decode search payload: %w", unmarshalErr)
	}

	candidates := make([]Candidate, 0, len(rows))

	for _, row := range rows {
		if row != nil {
			candidates = append(candidates, *row)
		}
	}

	return candidates, nil
}

// DecodeDetail parses a detail payload.
func DecodeDetail(body []byte) (*Comic, error) {
	var comic Comic

	unmarshalErr := json.Unmarshal(body, &comic)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("decode detail payload: %w", unmarshalErr)
	}

	return &comic, nil
}
