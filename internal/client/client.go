// Package client consumes the run API: it creates runs, reads them, and
// follows a run's live stream with a polling fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

const maxErrorBody = 64 << 10

// Config describes how to reach and authenticate against the API.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Owner is sent in OwnerHeader when set, for header-mode deployments.
	Owner       string
	OwnerHeader string
}

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

// Client talks to the run API.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
}

// New constructs a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.OwnerHeader == "" {
		cfg.OwnerHeader = "X-Owner-ID"
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: base, cfg: cfg, httpClient: httpClient}, nil
}

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	URL     string          `json:"url"`
	Formats []scrape.Format `json:"formats,omitempty"`
	Options scrape.Options  `json:"options"`
}

// CreateRunResponse is returned by CreateRun.
type CreateRunResponse struct {
	ID     string           `json:"id"`
	Status scrape.RunStatus `json:"status"`
}

// CreateRun records a new PENDING run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (CreateRunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return CreateRunResponse{}, fmt.Errorf("encode run request: %w", err)
	}
	var out CreateRunResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs", bytes.NewReader(body), &out); err != nil {
		return CreateRunResponse{}, err
	}
	return out, nil
}

// GetRun fetches one run. A 404 is reported as scrape.ErrNotFound.
func (c *Client) GetRun(ctx context.Context, runID string) (scrape.Run, error) {
	var out struct {
		Run scrape.Run `json:"run"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return scrape.Run{}, err
	}
	return out.Run, nil
}

// ListRuns fetches the caller's runs.
func (c *Client) ListRuns(ctx context.Context, filter scrape.ListFilter) ([]scrape.Run, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	if filter.From != nil {
		q.Set("from", filter.From.UTC().Format(time.RFC3339))
	}
	if filter.To != nil {
		q.Set("to", filter.To.UTC().Format(time.RFC3339))
	}
	if filter.Sort != "" {
		q.Set("sort", string(filter.Sort))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Runs []scrape.Run `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Stream opens the run's event stream. The caller must Close it.
func (c *Client) Stream(ctx context.Context, runID string) (*EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return newEventStream(resp.Body), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Owner != "" {
		req.Header.Set(c.cfg.OwnerHeader, c.cfg.Owner)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", scrape.ErrNotFound, httpErr)
	}
	return httpErr
}
