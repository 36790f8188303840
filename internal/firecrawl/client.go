// Package firecrawl is a thin client for the Firecrawl scrape endpoint.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/firescrape/internal/scrape"
)

const (
	// DefaultBaseURL is the hosted Firecrawl API.
	DefaultBaseURL = "https://api.firecrawl.dev"
	scrapePath     = "/v1/scrape"
	maxBodyBytes   = 32 << 20
)

// Config controls the Firecrawl client.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
}

// Client calls the Firecrawl scrape API.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger
}

// New constructs a Client. httpClient may be nil; deadlines come from the
// caller's context.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("firecrawl api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "firescrape/1.0"
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		userAgent:  ua,
		httpClient: httpClient,
		logger:     logger.Named("firecrawl"),
	}, nil
}

// Scrape performs one POST /v1/scrape call. Upstream rejections are returned
// as *APIError; anything else (transport, timeout, undecodable body) is a
// plain wrapped error.
func (c *Client) Scrape(ctx context.Context, params scrape.Params) (scrape.Result, error) {
	ctx, span := otel.Tracer("firescrape/firecrawl").Start(ctx, "firecrawl.scrape")
	defer span.End()
	span.SetAttributes(attribute.String("scrape.url", params.URL))

	body, err := json.Marshal(BuildRequest(params))
	if err != nil {
		return scrape.Result{}, fmt.Errorf("encode scrape request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+scrapePath, bytes.NewReader(body))
	if err != nil {
		return scrape.Result{}, fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return scrape.Result{}, fmt.Errorf("call firecrawl: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return scrape.Result{}, fmt.Errorf("read firecrawl response: %w", err)
	}
	c.logger.Debug("firecrawl responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("elapsed", time.Since(start)),
	)

	result, err := decodeResponse(resp.StatusCode, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return scrape.Result{}, err
	}
	return result, nil
}

func decodeResponse(status int, raw []byte) (scrape.Result, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status >= http.StatusBadRequest {
			return scrape.Result{}, fmt.Errorf("firecrawl returned status %d with undecodable body: %w", status, err)
		}
		return scrape.Result{}, fmt.Errorf("decode firecrawl response: %w", err)
	}
	if !env.Success || status >= http.StatusBadRequest {
		return scrape.Result{}, env.apiError(status)
	}
	if env.Data == nil {
		return scrape.Result{}, errors.New("firecrawl response missing data")
	}
	return env.Data.toResult(), nil
}
