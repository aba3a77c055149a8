// Package gateway wraps the remote analysis service behind the three operations the
// recommendation flow needs: candidate search, clarification and final recommendation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/PillPipe/internal/metrics"
	"github.com/BTreeMap/PillPipe/internal/models"
)

// Default endpoint paths on the analysis service.
const (
	DefaultSearchPath    = "/api/search"
	DefaultClarifyPath   = "/api/clarify"
	DefaultRecommendPath = "/api/recommend"
	DefaultHealthPath    = "/healthz"
	DefaultUserAgent     = "PillPipe/1.0"
)

const (
	opHealth = models.Operation("healthz")

	// errorBodyLimit caps how much of a failed response body ends up in a TransportError.
	errorBodyLimit = 4096
	// responseBodyLimit caps decoded response bodies.
	responseBodyLimit = 8 << 20
)

// Opts holds configuration options for the gateway client.
type Opts struct {
	BaseURL       string
	HTTPClient    *http.Client
	SearchPath    string
	ClarifyPath   string
	RecommendPath string
	UserAgent     string
}

// Option defines a configuration option for the gateway client.
type Option func(*Opts)

// WithBaseURL sets the analysis service root, e.g. http://localhost:8000.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client. Per-call deadlines come from the caller's context,
// so the client should not carry its own Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

func WithSearchPath(p string) Option {
	return func(o *Opts) { o.SearchPath = p }
}

func WithClarifyPath(p string) Option {
	return func(o *Opts) { o.ClarifyPath = p }
}

func WithRecommendPath(p string) Option {
	return func(o *Opts) { o.RecommendPath = p }
}

func WithUserAgent(ua string) Option {
	return func(o *Opts) { o.UserAgent = ua }
}

// Client issues single-attempt JSON requests to the analysis service.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	searchPath    string
	clarifyPath   string
	recommendPath string
	userAgent     string
}

// NewClient builds a Client. The base URL falls back to PILLPIPE_BACKEND_URL when not set via options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		SearchPath:    DefaultSearchPath,
		ClarifyPath:   DefaultClarifyPath,
		RecommendPath: DefaultRecommendPath,
		UserAgent:     DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("PILLPIPE_BACKEND_URL")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL must be provided")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	slog.Debug("Client.NewClient: gateway configured", "base_url", base.String(),
		"search_path", cfg.SearchPath, "clarify_path", cfg.ClarifyPath, "recommend_path", cfg.RecommendPath)

	return &Client{
		baseURL:       base,
		httpClient:    cfg.HTTPClient,
		searchPath:    cfg.SearchPath,
		clarifyPath:   cfg.ClarifyPath,
		recommendPath: cfg.RecommendPath,
		userAgent:     cfg.UserAgent,
	}, nil
}

// SearchCandidates fetches the candidate set for input. Entries without a product name are dropped.
func (c *Client) SearchCandidates(ctx context.Context, input models.InitialInput) ([]models.CandidateProduct, error) {
	var resp searchResponse
	if err := c.call(ctx, models.OpSearch, http.MethodPost, c.searchPath, newInputPayload(input), &resp); err != nil {
		return nil, err
	}

	raw := resp.Products
	if raw == nil {
		raw = resp.Items
	}
	products := make([]models.CandidateProduct, 0, len(raw))
	for i, p := range raw {
		if strings.TrimSpace(p.ProductName) == "" {
			slog.Warn("Client.SearchCandidates: dropping product without name", "index", i)
			continue
		}
		products = append(products, p.toModel())
	}
	slog.Debug("Client.SearchCandidates: received candidates", "count", len(products))
	return products, nil
}

// FetchClarification asks the service which follow-up questions, if any, it needs answered.
func (c *Client) FetchClarification(ctx context.Context, input models.InitialInput) (*models.ClarifyResponse, error) {
	var resp clarifyResponse
	if err := c.call(ctx, models.OpClarify, http.MethodPost, c.clarifyPath, newInputPayload(input), &resp); err != nil {
		return nil, err
	}
	out, err := resp.toModel()
	if err != nil {
		return nil, &models.TransportError{Op: models.OpClarify, Message: "malformed response: " + err.Error(), Err: err}
	}
	slog.Debug("Client.FetchClarification: received questions", "count", len(out.Questions))
	return out, nil
}

// FetchRecommendation requests the ranked result. candidates is omitted from the request when empty.
func (c *Client) FetchRecommendation(ctx context.Context, input models.InitialInput, answers models.AnswerMap, candidates []models.CandidateProduct) (*models.RankedResult, error) {
	req := recommendPayload{
		inputPayload: newInputPayload(input),
		Answers:      answers.Clone(),
	}
	for _, p := range candidates {
		req.Products = append(req.Products, newWireProduct(p))
	}

	var resp recommendResponse
	if err := c.call(ctx, models.OpRecommend, http.MethodPost, c.recommendPath, req, &resp); err != nil {
		return nil, err
	}
	out := resp.toModel()
	if err := out.Validate(); err != nil {
		return nil, &models.TransportError{Op: models.OpRecommend, Message: "malformed response: " + err.Error(), Err: err}
	}
	out.SortByRank()
	slog.Debug("Client.FetchRecommendation: received ranking", "ranked", len(out.Ranked),
		"sent_answers", len(req.Answers), "sent_products", len(req.Products))
	return out, nil
}

// HealthCheck reports whether the analysis service answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.call(ctx, opHealth, http.MethodGet, DefaultHealthPath, nil, nil)
}

// call performs one request and records it in metrics. Every failure is a *models.TransportError.
func (c *Client) call(ctx context.Context, op models.Operation, method, path string, body, out any) error {
	start := time.Now()
	err := c.do(ctx, op, method, path, body, out)
	metrics.ObserveGatewayCall(string(op), time.Since(start), err)
	if err != nil {
		slog.Debug("Client.call: request failed", "operation", op, "path", path, "error", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, op models.Operation, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &models.TransportError{Op: op, Message: "encode request: " + err.Error(), Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return &models.TransportError{Op: op, Message: "build request: " + err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransportError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &models.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseBodyLimit)).Decode(out); err != nil {
		return &models.TransportError{Op: op, StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL.String() + path
}
