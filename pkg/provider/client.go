// Package provider sends generation requests to the configured model
// providers, falling back along the router's targets.
package provider

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/router"
	"github.com/dwellwise/dwellwise/pkg/stream"
)

const (
	anthropicVersion   = "2023-06-01"
	defaultMaxTokens   = 2048
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// Request is one generation request.
type Request struct {
	// Model is an alias resolved by the router; empty means the default.
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Stream is an open streaming response. The caller must close Body.
type Stream struct {
	Body  io.ReadCloser
	Route router.Route
	// Delta extracts text from this provider's stream frames.
	Delta stream.DeltaFunc
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	// RateLimit is requests per second; 0 means unlimited.
	RateLimit float64
	Burst     int
	// Retries is how many times a rate-limited request is retried on the
	// same target.
	Retries     int
	MaxTokens   int
	BaseBackoff time.Duration
	Logger      *zap.Logger
}

// Client talks to model providers.
type Client struct {
	router      *router.Router
	http        *http.Client
	limiter     *rate.Limiter
	retries     int
	maxTokens   int
	baseBackoff time.Duration
	log         *zap.Logger
}

// New creates a Client over r.
func New(r *router.Router, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		router:      r,
		http:        opts.HTTPClient,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		retries:     opts.Retries,
		maxTokens:   opts.MaxTokens,
		baseBackoff: opts.BaseBackoff,
		log:         logging.OrNop(opts.Logger).Named("provider"),
	}
}

// Stream opens a streaming generation. Transport errors and 5xx responses
// move on to the next route; a rate-limited route is retried with backoff.
// Once a route answers 2xx its body is returned unread.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	resp, route, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, Route: route, Delta: stream.DeltaFor(route.Type())}, nil
}

// Complete runs a non-streaming generation and returns its text.
func (c *Client) Complete(ctx context.Context, req Request) (*models.ContentResponse, error) {
	resp, route, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, stream.Transport(fmt.Errorf("read response: %w", err))
	}
	out, err := parseCompletion(body)
	if err != nil {
		return nil, stream.Failed("unreadable completion from "+route.String(), err)
	}
	if out.Model == "" {
		out.Model = route.Model
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, req Request, streaming bool) (*http.Response, router.Route, error) {
	routes, err := c.router.Resolve(req.Model)
	if err != nil {
		return nil, router.Route{}, stream.Failed("resolve model", err)
	}

	var lastErr error
	for _, route := range routes {
		resp, err := c.tryRoute(ctx, route, req, streaming)
		if err == nil {
			return resp, route, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, route, stream.Failed("generation timed out", ctxErr)
			}
			return nil, route, ctxErr
		}
		lastErr = err
		if !fallback(err) {
			return nil, route, err
		}
		logging.FromContext(ctx, c.log).Warn("provider failed, trying next",
			zap.String("route", route.String()), zap.Error(err))
	}
	return nil, router.Route{}, lastErr
}

// fallback reports whether err should move on to the next route.
func fallback(err error) bool {
	var e *stream.Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case stream.KindTransport:
		return true
	case stream.KindGenerationFailed:
		return e.StatusCode >= 500
	}
	return false
}

func (c *Client) tryRoute(ctx context.Context, route router.Route, req Request, streaming bool) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		resp, err := c.send(ctx, route, req, streaming)
		if err != nil {
			return nil, err
		}
		failure := stream.FromResponse(resp)
		if failure == nil {
			return resp, nil
		}
		resp.Body.Close()

		var e *stream.Error
		if !errors.As(failure, &e) || e.Kind != stream.KindRateLimited || attempt >= c.retries {
			return nil, failure
		}
		wait := e.RetryAfter
		if wait <= 0 {
			wait = c.baseBackoff * time.Duration(1<<attempt)
		}
		if wait > maxBackoff {
			wait = maxBackoff
		}
		logging.FromContext(ctx, c.log).Info("rate limited, backing off",
			zap.String("route", route.String()), zap.Duration("wait", wait), zap.Int("attempt", attempt+1))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) send(ctx context.Context, route router.Route, req Request, streaming bool) (*http.Response, error) {
	path, body, headers, err := c.encode(route, req, streaming)
	if err != nil {
		return nil, err
	}
	target := strings.TrimRight(route.Provider.URL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, stream.Transport(err)
	}
	return resp, nil
}

func (c *Client) encode(route router.Route, req Request, streaming bool) (string, []byte, map[string]string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	user := models.ChatMessage{Role: "user", Content: req.Prompt}

	if route.Type() == "anthropic" {
		body, err := json.Marshal(models.AnthropicRequest{
			Model:     route.Model,
			Messages:  []models.ChatMessage{user},
			System:    req.System,
			MaxTokens: maxTokens,
			Stream:    streaming,
		})
		headers := map[string]string{
			"x-api-key":         route.Provider.APIKey,
			"anthropic-version": anthropicVersion,
		}
		return "/v1/messages", body, headers, err
	}

	var msgs []models.ChatMessage
	if req.System != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, user)
	body, err := json.Marshal(models.ChatCompletionRequest{
		Model:     route.Model,
		Messages:  msgs,
		MaxTokens: &maxTokens,
		Stream:    streaming,
	})
	headers := map[string]string{}
	if route.Provider.APIKey != "" {
		headers["Authorization"] = "Bearer " + route.Provider.APIKey
	}
	return "/v1/chat/completions", body, headers, err
}

// parseCompletion accepts a {"content": "..."} payload, an OpenAI chat
// completion or an Anthropic message.
func parseCompletion(body []byte) (*models.ContentResponse, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, err
	}

	if raw, ok := shape["content"]; ok {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var out models.ContentResponse
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, err
			}
			return &out, nil
		}
		var msg models.AnthropicResponse
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		out := &models.ContentResponse{Content: msg.Text(), Model: msg.Model}
		if msg.Usage != nil {
			out.Usage = msg.Usage.ToUsage()
		}
		return out, nil
	}

	if _, ok := shape["choices"]; ok {
		var chat models.ChatCompletionResponse
		if err := json.Unmarshal(body, &chat); err != nil {
			return nil, err
		}
		if len(chat.Choices) == 0 {
			return nil, errors.New("no choices")
		}
		return &models.ContentResponse{
			Content: chat.Choices[0].Message.Content,
			Model:   chat.Model,
			Usage:   chat.Usage,
		}, nil
	}
	return nil, errors.New("no content field")
}
