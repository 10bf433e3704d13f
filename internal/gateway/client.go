package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var _ Gateway = (*Client)(nil)

// Client is the REST implementation of Gateway. A Client is bound to one
// learner's bearer token; use WithToken to derive per-learner clients.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a Client for the platform API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "gateway_client").Logger(),
	}
}

// WithToken returns a copy of c that authenticates as the given learner.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type submitAnswerRequest struct {
	ItemID string `json:"item_id"`
	Answer string `json:"answer"`
}

// StartAttempt implements Gateway.
func (c *Client) StartAttempt(ctx context.Context, testSlug string) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, c.attemptsPath(testSlug)+"/start", nil, &out); err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return &out, nil
}

// SubmitAnswer implements Gateway.
func (c *Client) SubmitAnswer(ctx context.Context, testSlug, attemptID, itemID, encodedAnswer string) error {
	body := submitAnswerRequest{ItemID: itemID, Answer: encodedAnswer}
	if err := c.do(ctx, http.MethodPost, c.attemptPath(testSlug, attemptID)+"/answers", body, nil); err != nil {
		return fmt.Errorf("submit answer: %w", err)
	}
	return nil
}

// SubmitAttempt implements Gateway.
func (c *Client) SubmitAttempt(ctx context.Context, testSlug, attemptID string) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, c.attemptPath(testSlug, attemptID)+"/submit", nil, &out); err != nil {
		return nil, fmt.Errorf("submit attempt: %w", err)
	}
	return &out, nil
}

// GetAttemptDetail implements Gateway.
func (c *Client) GetAttemptDetail(ctx context.Context, testSlug, attemptID string) (*AttemptDetail, error) {
	var out AttemptDetail
	if err := c.do(ctx, http.MethodGet, c.attemptPath(testSlug, attemptID), nil, &out); err != nil {
		return nil, fmt.Errorf("get attempt detail: %w", err)
	}
	return &out, nil
}

func (c *Client) attemptsPath(testSlug string) string {
	return "/tests/" + url.PathEscape(testSlug) + "/attempts"
}

func (c *Client) attemptPath(testSlug, attemptID string) string {
	return c.attemptsPath(testSlug) + "/" + url.PathEscape(attemptID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Gateway call failed")
		return NewAPIError(resp.StatusCode, truncate(string(raw), 512))
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := decodeEnvelope(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// decodeEnvelope accepts both a bare object and the {"data": ...} envelope.
func decodeEnvelope(raw []byte, out interface{}) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
