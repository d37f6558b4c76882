// Package httpapi talks to the external content-extraction service over
// JSON/HTTP. It implements both monitor.Authenticator and
// monitor.ContentSource.
package httpapi

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
)

const maxErrorBody = 4 << 10

// Config locates the service and carries credentials.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// Client is the HTTP adapter.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

var (
	_ monitor.ContentSource = (*Client)(nil)
	_ monitor.Authenticator = (*Client)(nil)
)

// New validates cfg and builds a traced HTTP client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("source.base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse source base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sentinel/1.0"
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.Named("source"),
	}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login opens a session with the service.
func (c *Client) Login(ctx context.Context) (monitor.Session, error) {
	body, err := json.Marshal(loginRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return monitor.Session{}, fmt.Errorf("encode login: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/sessions", nil, bytes.NewReader(body))
	if err != nil {
		return monitor.Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out loginResponse
	if err := c.do(req, &out); err != nil {
		if errors.Is(err, monitor.ErrAuth) {
			return monitor.Session{}, err
		}
		return monitor.Session{}, fmt.Errorf("login: %w: %w", monitor.ErrAuth, err)
	}
	if out.Token == "" {
		return monitor.Session{}, fmt.Errorf("login: %w: empty token", monitor.ErrAuth)
	}
	now := time.Now().UTC()
	s := monitor.Session{ID: out.SessionID, Token: out.Token, AcquiredAt: now, ExpiresAt: out.ExpiresAt}
	if s.ExpiresAt.IsZero() && c.cfg.SessionTTL > 0 {
		s.ExpiresAt = now.Add(c.cfg.SessionTTL)
	}
	return s, nil
}

type searchResponse struct {
	Items []wireItem `json:"items"`
}

type wireItem struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Language  string    `json:"lang"`
	Country   string    `json:"country"`
	Hashtags  []string  `json:"hashtags"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Author    struct {
		Handle    string    `json:"handle"`
		Name      string    `json:"name"`
		Followers int64     `json:"followers"`
		Verified  bool      `json:"verified"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"author"`
	Metrics struct {
		Likes   int64 `json:"likes"`
		Reposts int64 `json:"reposts"`
		Replies int64 `json:"replies"`
		Views   int64 `json:"views"`
	} `json:"metrics"`
	Sentiment *float64 `json:"sentiment,omitempty"`
}

// Search returns at most maxItems items for term. A rejected session
// yields ErrAuth; every other failure wraps ErrAdapter.
func (c *Client) Search(ctx context.Context, session monitor.Session, term string, maxItems int) ([]monitor.Item, error) {
	q := url.Values{}
	q.Set("q", term)
	if maxItems > 0 {
		q.Set("limit", strconv.Itoa(maxItems))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/search", q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+session.Token)

	var out searchResponse
	if err := c.do(req, &out); err != nil {
		if errors.Is(err, monitor.ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("search %q: %w: %w", term, monitor.ErrAdapter, err)
	}
	items := make([]monitor.Item, 0, len(out.Items))
	for _, w := range out.Items {
		if w.ID == "" {
			continue
		}
		items = append(items, w.toItem(term))
		if maxItems > 0 && len(items) == maxItems {
			break
		}
	}
	c.logger.Debug("search complete", zap.String("term", term), zap.Int("items", len(items)))
	return items, nil
}

func (w wireItem) toItem(term string) monitor.Item {
	return monitor.Item{
		ID: w.ID,
		Author: monitor.Author{
			Handle:           w.Author.Handle,
			DisplayName:      w.Author.Name,
			Followers:        w.Author.Followers,
			Verified:         w.Author.Verified,
			AccountCreatedAt: w.Author.CreatedAt,
		},
		Text:       w.Text,
		Language:   w.Language,
		Country:    strings.ToUpper(w.Country),
		Hashtags:   w.Hashtags,
		URL:        w.URL,
		SearchTerm: term,
		AuthoredAt: w.CreatedAt,
		Engagement: monitor.Engagement{
			Likes:   w.Metrics.Likes,
			Reposts: w.Metrics.Reposts,
			Replies: w.Metrics.Replies,
			Views:   w.Metrics.Views,
		},
		SentimentHint: w.Sentiment,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = u.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w: status %d", req.Method, req.URL.Path, monitor.ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
