// Package api is the client for the Flowna REST backend.
package api

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
	"sync"
	"time"
)

// credentialError marks the two outcomes of a rejected credential. Temporary
// reports whether repeating the request may succeed.
type credentialError struct {
	msg   string
	retry bool
}

func (e *credentialError) Error() string   { return e.msg }
func (e *credentialError) Temporary() bool { return e.retry }

var (
	// ErrCredentialRefreshed is returned when a request was rejected with 403
	// and the tokens were refreshed. The request was not repeated.
	ErrCredentialRefreshed error = &credentialError{msg: "api: credential refreshed, retry the request", retry: true}
	// ErrLoggedOut is returned when a 403 could not be recovered by a refresh.
	// The stored identity has been cleared.
	ErrLoggedOut error = &credentialError{msg: "api: logged out"}

	ErrNotLoggedIn = errors.New("api: not logged in")
)

// StatusError is a non-2xx response other than 403.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api returned %d", e.Code)
	}
	return fmt.Sprintf("api returned %d: %s", e.Code, e.Body)
}

// Tokens is the credential pair issued by the backend.
type Tokens struct {
	Access  string `json:"accessToken"`
	Refresh string `json:"refreshToken"`
}

// TokenStore persists the current tokens. LoadTokens returns ErrNotLoggedIn
// when nothing is stored.
type TokenStore interface {
	LoadTokens() (Tokens, error)
	SaveTokens(t Tokens) error
	ClearTokens() error
}

type Options struct {
	BaseURL    string
	Store      TokenStore
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnTokens is called after the tokens change: with the new pair after a
	// refresh or login, with a zero pair after logout.
	OnTokens func(Tokens)
}

type Client struct {
	base     string
	store    TokenStore
	http     *http.Client
	logger   *slog.Logger
	onTokens func(Tokens)

	refreshMu sync.Mutex
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = &MemoryStore{}
	}
	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		store:    store,
		http:     hc,
		logger:   logger,
		onTokens: opts.OnTokens,
	}
}

// Tokens returns the stored tokens.
func (c *Client) Tokens() (Tokens, error) {
	return c.store.LoadTokens()
}

// do sends one request. in is JSON-encoded when non-nil; out is decoded from
// a 2xx response when non-nil. auth attaches the bearer token and enables the
// 403 refresh path.
func (c *Client) do(ctx context.Context, method, path string, in, out any, auth bool) error {
	var tokens Tokens
	if auth {
		var err error
		tokens, err = c.store.LoadTokens()
		if err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+tokens.Access)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden && auth {
		c.logger.Info("request forbidden, refreshing credential", "path", path)
		return c.recover(ctx, tokens)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// recover runs the single refresh attempt after a 403. Concurrent callers
// that hit 403 with the same stale token share one refresh.
func (c *Client) recover(ctx context.Context, stale Tokens) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current, err := c.store.LoadTokens()
	if err != nil {
		return ErrLoggedOut
	}
	if current.Access != stale.Access {
		return ErrCredentialRefreshed
	}

	fresh, err := c.refresh(ctx, current.Refresh)
	if err != nil {
		c.logger.Warn("credential refresh failed, logging out", "err", err)
		if cerr := c.store.ClearTokens(); cerr != nil {
			c.logger.Error("clear tokens", "err", cerr)
		}
		c.notify(Tokens{})
		return ErrLoggedOut
	}
	if fresh.Refresh == "" {
		fresh.Refresh = current.Refresh
	}
	if err := c.store.SaveTokens(fresh); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	c.notify(fresh)
	return ErrCredentialRefreshed
}

func (c *Client) notify(t Tokens) {
	if c.onTokens != nil {
		c.onTokens(t)
	}
}

// MemoryStore is an in-process TokenStore.
type MemoryStore struct {
	mu     sync.Mutex
	tokens Tokens
}

func (m *MemoryStore) LoadTokens() (Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens.Access == "" {
		return Tokens{}, ErrNotLoggedIn
	}
	return m.tokens, nil
}

func (m *MemoryStore) SaveTokens(t Tokens) error {
	m.mu.Lock()
	m.tokens = t
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ClearTokens() error {
	m.mu.Lock()
	m.tokens = Tokens{}
	m.mu.Unlock()
	return nil
}
