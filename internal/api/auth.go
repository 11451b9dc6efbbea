package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type credentials struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// Login exchanges a username and password for tokens and stores them.
func (c *Client) Login(ctx context.Context, username, password string) (Tokens, error) {
	var t Tokens
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", credentials{Username: username, Password: password}, &t, false); err != nil {
		return Tokens{}, err
	}
	return c.accept(t)
}

// Register creates an account. Backends that log the new user in directly
// return tokens, which are stored; otherwise the zero Tokens is returned.
func (c *Client) Register(ctx context.Context, username, email, password string) (Tokens, error) {
	var t Tokens
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", credentials{Username: username, Email: email, Password: password}, &t, false); err != nil {
		return Tokens{}, err
	}
	if t.Access == "" {
		return Tokens{}, nil
	}
	return c.accept(t)
}

// Logout forgets the stored tokens. The backend keeps no session to end.
func (c *Client) Logout() error {
	if err := c.store.ClearTokens(); err != nil {
		return err
	}
	c.notify(Tokens{})
	return nil
}

func (c *Client) accept(t Tokens) (Tokens, error) {
	if t.Access == "" {
		return Tokens{}, errors.New("api: login response carried no access token")
	}
	if err := c.store.SaveTokens(t); err != nil {
		return Tokens{}, fmt.Errorf("save tokens: %w", err)
	}
	c.notify(t)
	return t, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, errors.New("no refresh token")
	}
	var t Tokens
	in := map[string]string{"refreshToken": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", in, &t, false); err != nil {
		return Tokens{}, err
	}
	if t.Access == "" {
		return Tokens{}, errors.New("refresh response carried no access token")
	}
	return t, nil
}

// Claims is what the client reads out of an access token.
type Claims struct {
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the token has expired at now. Tokens without an
// expiry never expire.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type accessClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseClaims reads the claims of an access token without verifying its
// signature; the backend does that. The username comes from the "username"
// claim, falling back to "sub".
func ParseClaims(token string) (Claims, error) {
	var ac accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &ac); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	out := Claims{Username: ac.Username}
	if out.Username == "" {
		out.Username = ac.Subject
	}
	if ac.ExpiresAt != nil {
		out.ExpiresAt = ac.ExpiresAt.Time
	}
	return out, nil
}

// Identity returns the claims of the stored access token.
func (c *Client) Identity() (Claims, error) {
	t, err := c.store.LoadTokens()
	if err != nil {
		return Claims{}, err
	}
	return ParseClaims(t.Access)
}

// Renew refreshes the stored credential ahead of use when its access token
// has expired at now or cannot be read. A valid token is left alone.
func (c *Client) Renew(ctx context.Context, now time.Time) error {
	t, err := c.store.LoadTokens()
	if err != nil {
		return err
	}
	if claims, err := ParseClaims(t.Access); err == nil && !claims.Expired(now) {
		return nil
	}
	if err := c.recover(ctx, t); !errors.Is(err, ErrCredentialRefreshed) {
		return err
	}
	return nil
}
