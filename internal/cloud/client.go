// Package cloud talks to the ride-control backend: a hierarchical key-value
// store with token authentication, plus the external speed-limit lookup.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roadsense/roadsense/internal/config"
)

// Default identity endpoints. Overridable for tests.
const (
	DefaultIdentityEndpoint    = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithPassword"
	DefaultSecureTokenEndpoint = "https://securetoken.googleapis.com/v1/token"
)

// refreshEarly renews the token this long before it expires.
const refreshEarly = 60 * time.Second

// Client is the backend REST client. Safe for concurrent use.
type Client struct {
	databaseURL         string
	apiKey              string
	email               string
	password            string
	identityEndpoint    string
	secureTokenEndpoint string
	httpClient          *http.Client
	uploadClient        *http.Client

	mu           sync.Mutex
	idToken      string
	refreshToken string
	tokenExpiry  time.Time
}

// NewClient creates a backend client from the cloud configuration section.
func NewClient(cfg config.CloudConfig) *Client {
	return &Client{
		databaseURL:         strings.TrimRight(cfg.DatabaseURL, "/"),
		apiKey:              cfg.APIKey,
		email:               cfg.Email,
		password:            cfg.Password,
		identityEndpoint:    DefaultIdentityEndpoint,
		secureTokenEndpoint: DefaultSecureTokenEndpoint,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout.Std(),
		},
		// Raw-data uploads move whole rides; they get a longer budget
		// than the interactive calls.
		uploadClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetEndpoints overrides the identity endpoints; used by tests.
func (c *Client) SetEndpoints(identity, secureToken string) {
	c.identityEndpoint = identity
	c.secureTokenEndpoint = secureToken
}

// SignIn authenticates with email and password and caches the tokens.
func (c *Client) SignIn(ctx context.Context) error {
	payload := map[string]any{
		"email":             c.email,
		"password":          c.password,
		"returnSecureToken": true,
	}
	body, _ := json.Marshal(payload)

	endpoint := fmt.Sprintf("%s?key=%s", c.identityEndpoint, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sign-in request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sign-in rejected: %s", resp.Status)
	}

	var result struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("error decoding sign-in response: %w", err)
	}

	c.mu.Lock()
	c.idToken = result.IDToken
	c.refreshToken = result.RefreshToken
	c.tokenExpiry = time.Now().Add(parseExpiry(result.ExpiresIn))
	c.mu.Unlock()
	return nil
}

// refresh exchanges the refresh token for a fresh id token.
func (c *Client) refresh(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	endpoint := fmt.Sprintf("%s?key=%s", c.secureTokenEndpoint, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("error creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh rejected: %s", resp.Status)
	}

	var result struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("error decoding refresh response: %w", err)
	}

	c.mu.Lock()
	c.idToken = result.IDToken
	c.refreshToken = result.RefreshToken
	c.tokenExpiry = time.Now().Add(parseExpiry(result.ExpiresIn))
	c.mu.Unlock()
	return nil
}

// token returns a valid id token, refreshing or re-authenticating as needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	idToken := c.idToken
	refreshToken := c.refreshToken
	expiry := c.tokenExpiry
	c.mu.Unlock()

	if idToken != "" && time.Now().Before(expiry.Add(-refreshEarly)) {
		return idToken, nil
	}

	if refreshToken != "" {
		if err := c.refresh(ctx, refreshToken); err == nil {
			c.mu.Lock()
			idToken = c.idToken
			c.mu.Unlock()
			return idToken, nil
		}
		// Refresh failed; fall through to a fresh sign-in.
	}

	if err := c.SignIn(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	idToken = c.idToken
	c.mu.Unlock()
	return idToken, nil
}

// do issues one authenticated JSON request against a database path.
func (c *Client) do(ctx context.Context, method, path string, payload any, result any) error {
	return c.doVia(ctx, c.httpClient, method, path, payload, result)
}

func (c *Client) doVia(ctx context.Context, client *http.Client, method, path string, payload any, result any) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("auth unavailable: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s.json?auth=%s", c.databaseURL, strings.TrimLeft(path, "/"), url.QueryEscape(token))

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error encoding payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned %s for %s %s", resp.Status, method, path)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}
	return nil
}

func parseExpiry(s string) time.Duration {
	seconds := 3600
	if s != "" {
		if _, err := fmt.Sscanf(s, "%d", &seconds); err != nil {
			seconds = 3600
		}
	}
	return time.Duration(seconds) * time.Second
}
