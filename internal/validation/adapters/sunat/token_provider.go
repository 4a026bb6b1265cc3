package sunat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AuthError means the whole token search space was exhausted without a
// usable credential. The current cycle is abandoned; the next poll cycle
// retries acquisition.
type AuthError struct {
	LastAttempt string
}

func (e *AuthError) Error() string {
	return "sunat token acquisition failed: " + e.LastAttempt
}

type authMode string

const (
	authModeBasic authMode = "basic" // credentials in the Authorization header
	authModeBody  authMode = "body"  // credentials as form fields
)

// tokenScopes are tried per endpoint and auth mode; the empty string means
// the scope parameter is omitted entirely.
var tokenScopes = []string{
	"https://api.sunat.gob.pe/v1/contribuyente/contribuyentes",
	"https://api.sunat.gob.pe/v1/contribuyente/*",
	"",
}

// DefaultTokenEndpoints returns the two candidate OAuth endpoints for a
// client id, tried in order.
func DefaultTokenEndpoints(clientID string) []string {
	return []string{
		fmt.Sprintf("https://api-seguridad.sunat.gob.pe/v1/clientessol/%s/oauth2/token/", clientID),
		fmt.Sprintf("https://api-seguridad.sunat.gob.pe/v1/clientesextranet/%s/oauth2/token/", clientID),
	}
}

// tokenSafetyMargin is the remaining validity below which a cached token is
// treated as stale, so an in-flight batch never outlives its credential.
const tokenSafetyMargin = 60 * time.Second

// TokenProvider acquires and caches a bearer credential for the validation
// API. It owns its lock; there is no package-level state.
type TokenProvider struct {
	logger       *slog.Logger
	httpClient   *http.Client
	clientID     string
	clientSecret string
	endpoints    []string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

func NewTokenProvider(logger *slog.Logger, clientID, clientSecret string, endpoints []string, httpClient *http.Client) *TokenProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 25 * time.Second}
	}
	if len(endpoints) == 0 {
		endpoints = DefaultTokenEndpoints(clientID)
	}
	return &TokenProvider{
		logger:       logger.With("component", "token_provider"),
		httpClient:   httpClient,
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		endpoints:    endpoints,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns a bearer token and its expiry, reusing the cached one while
// it has more than tokenSafetyMargin of validity left. Acquisition runs under
// the write lock with a second freshness check, so concurrent callers never
// issue redundant acquisition requests.
func (p *TokenProvider) Token(ctx context.Context) (string, time.Time, error) {
	p.mu.RLock()
	if p.fresh() {
		token, expiresAt := p.token, p.expiresAt
		p.mu.RUnlock()
		return token, expiresAt, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fresh() {
		return p.token, p.expiresAt, nil
	}

	var lastAttempt string
	for _, endpoint := range p.endpoints {
		for _, mode := range []authMode{authModeBasic, authModeBody} {
			for _, scope := range tokenScopes {
				token, expiresIn, err := p.requestToken(ctx, endpoint, mode, scope)
				if err == nil {
					p.token = token
					p.expiresAt = p.now().Add(time.Duration(expiresIn) * time.Second)
					p.logger.InfoContext(ctx, "Token renewed",
						"endpoint", endpointLabel(endpoint), "auth_mode", string(mode), "scope", scopeLabel(scope),
						"expires_at", p.expiresAt.UTC().Format(time.RFC3339))
					return p.token, p.expiresAt, nil
				}
				// Identify the failed combination without ever logging the
				// credentials themselves.
				lastAttempt = fmt.Sprintf("[%s | auth=%s | scope=%s] %v", endpointLabel(endpoint), mode, scopeLabel(scope), err)
				p.logger.WarnContext(ctx, "Token attempt failed",
					"endpoint", endpointLabel(endpoint), "auth_mode", string(mode), "scope", scopeLabel(scope), "error", err)
			}
		}
	}

	return "", time.Time{}, &AuthError{LastAttempt: lastAttempt}
}

func (p *TokenProvider) fresh() bool {
	return p.token != "" && p.expiresAt.Sub(p.now()) > tokenSafetyMargin
}

func (p *TokenProvider) requestToken(ctx context.Context, endpoint string, mode authMode, scope string) (string, int64, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if scope != "" {
		form.Set("scope", scope)
	}
	if mode == authModeBody {
		form.Set("client_id", p.clientID)
		form.Set("client_secret", p.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if mode == authModeBasic {
		req.SetBasicAuth(p.clientID, p.clientSecret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(body, 800))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// endpointLabel reduces a token URL to its distinguishing path segment.
func endpointLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return u.Host
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "none"
	}
	return scope
}

func truncateBody(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
