package dvsa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Credentials holds one configured DVSA credential set. Immutable once
// constructed.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	APIKey       string
}

// cachedToken is replaced wholesale on every refresh, never mutated.
type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// TokenManager owns the OAuth2 client-credentials exchange and the cached
// bearer token for one credential set. A token is treated as expired a
// safety margin before its reported expiry to absorb clock skew and request
// latency.
//
// The mutex is held across the whole refresh, so concurrent callers that
// arrive during an in-flight refresh block on the lock and then reuse the
// freshly cached token; at most one token request is ever outstanding.
type TokenManager struct {
	creds        Credentials
	client       *http.Client
	safetyMargin time.Duration
	now          func() time.Time

	mu    sync.Mutex
	token *cachedToken
}

const tokenMaxAttempts = 3

// NewTokenManager creates a token manager for the given credential set.
func NewTokenManager(creds Credentials, timeout, safetyMargin time.Duration) *TokenManager {
	return &TokenManager{
		creds:        creds,
		client:       &http.Client{Timeout: timeout},
		safetyMargin: safetyMargin,
		now:          time.Now,
	}
}

// Token returns a valid access token, refreshing the cached one when it is
// within the safety margin of expiry.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	if tm.token != nil && now.Before(tm.token.expiresAt.Add(-tm.safetyMargin)) {
		return tm.token.accessToken, nil
	}

	token, err := tm.refresh(ctx)
	if err != nil {
		return "", err
	}
	tm.token = token
	return token.accessToken, nil
}

// Invalidate drops the cached token. The fetcher calls this when the API
// rejects a token that is not yet expired locally (revoked server-side).
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	tm.token = nil
	tm.mu.Unlock()
}

// refresh performs the client-credentials grant. Network and 5xx failures
// are retried with exponential backoff; a 4xx from the token endpoint is
// surfaced immediately as an AuthError.
func (tm *TokenManager) refresh(ctx context.Context) (*cachedToken, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < tokenMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		token, retryable, err := tm.requestToken(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, &AuthError{Op: "token", Err: fmt.Errorf("token endpoint unreachable after %d attempts: %w", tokenMaxAttempts, lastErr)}
}

// tokenResponse models the Azure AD v2 token endpoint response. expires_in
// is a json.Number because some deployments return it as a string.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

func (tm *TokenManager) requestToken(ctx context.Context) (*cachedToken, bool, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", tm.creds.ClientID)
	form.Set("client_secret", tm.creds.ClientSecret)
	form.Set("scope", tm.creds.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	now := tm.now()
	resp, err := tm.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read token response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	default:
		return nil, false, &AuthError{Op: "token", Status: resp.StatusCode, Err: fmt.Errorf("token endpoint rejected credentials")}
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, &ParseError{Err: fmt.Errorf("failed to unmarshal token response: %w", err)}
	}
	if payload.AccessToken == "" {
		return nil, false, &ParseError{Err: fmt.Errorf("token response missing access_token")}
	}

	expiresIn := int64(3600)
	if payload.ExpiresIn != "" {
		if n, err := payload.ExpiresIn.Int64(); err == nil && n > 0 {
			expiresIn = n
		}
	}

	return &cachedToken{
		accessToken: payload.AccessToken,
		expiresAt:   now.Add(time.Duration(expiresIn) * time.Second),
	}, false, nil
}
