package dvsa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client fetches vehicle records from the DVSA MOT History API. Every
// request carries both the bearer token and the X-API-Key header; their
// presence is guaranteed by config validation at startup.
type Client struct {
	baseURL string
	apiKey  string
	tokens  *TokenManager
	client  *http.Client
}

const fetchMaxAttempts = 3

// NewClient creates a fetcher bound to one token manager and API key.
func NewClient(baseURL string, creds Credentials, tokens *TokenManager, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  creds.APIKey,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

// VehicleByRegistration looks up the MOT history for one normalized
// registration.
//
// A 401/403 on the vehicle endpoint means a token that looked valid locally
// was rejected server-side: the cached token is dropped and exactly one
// retry with a fresh token is attempted before the failure is surfaced.
func (c *Client) VehicleByRegistration(ctx context.Context, registration string) (*VehicleRecord, error) {
	record, err := c.fetch(ctx, registration)

	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Op == "vehicle" {
		c.tokens.Invalidate()
		record, err = c.fetch(ctx, registration)
	}
	return record, err
}

// fetch performs the lookup with bounded retries for transient failures.
func (c *Client) fetch(ctx context.Context, registration string) (*VehicleRecord, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < fetchMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		record, err := c.doFetch(ctx, registration)
		if err == nil {
			return record, nil
		}
		lastErr = err

		var transientErr *TransientError
		if !errors.As(err, &transientErr) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doFetch(ctx context.Context, registration string) (*VehicleRecord, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/trade/vehicles/registration/%s", c.baseURL, registration)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("registration %s: %w", registration, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Op: "vehicle", Status: resp.StatusCode, Err: fmt.Errorf("API rejected token or api key")}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("API returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ParseError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	record, err := decodeVehicleRecord(body)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// decodeVehicleRecord parses a response body. The API returns either a
// single object or a one-element array depending on endpoint version; both
// are accepted. Missing optional fields are fine, but a record with neither
// a registration nor any test history is malformed.
func decodeVehicleRecord(body []byte) (*VehicleRecord, error) {
	var record VehicleRecord
	if err := json.Unmarshal(body, &record); err != nil {
		var records []VehicleRecord
		if arrErr := json.Unmarshal(body, &records); arrErr != nil || len(records) == 0 {
			return nil, &ParseError{Err: fmt.Errorf("failed to unmarshal vehicle response: %w", err)}
		}
		record = records[0]
	}

	if record.Registration == "" && len(record.MOTTests) == 0 {
		return nil, &ParseError{Err: fmt.Errorf("response has no vehicle identity and no test history")}
	}
	return &record, nil
}
