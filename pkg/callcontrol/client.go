package callcontrol

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the carrier's call control API
const DefaultBaseURL = "https://api.telnyx.com/v2"

// ErrNotConfigured is returned when no API key has been supplied
var ErrNotConfigured = errors.New("telephony credentials not configured")

// APIError is a non-2xx response from the call control API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("call control API error (%d): %s", e.StatusCode, e.Body)
}

// Client issues call control actions against a live call
type Client struct {
	apiKey  string
	baseURL string
	http    *resty.Client
}

// AnswerOptions configures media streaming when answering a call
type AnswerOptions struct {
	StreamURL   string `json:"stream_url,omitempty"`
	StreamTrack string `json:"stream_track,omitempty"` // inbound_track, outbound_track, both_tracks
	ClientState string `json:"client_state,omitempty"`
}

type transferRequest struct {
	To string `json:"to"`
}

// NewClient creates a call control client. An empty baseURL selects
// DefaultBaseURL.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err == nil && resp.StatusCode() >= 500
		})

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    httpClient,
	}
}

// ValidateConfiguration checks that the client can authenticate
func (c *Client) ValidateConfiguration() error {
	if c.apiKey == "" {
		return fmt.Errorf("TELEPHONY__API_KEY not configured")
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return fmt.Errorf("invalid TELEPHONY__BASE_URL: %w", err)
	}
	return nil
}

// Answer picks up an inbound call, optionally starting a media stream
func (c *Client) Answer(ctx context.Context, callControlID string, opts AnswerOptions) error {
	return c.action(ctx, callControlID, "answer", opts)
}

// Hangup ends the call
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "hangup", struct{}{})
}

// Transfer bridges the caller to another number
func (c *Client) Transfer(ctx context.Context, callControlID, to string) error {
	if to == "" {
		return fmt.Errorf("transfer destination is required")
	}
	return c.action(ctx, callControlID, "transfer", transferRequest{To: to})
}

func (c *Client) action(ctx context.Context, callControlID, action string, body interface{}) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	if callControlID == "" {
		return fmt.Errorf("call control ID is required")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(callControlID), action))
	if err != nil {
		return fmt.Errorf("failed to %s call: %w", action, err)
	}

	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
