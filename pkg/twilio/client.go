// Package twilio is a minimal Twilio REST client covering the one piece of
// call control the voice bridge needs: hanging up a call leg.
package twilio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Client is a Twilio REST API client
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Twilio API client
func NewClient(accountSID, authToken string) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Configured reports whether credentials were provided
func (c *Client) Configured() bool {
	return c.accountSID != "" && c.authToken != ""
}

// CompleteCall ends an in-progress call by setting its status to completed.
// Used when a fatal error mid-call would otherwise leave the caller in
// silence.
func (c *Client) CompleteCall(ctx context.Context, callSID string) error {
	if !c.Configured() {
		return fmt.Errorf("twilio credentials not configured")
	}

	reqURL := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	formData := url.Values{}
	formData.Set("Status", "completed")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("twilio API error (%d): %s", resp.StatusCode, string(body))
	}

	return nil
}
