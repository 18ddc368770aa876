// Package crm is the client for the Citadel CRM REST API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Source tag identifying this import channel on created interactions.
const SourceImportIOS = "IMPORT_IOS"

// MaxPageLimit is the largest page size the contacts endpoint accepts.
const MaxPageLimit = 100

// Interaction types accepted by the CRM.
const (
	CallInbound  = "CALL_INBOUND"
	CallOutbound = "CALL_OUTBOUND"
	CallMissed   = "CALL_MISSED"
	TextInbound  = "TEXT_INBOUND"
	TextOutbound = "TEXT_OUTBOUND"
)

// Contact is a CRM contact. ID is zero on create payloads.
type Contact struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Interaction is one communication event attached to a contact.
type Interaction struct {
	Type            string    `json:"type"`
	OccurredAt      time.Time `json:"occurredAt"`
	Content         string    `json:"content,omitempty"`
	DurationSeconds int       `json:"durationSeconds,omitempty"`
	Source          string    `json:"source"`
}

// Client talks to the Citadel CRM API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// retry policy knobs, overridable in tests
	maxRetries      uint64
	initialInterval time.Duration
}

// NewClient creates a CRM client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:         baseURL,
		apiKey:          apiKey,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		maxRetries:      3,
		initialInterval: 500 * time.Millisecond,
	}
}

// ListContacts fetches one page of contacts (page is 1-indexed) and the
// total count across all pages.
func (c *Client) ListContacts(ctx context.Context, page, limit int) ([]Contact, int, error) {
	var resp struct {
		Data []Contact `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	if err := c.do(ctx, http.MethodGet, "/api/contacts?"+q.Encode(), nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Data, resp.Meta.Total, nil
}

// ListAllContacts pages through the contacts endpoint until it has
// retrieved the reported total.
func (c *Client) ListAllContacts(ctx context.Context) ([]Contact, error) {
	var all []Contact
	page := 1
	for {
		contacts, total, err := c.ListContacts(ctx, page, MaxPageLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, contacts...)
		if len(all) >= total || len(contacts) == 0 {
			return all, nil
		}
		page++
	}
}

// CreateContact creates a contact and returns it with its assigned ID.
func (c *Client) CreateContact(ctx context.Context, contact Contact) (Contact, error) {
	payload := map[string]string{
		"firstName": contact.FirstName,
		"lastName":  contact.LastName,
	}
	if contact.Phone != "" {
		payload["phone"] = contact.Phone
	}
	if contact.Email != "" {
		payload["email"] = contact.Email
	}
	if contact.Organization != "" {
		payload["organization"] = contact.Organization
	}
	if contact.Notes != "" {
		payload["notes"] = contact.Notes
	}

	var resp struct {
		Data Contact `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/contacts", payload, &resp); err != nil {
		return Contact{}, err
	}
	return resp.Data, nil
}

// CreateInteraction creates one interaction for a contact. Any failure
// means "not synced, retry next run" to the caller.
func (c *Client) CreateInteraction(ctx context.Context, contactID int64, in Interaction) error {
	if in.Source == "" {
		in.Source = SourceImportIOS
	}
	path := fmt.Sprintf("/api/contacts/%d/interactions", contactID)
	return c.do(ctx, http.MethodPost, path, in, nil)
}

// do performs one API call with the transport retry policy: bounded
// exponential backoff on 429/5xx, honoring a server Retry-After hint.
// Other HTTP errors fail immediately.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	hinted := &hintedBackOff{}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	hinted.BackOff = exp

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network-level failures are transient until retries run out.
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("crm api: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))

		if retryableStatus(resp.StatusCode) {
			hinted.hint = parseRetryAfter(resp.Header.Get("Retry-After"))
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(hinted, c.maxRetries), ctx))
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// hintedBackOff prefers the server's Retry-After over the computed
// exponential interval for the next wait only.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if h.hint > 0 {
		next = h.hint
		h.hint = 0
	}
	return next
}
