package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Archiver
// ============================================================================

// Archiver is the durable copy of the chat history.
type Archiver interface {
	Archive(ctx context.Context, rec ArchiveRecord) error
	MarkRead(ctx context.Context, messageID string) error
	MarkReadBatch(ctx context.Context, messageIDs []string) error
}

// ============================================================================
// APIClient
// ============================================================================

const DefaultAPITimeout = 30 * time.Second

// APIClient talks to the case-management REST API. Requests carry the
// durable identity's bearer token.
type APIClient struct {
	baseURL    string
	identity   IdentityProvider[DurableUserID]
	httpClient *http.Client
	userAgent  string
}

type APIOption func(*APIClient)

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *APIClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) { c.httpClient = client }
}

func WithUserAgent(ua string) APIOption {
	return func(c *APIClient) { c.userAgent = ua }
}

// NewAPIClient creates a client for the API rooted at baseURL.
func NewAPIClient(baseURL string, identity IdentityProvider[DurableUserID], opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		httpClient: &http.Client{
			Timeout: DefaultAPITimeout,
		},
		userAgent: "chatsync-go",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Archive stores a sent message.
func (c *APIClient) Archive(ctx context.Context, rec ArchiveRecord) error {
	return c.doRequest(ctx, http.MethodPost, "/archive", rec)
}

// MarkRead marks one archived message read.
func (c *APIClient) MarkRead(ctx context.Context, messageID string) error {
	return c.doRequest(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil)
}

// MarkReadBatch marks archived messages read.
func (c *APIClient) MarkReadBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.doRequest(ctx, http.MethodPut, "/messages/mark-read", map[string]any{
		"messageIds": messageIDs,
	})
}

// SendEmail validates req and asks the API to deliver it.
func (c *APIClient) SendEmail(ctx context.Context, req EmailRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return c.doRequest(ctx, http.MethodPost, "/emails/send", req)
}

// Health checks that the API is reachable and accepts the token.
func (c *APIClient) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *APIClient) doRequest(ctx context.Context, method, path string, body interface{}) error {
	creds, err := c.identity.Current(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result APIResult
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 400 {
		msg := result.Error
		if msg == "" {
			msg = result.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}
