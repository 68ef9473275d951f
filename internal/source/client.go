// Package source provides an HTTP client for the external document source.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/resilience"
)

// ErrNotFound is returned when the source has no document with the given id.
var ErrNotFound = fmt.Errorf("document not found: %w", resilience.ErrPermanent)

// maxPages bounds block pagination against a cursor that never ends.
const maxPages = 1000

// Client fetches documents and their blocks from the source REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL. Timeout bounds each request (default 30s).
func New(baseURL, token string, timeout time.Duration, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, resilience.ValidationError("source base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, resilience.ValidationError("invalid source base URL %q: %v", baseURL, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetDocument fetches one document. The full response body is kept in Raw.
func (c *Client) GetDocument(ctx context.Context, id string) (*models.SourceDocument, error) {
	body, err := c.get(ctx, "get_document", "/documents/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var doc models.SourceDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &resilience.ServiceError{Service: "source", Op: "get_document", StatusCode: http.StatusBadGateway, Err: fmt.Errorf("decode document: %w", err)}
	}
	if doc.ID == "" {
		doc.ID = id
	}
	doc.Raw = json.RawMessage(body)
	return &doc, nil
}

type blocksPage struct {
	Results    []json.RawMessage `json:"results"`
	NextCursor string            `json:"next_cursor"`
}

// ListBlocks fetches all blocks of a document, following next_cursor until
// it is empty.
func (c *Client) ListBlocks(ctx context.Context, documentID string) ([]models.SourceBlock, error) {
	var blocks []models.SourceBlock
	cursor := ""
	for range maxPages {
		path := "/documents/" + url.PathEscape(documentID) + "/blocks"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		body, err := c.get(ctx, "list_blocks", path)
		if err != nil {
			return nil, err
		}

		var page blocksPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &resilience.ServiceError{Service: "source", Op: "list_blocks", StatusCode: http.StatusBadGateway, Err: fmt.Errorf("decode blocks: %w", err)}
		}
		for _, raw := range page.Results {
			var b models.SourceBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, &resilience.ServiceError{Service: "source", Op: "list_blocks", StatusCode: http.StatusBadGateway, Err: fmt.Errorf("decode block: %w", err)}
			}
			b.Raw = raw
			blocks = append(blocks, b)
		}

		if page.NextCursor == "" {
			return blocks, nil
		}
		cursor = page.NextCursor
	}
	return nil, fmt.Errorf("list blocks of %s: more than %d pages", documentID, maxPages)
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &resilience.ServiceError{Service: "source", Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &resilience.ServiceError{Service: "source", Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &resilience.ServiceError{
			Service:    "source",
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(truncate(strings.TrimSpace(string(body)), 200)),
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
