// Package docapi reads documents from the docuforge REST API. The sync
// client uses it to resynchronise after the realtime channel was lost.
package docapi

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

	"github.com/rs/zerolog"

	apiTypes "github.com/ricochet1k/docuforge/pkg/api"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const defaultTimeout = 15 * time.Second

var ErrNotFound = errors.New("docapi: document not found")

// StatusError is returned for non-success responses other than 404.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("docapi: server returned %d: %s", e.StatusCode, e.Detail)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("docapi: base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("docapi: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("docapi: base url missing host")
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.Scheme+"://"+u.Host+u.EscapedPath(), "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetDocument fetches the authoritative snapshot of document id.
func (c *Client) GetDocument(ctx context.Context, id string) (realtimeTypes.Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return realtimeTypes.Document{}, fmt.Errorf("docapi: empty document id")
	}

	endpoint := c.baseURL + "/api/documents/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return realtimeTypes.Document{}, fmt.Errorf("docapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return realtimeTypes.Document{}, fmt.Errorf("docapi: get document %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return realtimeTypes.Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var er apiTypes.ErrorResponse
		if json.Unmarshal(data, &er) != nil || er.Detail == "" {
			er.Detail = strings.TrimSpace(string(data))
		}
		return realtimeTypes.Document{}, &StatusError{StatusCode: resp.StatusCode, Detail: er.Detail}
	}

	var doc apiTypes.DocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return realtimeTypes.Document{}, fmt.Errorf("docapi: decode document %s: %w", id, err)
	}
	if doc.ID == "" {
		doc.ID = realtimeTypes.ID(id)
	}
	c.logger.Debug().Str("document_id", id).Str("updated_at", doc.UpdatedAt).Msg("fetched document")
	return doc, nil
}
