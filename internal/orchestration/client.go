// Package orchestration consumes the agent chat stream: a server-sent event
// response that reports agent pipeline activity, streams the assistant reply
// and ends with a done marker.
package orchestration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	apiTypes "github.com/ricochet1k/docuforge/pkg/api"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const (
	streamPath   = "/api/ai/agents/chat/stream"
	maxLineBytes = 1024 * 1024
)

var (
	ErrEmptyMessage    = errors.New("orchestration: empty message")
	ErrStreamTruncated = errors.New("orchestration: stream ended before done")
)

// StatusError is returned when the server rejects the request.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("orchestration: server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("orchestration: server returned %d: %s", e.StatusCode, e.Detail)
}

type EventKind int

const (
	EventActivity EventKind = iota
	EventChunk
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventActivity:
		return "agent_activity"
	case EventChunk:
		return "chunk"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one decoded stream message. Text is the reply accumulated so far,
// including Delta, for EventChunk and EventDone.
type Event struct {
	Kind       EventKind
	DocumentID string
	Activity   apiTypes.AgentActivity
	Delta      string
	Text       string
	Message    string
	AgentState json.RawMessage
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

// NewClient accepts http(s) base URLs; ws(s) bases are mapped to their HTTP
// counterparts so one server setting serves both channels.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := httpBase(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{baseURL: base, httpClient: http.DefaultClient, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func httpBase(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("orchestration: base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("orchestration: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("orchestration: base url missing host")
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+u.EscapedPath(), "/"), nil
}

// Stream posts message for documentID and calls sink for every event, in
// order, on the calling goroutine. It returns nil once the done event has
// been delivered, ErrStreamTruncated if the body ends first, or the
// transport or context error.
func (c *Client) Stream(ctx context.Context, documentID, message string, sink func(Event)) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	body, err := json.Marshal(apiTypes.ChatStreamRequest{
		Message:    message,
		DocumentID: realtimeTypes.ID(documentID),
	})
	if err != nil {
		return fmt.Errorf("orchestration: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("orchestration: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orchestration: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	c.logger.Debug().Str("document_id", documentID).Msg("agent stream open")
	return c.consume(ctx, resp.Body, documentID, sink)
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er apiTypes.ErrorResponse
	if json.Unmarshal(data, &er) != nil || er.Detail == "" {
		er.Detail = strings.TrimSpace(string(data))
	}
	return &StatusError{StatusCode: resp.StatusCode, Detail: er.Detail}
}

func (c *Client) consume(ctx context.Context, body io.Reader, documentID string, sink func(Event)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		data  []string
		reply strings.Builder
	)
	flush := func() (done bool) {
		if len(data) == 0 {
			return false
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		var msg apiTypes.ChatStreamMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed stream message")
			return false
		}
		ev, ok := translate(msg, documentID, &reply)
		if !ok {
			c.logger.Debug().Str("data", payload).Msg("skipping unrecognised stream message")
			return false
		}
		sink(ev)
		return ev.Kind == EventDone
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if flush() {
		return nil
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("orchestration: read stream: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return ErrStreamTruncated
}

func translate(msg apiTypes.ChatStreamMessage, documentID string, reply *strings.Builder) (Event, bool) {
	ev := Event{DocumentID: documentID}
	switch {
	case msg.Activity != nil:
		if msg.Activity.Agent == "" || msg.Activity.Action == "" {
			return Event{}, false
		}
		ev.Kind = EventActivity
		ev.Activity = *msg.Activity
	case msg.Chunk != nil:
		reply.WriteString(*msg.Chunk)
		ev.Kind = EventChunk
		ev.Delta = *msg.Chunk
		ev.Text = reply.String()
	case msg.Error != nil:
		ev.Kind = EventError
		ev.Message = *msg.Error
	case msg.Done:
		ev.Kind = EventDone
		ev.Text = reply.String()
		ev.AgentState = msg.AgentState
	default:
		return Event{}, false
	}
	return ev, true
}
