package realtime

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// FrameKind is the discriminator carried in the "type" field of every frame.
type FrameKind string

const (
	FrameKindStreamingStart   FrameKind = "document_streaming_start"
	FrameKindContentStreaming FrameKind = "document_content_streaming"
	FrameKindContentComplete  FrameKind = "document_content_complete"
	FrameKindDocumentUpdated  FrameKind = "document_updated"
	FrameKindChatMessage      FrameKind = "chat_message"
	FrameKindAgentMessage     FrameKind = "agent_message"
	FrameKindTyping           FrameKind = "typing"
	FrameKindHeartbeat        FrameKind = "heartbeat"
	FrameKindError            FrameKind = "error"
)

// OutboundKind identifies client-originated frames.
type OutboundKind string

const (
	OutboundKindHeartbeat         OutboundKind = "heartbeat"
	OutboundKindHeartbeatResponse OutboundKind = "heartbeat_response"
	OutboundKindPresence          OutboundKind = "presence"
)

// Envelope is the wire shape shared by both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is a client frame ready to be marshalled.
type Outbound struct {
	Type OutboundKind `json:"type"`
	Data any          `json:"data,omitempty"`
}

type HeartbeatData struct {
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceData struct {
	ClientID   string `json:"client_id"`
	DocumentID string `json:"document_id"`
}

// ID is an entity identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes canonical integers as bare numbers and everything else,
// including "007" or "+5", as a string.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Frame is the closed set of decoded inbound frames. Unknown covers every
// kind not listed here.
type Frame interface {
	Kind() FrameKind
	// EntityID is the document the frame is scoped to, or "" when the frame
	// carries no entity reference.
	EntityID() string
}

// Scope carries the entity reference extracted from the frame payload.
type Scope struct {
	Entity string `json:"-"`
}

func (s Scope) EntityID() string { return s.Entity }

type StreamingStart struct {
	Scope
	UserRequest string `json:"user_request,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

func (StreamingStart) Kind() FrameKind { return FrameKindStreamingStart }

// ContentStreaming carries the cumulative text generated so far in
// FullContent; Chunk is only the newest delta.
type ContentStreaming struct {
	Scope
	Chunk       string `json:"chunk"`
	FullContent string `json:"full_content"`
	SectionName string `json:"section_name,omitempty"`
	IsHeader    bool   `json:"is_header,omitempty"`
	WordCount   int    `json:"word_count,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

func (ContentStreaming) Kind() FrameKind { return FrameKindContentStreaming }

type ContentComplete struct {
	Scope
	FinalContent string `json:"final_content"`
	WordCount    int    `json:"word_count,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

func (ContentComplete) Kind() FrameKind { return FrameKindContentComplete }

// Document is the authoritative entity snapshot pushed by the server.
type Document struct {
	ID        ID              `json:"id"`
	Title     string          `json:"title,omitempty"`
	Type      string          `json:"type,omitempty"`
	Status    string          `json:"status,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

type DocumentUpdated struct {
	Scope
	Document      Document `json:"document"`
	SectionsCount int      `json:"sections_count,omitempty"`
	WordCount     int      `json:"word_count,omitempty"`
}

func (DocumentUpdated) Kind() FrameKind { return FrameKindDocumentUpdated }

type ChatMessage struct {
	Scope
	Role    string `json:"role"`
	Content string `json:"content"`
	Intent  string `json:"intent,omitempty"`
}

func (ChatMessage) Kind() FrameKind { return FrameKindChatMessage }

type AgentMessage struct {
	Scope
	AgentType   string         `json:"agent_type"`
	MessageType string         `json:"message_type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"message_metadata,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

func (AgentMessage) Kind() FrameKind { return FrameKindAgentMessage }

type Typing struct {
	Scope
	User string `json:"user"`
}

func (Typing) Kind() FrameKind { return FrameKindTyping }

type Heartbeat struct {
	Scope
	Timestamp string `json:"timestamp,omitempty"`
}

func (Heartbeat) Kind() FrameKind { return FrameKindHeartbeat }

// UpstreamError is an explicit processing failure reported by the server.
type UpstreamError struct {
	Scope
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (UpstreamError) Kind() FrameKind { return FrameKindError }

// Unknown preserves frames of unrecognised kinds.
type Unknown struct {
	Scope
	Type string
	Data json.RawMessage
}

func (u Unknown) Kind() FrameKind { return FrameKind(u.Type) }
