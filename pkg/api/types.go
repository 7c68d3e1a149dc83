// Package api holds the REST and event-stream wire types of the docuforge
// server that the sync client consumes.
package api

import (
	"encoding/json"

	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

// DocumentResponse is the body of GET /api/documents/{id}.
type DocumentResponse = realtimeTypes.Document

// ErrorResponse is the error body returned by the server.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ChatStreamRequest is the body of POST /api/ai/agents/chat/stream.
type ChatStreamRequest struct {
	Message    string           `json:"message"`
	DocumentID realtimeTypes.ID `json:"document_id"`
}

// AgentActivity reports one step of the agent pipeline. The server re-sends
// the whole record each time a step changes.
type AgentActivity struct {
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	StartTime string         `json:"startTime,omitempty"`
	EndTime   string         `json:"endTime,omitempty"`
	Input     string         `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ChatStreamMessage is the JSON carried by one "data:" line of the agent
// chat stream. Exactly one of Activity, Chunk, Error or Done is set.
type ChatStreamMessage struct {
	Activity   *AgentActivity  `json:"agent_activity,omitempty"`
	Chunk      *string         `json:"chunk,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Done       bool            `json:"done,omitempty"`
	AgentState json.RawMessage `json:"agent_state,omitempty"`
}
