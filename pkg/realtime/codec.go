package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// FrameError reports an inbound frame that could not be decoded.
type FrameError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Kind == "" {
		return "invalid frame: " + e.Reason
	}
	return fmt.Sprintf("invalid %s frame: %s", e.Kind, e.Reason)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Decode validates raw and decodes it into one of the known frame types, or
// Unknown for unrecognised kinds. It never panics; every failure is returned
// as a *FrameError.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &FrameError{Reason: "malformed json"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, &FrameError{Reason: "frame is not an object"}
	}
	kind := root.Get("type")
	if kind.Type != gjson.String || kind.Str == "" {
		return nil, &FrameError{Reason: "missing type"}
	}

	data := root.Get("data")
	if data.Exists() && data.Type != gjson.Null && !data.IsObject() {
		return nil, &FrameError{Kind: kind.Str, Reason: "data is not an object"}
	}
	scope := Scope{Entity: EntityRef(data)}

	var payload []byte
	if data.IsObject() {
		payload = []byte(data.Raw)
	}

	switch FrameKind(kind.Str) {
	case FrameKindStreamingStart:
		f := StreamingStart{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindContentStreaming:
		f := ContentStreaming{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindContentComplete:
		f := ContentComplete{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindDocumentUpdated:
		if !data.Get("document").IsObject() {
			return nil, &FrameError{Kind: kind.Str, Reason: "missing document"}
		}
		f := DocumentUpdated{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindChatMessage:
		f := ChatMessage{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindAgentMessage:
		f := AgentMessage{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindTyping:
		f := Typing{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindHeartbeat:
		f := Heartbeat{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	case FrameKindError:
		f := UpstreamError{Scope: scope}
		return decodeInto(kind.Str, payload, &f)
	default:
		return Unknown{Scope: scope, Type: kind.Str, Data: payload}, nil
	}
}

// decodeInto fills f from payload and returns the dereferenced frame value.
func decodeInto[T Frame](kind string, payload []byte, f *T) (Frame, error) {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, f); err != nil {
			return nil, &FrameError{Kind: kind, Reason: "bad payload", Err: err}
		}
	}
	return *f, nil
}

// EntityRef extracts the document reference from a frame's data object.
// document_id wins over document.id; numeric ids keep their literal form.
func EntityRef(data gjson.Result) string {
	for _, path := range []string{"document_id", "document.id"} {
		v := data.Get(path)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			return v.Raw
		}
	}
	return ""
}

// Encode marshals an envelope with the given kind and payload.
func Encode(kind FrameKind, data any) ([]byte, error) {
	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s frame: %w", kind, err)
		}
		payload = b
	}
	return json.Marshal(Envelope{Type: string(kind), Data: payload})
}
