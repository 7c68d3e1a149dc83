package relay

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

// Client frames the relay rebroadcasts to every subscriber of the document.
const (
	clientKindDocumentUpdate = "document_update"
	clientKindTyping         = "typing"
	clientKindChatMessage    = "chat_message"
)

func IsForwarded(kind string) bool {
	switch kind {
	case clientKindDocumentUpdate, clientKindTyping, clientKindChatMessage:
		return true
	default:
		return false
	}
}

// rewriteClientFrame turns a frame received from a client into the frame
// broadcast to the document. ok is false for frames that are not forwarded.
func rewriteClientFrame(raw []byte) (out []byte, kind string, ok bool) {
	if !gjson.ValidBytes(raw) {
		return nil, "", false
	}
	root := gjson.ParseBytes(raw)
	kind = root.Get("type").String()
	if !IsForwarded(kind) {
		return nil, kind, false
	}

	var data any = json.RawMessage("{}")
	switch kind {
	case clientKindTyping:
		user := root.Get("user").String()
		if user == "" {
			user = root.Get("data.user").String()
		}
		if user == "" {
			user = "anonymous"
		}
		data = map[string]string{"user": user}
	default:
		if d := root.Get("data"); d.IsObject() {
			data = json.RawMessage(d.Raw)
		}
	}

	out, err := realtimeTypes.Encode(realtimeTypes.FrameKind(kind), data)
	if err != nil {
		return nil, kind, false
	}
	return out, kind, true
}
