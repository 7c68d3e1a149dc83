package router

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/docuforge/internal/state"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const defaultUpstreamMessage = "upstream processing failed"

// Defaults returns the reducer set for every known frame kind.
func Defaults(store *state.Store, responder Responder, logger zerolog.Logger) map[realtimeTypes.FrameKind]Reducer {
	return map[realtimeTypes.FrameKind]Reducer{
		realtimeTypes.FrameKindStreamingStart: typed(func(f realtimeTypes.StreamingStart) error {
			store.StartStreaming(f.UserRequest)
			return nil
		}),
		realtimeTypes.FrameKindContentStreaming: typed(func(f realtimeTypes.ContentStreaming) error {
			if f.Chunk == "" && f.FullContent == "" {
				return nil
			}
			store.ApplyChunk(f.Chunk, f.SectionName, f.FullContent)
			return nil
		}),
		realtimeTypes.FrameKindContentComplete: typed(func(f realtimeTypes.ContentComplete) error {
			store.CompleteStreaming(f.FinalContent)
			return nil
		}),
		realtimeTypes.FrameKindDocumentUpdated: typed(func(f realtimeTypes.DocumentUpdated) error {
			if f.Document.ID == "" {
				return fmt.Errorf("%w: document without id", ErrMalformed)
			}
			store.CommitDocument(f.Document)
			return nil
		}),
		realtimeTypes.FrameKindChatMessage: typed(func(f realtimeTypes.ChatMessage) error {
			store.AppendMessage(state.ChatEntry{Role: f.Role, Content: f.Content, Intent: f.Intent})
			return nil
		}),
		realtimeTypes.FrameKindAgentMessage: typed(func(f realtimeTypes.AgentMessage) error {
			store.AppendMessage(state.ChatEntry{
				Role:      "assistant",
				Content:   f.Content,
				Intent:    f.MessageType,
				Agent:     f.AgentType,
				FromAgent: true,
			})
			return nil
		}),
		realtimeTypes.FrameKindTyping: typed(func(f realtimeTypes.Typing) error {
			store.SetTyping(f.User)
			return nil
		}),
		realtimeTypes.FrameKindHeartbeat: typed(func(realtimeTypes.Heartbeat) error {
			if responder == nil {
				return nil
			}
			ok := responder.Send(realtimeTypes.Outbound{
				Type: realtimeTypes.OutboundKindHeartbeatResponse,
				Data: realtimeTypes.HeartbeatData{Timestamp: time.Now().UTC()},
			})
			if !ok {
				logger.Debug().Msg("heartbeat response not sent")
			}
			return nil
		}),
		realtimeTypes.FrameKindError: typed(func(f realtimeTypes.UpstreamError) error {
			msg := f.Message
			if msg == "" {
				msg = defaultUpstreamMessage
			}
			store.FailUpstream(msg, f.Code)
			return nil
		}),
	}
}

// typed adapts a reducer over a concrete frame type.
func typed[T realtimeTypes.Frame](fn func(T) error) Reducer {
	return func(frame realtimeTypes.Frame) error {
		f, ok := frame.(T)
		if !ok {
			return fmt.Errorf("%w: unexpected %T for %s", ErrMalformed, frame, frame.Kind())
		}
		return fn(f)
	}
}
