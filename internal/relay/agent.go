package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apiTypes "github.com/ricochet1k/docuforge/pkg/api"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const (
	agentOrchestrator = "orchestrator"
	agentWriter       = "writer"
	actionAnalyze     = "Analyzing your request"
	actionWrite       = "Writing content"
)

// agentChatStream runs a scripted agent pipeline for the request. Activity
// and the assistant reply go out on the event stream; the generated content
// is streamed to the document's websocket clients.
func (s *Server) agentChatStream(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.ChatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	documentID := string(req.DocumentID)
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "Document ID is required for agent chat")
		return
	}
	if _, ok := s.docs.Get(documentID); !ok {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	run := &agentRun{
		server:     s,
		ctx:        r.Context(),
		documentID: documentID,
		message:    req.Message,
		emit: func(msg apiTypes.ChatStreamMessage) error {
			if err := writeStreamMessage(w, msg); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	}
	if err := run.execute(); err != nil {
		s.logger.Warn().Err(err).Str("document_id", documentID).Msg("agent stream aborted")
	}
}

type agentRun struct {
	server     *Server
	ctx        context.Context
	documentID string
	message    string
	emit       func(apiTypes.ChatStreamMessage) error
}

func (a *agentRun) execute() error {
	analyze := apiTypes.AgentActivity{
		Agent:     agentOrchestrator,
		Action:    actionAnalyze,
		Status:    "in_progress",
		StartTime: stamp(),
		Input:     a.message,
		Metadata:  map[string]any{},
	}
	if err := a.activity(analyze); err != nil {
		return err
	}

	if strings.TrimSpace(a.message) == "" {
		msg := "empty request"
		if err := a.emit(apiTypes.ChatStreamMessage{Error: &msg}); err != nil {
			return err
		}
		return a.done()
	}

	write := apiTypes.AgentActivity{
		Agent:     agentWriter,
		Action:    actionWrite,
		Status:    "in_progress",
		StartTime: stamp(),
		Input:     a.message,
	}
	if err := a.activity(write); err != nil {
		return err
	}

	section := Section{Title: sectionTitle(a.message), Content: draft(a.message)}
	words, err := a.streamSection(section)
	if err != nil {
		return err
	}

	write.Status = "completed"
	write.EndTime = stamp()
	write.Output = fmt.Sprintf("Wrote %q (%d words)", section.Title, words)
	if err := a.activity(write); err != nil {
		return err
	}
	analyze.Status = "completed"
	analyze.EndTime = stamp()
	if err := a.activity(analyze); err != nil {
		return err
	}

	reply := fmt.Sprintf("I added a section titled %q to the document.", section.Title)
	for _, word := range strings.Fields(reply) {
		chunk := word + " "
		if err := a.emit(apiTypes.ChatStreamMessage{Chunk: &chunk}); err != nil {
			return err
		}
		if err := a.pause(); err != nil {
			return err
		}
	}
	return a.done()
}

// streamSection publishes the section word by word as cumulative content
// frames, then the completion and the updated document.
func (a *agentRun) streamSection(section Section) (int, error) {
	s := a.server
	if _, err := s.Publish(a.documentID, realtimeTypes.FrameKindStreamingStart, map[string]any{
		"document_id":  a.documentID,
		"user_request": a.message,
		"timestamp":    stamp(),
	}); err != nil {
		return 0, err
	}

	var full strings.Builder
	words := strings.Fields(section.Content)
	for i, word := range words {
		chunk := word
		if i > 0 {
			chunk = " " + word
		}
		full.WriteString(chunk)
		if _, err := s.Publish(a.documentID, realtimeTypes.FrameKindContentStreaming, map[string]any{
			"document_id":  a.documentID,
			"chunk":        chunk,
			"full_content": full.String(),
			"section_name": section.Title,
			"word_count":   i + 1,
			"timestamp":    stamp(),
		}); err != nil {
			return 0, err
		}
		if err := a.pause(); err != nil {
			return 0, err
		}
	}

	if _, err := s.Publish(a.documentID, realtimeTypes.FrameKindContentComplete, map[string]any{
		"document_id":   a.documentID,
		"final_content": full.String(),
		"word_count":    len(words),
		"timestamp":     stamp(),
	}); err != nil {
		return 0, err
	}

	doc, count, err := s.docs.AppendSection(a.documentID, section)
	if err != nil {
		return 0, err
	}
	if _, err := s.Publish(a.documentID, realtimeTypes.FrameKindDocumentUpdated, map[string]any{
		"document":       doc,
		"sections_count": count,
		"word_count":     len(words),
	}); err != nil {
		return 0, err
	}
	return len(words), nil
}

func (a *agentRun) activity(act apiTypes.AgentActivity) error {
	if err := a.emit(apiTypes.ChatStreamMessage{Activity: &act}); err != nil {
		return err
	}
	return a.pause()
}

func (a *agentRun) done() error {
	return a.emit(apiTypes.ChatStreamMessage{
		Done:       true,
		AgentState: json.RawMessage(`{"active_agents":[]}`),
	})
}

func (a *agentRun) pause() error {
	if a.server.stepDelay <= 0 {
		return a.ctx.Err()
	}
	t := time.NewTimer(a.server.stepDelay)
	defer t.Stop()
	select {
	case <-a.ctx.Done():
		return a.ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeStreamMessage(w http.ResponseWriter, msg apiTypes.ChatStreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func sectionTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > 4 {
		words = words[:4]
	}
	title := strings.Join(words, " ")
	if title == "" {
		return "Notes"
	}
	return strings.ToUpper(title[:1]) + title[1:]
}

func draft(message string) string {
	return fmt.Sprintf("This section responds to the request: %s. It summarizes the scope, the open risks and the next steps.", strings.TrimRight(strings.TrimSpace(message), "."))
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
