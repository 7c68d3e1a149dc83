// Package state holds the reconciled client-side projection of a bound
// document: streaming content, agent activity, the last committed document
// snapshot and the chat log.
//
// Only the inbound router's reducers and the session composer call the
// mutating methods, always from the single dispatch goroutine. Presentation
// code reads through View and Subscribe.
package state

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/docuforge/internal/activity"
	"github.com/ricochet1k/docuforge/internal/streaming"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const maxMessages = 500

type ChatEntry struct {
	Role      string
	Content   string
	Intent    string
	Agent     string
	At        time.Time
	FromAgent bool
}

type UpstreamError struct {
	Message string
	Code    string
	At      time.Time
}

// View is a read-only copy of the projection.
type View struct {
	EntityID     string
	Revision     uint64
	Connectivity string
	Streaming    streaming.Snapshot
	CurrentRun   *activity.RunView
	LastRun      *activity.RunView
	Document     *realtimeTypes.Document
	Messages     []ChatEntry
	Typing       string
	// Reply is the assistant reply still being streamed by the agent
	// endpoint; it moves into Messages when the stream ends.
	Reply     string
	LastError *UpstreamError
}

type Store struct {
	mu           sync.RWMutex
	entityID     string
	revision     uint64
	connectivity string
	buffer       *streaming.Buffer
	timeline     *activity.Timeline
	document     *realtimeTypes.Document
	messages     []ChatEntry
	typing       string
	reply        string
	lastErr      *UpstreamError
	now          func() time.Time

	notify notifier
}

type Option func(*Store)

// WithClock overrides the time source used for stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now, connectivity: "disconnected"}
	for _, opt := range opts {
		opt(s)
	}
	s.buffer = streaming.NewBuffer(s.now)
	s.timeline = activity.NewTimeline(s.now)
	return s
}

// EntityID is the currently bound document, "" when unbound.
func (s *Store) EntityID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entityID
}

func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		EntityID:     s.entityID,
		Revision:     s.revision,
		Connectivity: s.connectivity,
		Streaming:    s.buffer.Snapshot(),
		Messages:     slices.Clone(s.messages),
		Typing:       s.typing,
		Reply:        s.reply,
	}
	if run, ok := s.timeline.Current(); ok {
		v.CurrentRun = &run
	}
	if run, ok := s.timeline.Last(); ok {
		v.LastRun = &run
	}
	if s.document != nil {
		doc := *s.document
		doc.Content = slices.Clone(s.document.Content)
		v.Document = &doc
	}
	if s.lastErr != nil {
		e := *s.lastErr
		v.LastError = &e
	}
	return v
}

// Subscribe registers for change notifications. The channel is closed when
// the store closes, or on the first change after Receiver.Close.
func (s *Store) Subscribe(bufSize int) *Receiver {
	return s.notify.subscribe(bufSize)
}

func (s *Store) Close() {
	s.notify.close()
}

// Rebind swaps the bound entity and drops every piece of entity-scoped state
// in the same critical section, so no reader observes the new identity with
// the old entity's content.
func (s *Store) Rebind(entityID string) {
	s.mutate(ChangeRebind, func() {
		s.entityID = entityID
		s.buffer.Reset()
		s.timeline.Clear()
		s.document = nil
		s.messages = nil
		s.typing = ""
		s.reply = ""
		s.lastErr = nil
	})
}

func (s *Store) SetConnectivity(state string) {
	s.mutate(ChangeConnectivity, func() {
		s.connectivity = state
	})
}

func (s *Store) StartStreaming(request string) {
	s.mutate(ChangeStreaming, func() {
		s.buffer.Start(request)
	})
}

// ApplyChunk reports whether the chunk changed the buffer.
func (s *Store) ApplyChunk(delta, section, cumulative string) bool {
	var changed bool
	s.mutateIf(ChangeStreaming, func() bool {
		changed = s.buffer.Chunk(delta, section, cumulative)
		return changed
	})
	return changed
}

func (s *Store) CompleteStreaming(final string) {
	s.mutate(ChangeStreaming, func() {
		s.buffer.Complete(final)
	})
}

// CommitDocument stores an authoritative snapshot. It supersedes any stream
// in progress, so the buffer is reset.
func (s *Store) CommitDocument(doc realtimeTypes.Document) {
	s.mutate(ChangeDocument, func() {
		doc.Content = slices.Clone(doc.Content)
		s.document = &doc
		s.buffer.Reset()
	})
}

func (s *Store) AppendMessage(entry ChatEntry) {
	s.mutate(ChangeMessages, func() {
		if entry.At.IsZero() {
			entry.At = s.now()
		}
		s.messages = append(s.messages, entry)
		if len(s.messages) > maxMessages {
			s.messages = slices.Clone(s.messages[len(s.messages)-maxMessages:])
		}
	})
}

// AppendReply extends the in-flight assistant reply with delta.
func (s *Store) AppendReply(delta string) {
	if delta == "" {
		return
	}
	s.mutate(ChangeMessages, func() {
		s.reply += delta
	})
}

// CommitReply moves the in-flight reply into the chat log. It reports false
// when there was nothing to commit.
func (s *Store) CommitReply(agent string) bool {
	var committed bool
	s.mutateIf(ChangeMessages, func() bool {
		text := strings.TrimSpace(s.reply)
		s.reply = ""
		if text == "" {
			return false
		}
		s.messages = append(s.messages, ChatEntry{
			Role:      "assistant",
			Content:   text,
			Agent:     agent,
			At:        s.now(),
			FromAgent: agent != "",
		})
		if len(s.messages) > maxMessages {
			s.messages = slices.Clone(s.messages[len(s.messages)-maxMessages:])
		}
		committed = true
		return true
	})
	return committed
}

func (s *Store) SetTyping(user string) {
	s.mutate(ChangeTyping, func() {
		s.typing = user
	})
}

func (s *Store) UpsertActivity(u activity.Update) (activity.RunView, error) {
	var (
		view activity.RunView
		err  error
	)
	s.mutate(ChangeActivity, func() {
		view, err = s.timeline.Upsert(u)
	})
	return view, err
}

func (s *Store) FinalizeRun() (activity.RunView, bool) {
	var (
		view activity.RunView
		ok   bool
	)
	s.mutateIf(ChangeActivity, func() bool {
		view, ok = s.timeline.Finalize()
		return ok
	})
	return view, ok
}

// FailUpstream records an upstream processing failure and resets in-flight
// stream and activity state so nothing is left dangling.
func (s *Store) FailUpstream(message, code string) UpstreamError {
	var e UpstreamError
	s.mutate(ChangeError, func() {
		e = UpstreamError{Message: message, Code: code, At: s.now()}
		s.lastErr = &e
		s.reply = ""
		s.buffer.Reset()
		s.timeline.Fail(message)
	})
	return e
}

func (s *Store) ClearError() {
	s.mutateIf(ChangeError, func() bool {
		if s.lastErr == nil {
			return false
		}
		s.lastErr = nil
		return true
	})
}

func (s *Store) mutate(kind ChangeKind, fn func()) {
	s.mutateIf(kind, func() bool {
		fn()
		return true
	})
}

func (s *Store) mutateIf(kind ChangeKind, fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.revision++
	ch := Change{Kind: kind, Revision: s.revision, EntityID: s.entityID}
	s.mu.Unlock()

	s.notify.publish(ch)
}
