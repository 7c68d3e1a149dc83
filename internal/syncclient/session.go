// Package syncclient composes the realtime channel, the inbound router, the
// agent stream consumer and the resync client around one state store. All
// store mutation happens on the goroutine running Session.Run.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/docuforge/internal/activity"
	"github.com/ricochet1k/docuforge/internal/config"
	"github.com/ricochet1k/docuforge/internal/docapi"
	"github.com/ricochet1k/docuforge/internal/orchestration"
	"github.com/ricochet1k/docuforge/internal/realtime"
	"github.com/ricochet1k/docuforge/internal/router"
	"github.com/ricochet1k/docuforge/internal/state"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const (
	errorBufferSize = 32
	resyncTimeout   = 15 * time.Second
	replyAgent      = "orchestrator"
)

// Connectivity values published on the store.
const (
	ConnectivityDisconnected = "disconnected"
	ConnectivityConnecting   = "connecting"
	ConnectivityOpen         = "open"
	ConnectivityReconnecting = "reconnecting"
	ConnectivityFailed       = "failed"
)

var (
	ErrClosed  = errors.New("syncclient: session closed")
	ErrUnbound = errors.New("syncclient: no document bound")
)

// UpstreamError is an explicit failure reported by the server, either as an
// error frame on the channel or an error message on the agent stream.
type UpstreamError struct {
	DocumentID string
	Message    string
	Code       string
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return "upstream error: " + e.Message
	}
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// Channel is the realtime connection the session drives.
type Channel interface {
	Connect(target realtime.Target, h realtime.Handler)
	Disconnect()
	Send(v any) bool
	WaitForConnection(ctx context.Context, timeout time.Duration) bool
	State() realtime.State
}

// DocumentFetcher loads the authoritative document for resync.
type DocumentFetcher interface {
	GetDocument(ctx context.Context, id string) (realtimeTypes.Document, error)
}

// AgentStreamer runs one agent chat exchange.
type AgentStreamer interface {
	Stream(ctx context.Context, documentID, message string, sink func(orchestration.Event)) error
}

type itemKind int

const (
	itemBind itemKind = iota
	itemChannel
	itemStream
	itemStreamAbort
	itemResync
	itemBarrier
)

type item struct {
	kind    itemKind
	entity  string
	channel realtime.Event
	stream  orchestration.Event
	doc     realtimeTypes.Document
	err     error
	done    chan struct{}
}

type Session struct {
	baseURL  string
	clientID string
	store    *state.Store
	channel  Channel
	router   *router.Router
	docs     DocumentFetcher
	agent    AgentStreamer
	logger   zerolog.Logger

	queue *queue[item]
	errs  chan error

	mu      sync.Mutex
	closed  bool
	running bool
	stopped chan struct{}
}

type Option func(*Session)

func WithChannel(c Channel) Option {
	return func(s *Session) { s.channel = c }
}

func WithDocuments(d DocumentFetcher) Option {
	return func(s *Session) { s.docs = d }
}

func WithAgent(a AgentStreamer) Option {
	return func(s *Session) { s.agent = a }
}

func WithStore(st *state.Store) Option {
	return func(s *Session) { s.store = st }
}

func WithClientID(id string) Option {
	return func(s *Session) { s.clientID = id }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New builds a session from cfg. Components not supplied through options are
// constructed from the configuration.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Session{
		baseURL:  cfg.Server.BaseURL,
		clientID: uuid.NewString(),
		logger:   zerolog.Nop(),
		queue:    newQueue[item](),
		errs:     make(chan error, errorBufferSize),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		s.store = state.NewStore()
	}
	if s.channel == nil {
		cc := cfg.Connection
		clientID := s.clientID
		s.channel = realtime.NewManager(
			realtime.WithLogger(s.logger.With().Str("component", "realtime").Logger()),
			realtime.WithBackoff(cc.ReconnectBase, cc.ReconnectMax, cc.ReconnectCeiling),
			realtime.WithDialTimeout(cc.DialTimeout),
			realtime.WithHeartbeat(cc.HeartbeatInterval, func() any {
				return realtimeTypes.Outbound{
					Type: realtimeTypes.OutboundKindHeartbeat,
					Data: realtimeTypes.HeartbeatData{ClientID: clientID, Timestamp: time.Now().UTC()},
				}
			}),
		)
	}
	if s.docs == nil {
		dc, err := docapi.NewClient(cfg.Server.BaseURL, docapi.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.docs = dc
	}
	if s.agent == nil {
		oc, err := orchestration.NewClient(cfg.Server.BaseURL, orchestration.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.agent = oc
	}

	s.router = router.New(s.store, router.WithLogger(s.logger.With().Str("component", "router").Logger()))
	reducers := router.Defaults(s.store, s.channel, s.logger)
	failFrame := reducers[realtimeTypes.FrameKindError]
	reducers[realtimeTypes.FrameKindError] = func(f realtimeTypes.Frame) error {
		if err := failFrame(f); err != nil {
			return err
		}
		if last := s.store.View().LastError; last != nil {
			s.report(&UpstreamError{DocumentID: s.store.EntityID(), Message: last.Message, Code: last.Code})
		}
		return nil
	}
	for kind, red := range reducers {
		if err := s.router.Register(kind, red); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) Store() *state.Store { return s.store }

func (s *Session) ClientID() string { return s.clientID }

// Errors delivers reconnect exhaustion and upstream failures. When the
// consumer falls behind, further errors are logged and dropped.
func (s *Session) Errors() <-chan error { return s.errs }

func (s *Session) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	return s.channel.WaitForConnection(ctx, timeout)
}

// Open binds the session to documentID and connects its channel. Entity
// scoped state of a previously bound document is dropped before any frame
// of the new document is applied.
func (s *Session) Open(documentID string) error {
	target, err := realtime.Resolve(s.baseURL, documentID)
	if err != nil {
		return err
	}
	if !s.queue.enqueue(item{kind: itemBind, entity: target.EntityID}) {
		return ErrClosed
	}
	s.channel.Connect(target, realtime.HandlerFunc(func(ev realtime.Event) {
		s.queue.enqueue(item{kind: itemChannel, channel: ev})
	}))
	return nil
}

// Ask sends message to the agent endpoint for the bound document and feeds
// the resulting stream into the store. It blocks until the stream ends.
func (s *Session) Ask(ctx context.Context, message string) error {
	documentID := s.channelTarget()
	if documentID == "" {
		return ErrUnbound
	}
	err := s.agent.Stream(ctx, documentID, message, func(ev orchestration.Event) {
		s.queue.enqueue(item{kind: itemStream, stream: ev})
	})
	if err != nil && !errors.Is(err, orchestration.ErrEmptyMessage) && ctx.Err() == nil {
		s.queue.enqueue(item{kind: itemStreamAbort, entity: documentID, err: err})
	}
	return err
}

// Flush blocks until every item queued before the call has been applied to
// the store.
func (s *Session) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.queue.enqueue(item{kind: itemBarrier, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) channelTarget() string {
	if m, ok := s.channel.(interface{ Target() realtime.Target }); ok {
		if t := m.Target(); !t.IsZero() {
			return t.EntityID
		}
	}
	return s.store.EntityID()
}

// Run is the dispatch loop. It applies queued work in order until ctx is
// done or the session is closed.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("syncclient: Run called twice")
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.stopped)

	for {
		for {
			it, ok := s.queue.tryDequeue()
			if !ok {
				break
			}
			s.apply(ctx, it)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.queue.wait():
			if !ok {
				for {
					it, ok := s.queue.tryDequeue()
					if !ok {
						return nil
					}
					s.apply(ctx, it)
				}
			}
		}
	}
}

// Close disconnects the channel, lets Run drain what was already queued and
// closes the store's subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	running := s.running
	s.mu.Unlock()

	s.channel.Disconnect()
	s.queue.close()
	if running {
		<-s.stopped
	}
	s.store.SetConnectivity(ConnectivityDisconnected)
	s.store.Close()
}

func (s *Session) apply(ctx context.Context, it item) {
	switch it.kind {
	case itemBind:
		// Reopening the bound document keeps its projection; the channel
		// only swaps handlers and sends no new open event.
		if it.entity != s.store.EntityID() {
			s.store.Rebind(it.entity)
			s.store.SetConnectivity(ConnectivityConnecting)
		} else if s.channel.State() != realtime.StateOpen {
			s.store.SetConnectivity(ConnectivityConnecting)
		}
	case itemChannel:
		s.applyChannel(ctx, it.channel)
	case itemStream:
		s.applyStream(it.stream)
	case itemStreamAbort:
		if it.entity != s.store.EntityID() {
			return
		}
		s.logger.Warn().Err(it.err).Msg("agent stream failed")
		s.fail(it.entity, it.err.Error(), "stream_failed")
	case itemResync:
		s.applyResync(it)
	case itemBarrier:
		close(it.done)
	}
}

func (s *Session) applyChannel(ctx context.Context, ev realtime.Event) {
	if ev.Target.EntityID != s.store.EntityID() {
		s.logger.Debug().Str("event", ev.Kind.String()).Str("document_id", ev.Target.EntityID).Msg("dropping event for previous document")
		return
	}

	switch ev.Kind {
	case realtime.EventOpen:
		s.store.SetConnectivity(ConnectivityOpen)
		s.channel.Send(realtimeTypes.Outbound{
			Type: realtimeTypes.OutboundKindPresence,
			Data: realtimeTypes.PresenceData{ClientID: s.clientID, DocumentID: ev.Target.EntityID},
		})
		if ev.Resumed {
			s.resync(ctx, ev.Target.EntityID)
		}
	case realtime.EventFrame:
		// The router logs and drops what it cannot apply.
		_ = s.router.Dispatch(ev.Data)
	case realtime.EventClosed:
		if ev.Clean {
			s.store.SetConnectivity(ConnectivityDisconnected)
		} else {
			s.store.SetConnectivity(ConnectivityReconnecting)
		}
	case realtime.EventFailed:
		s.store.SetConnectivity(ConnectivityFailed)
		s.report(fmt.Errorf("document %s: %w", ev.Target.EntityID, ev.Err))
	}
}

// resync fetches the document in the background and queues the result, so
// the dispatch loop never waits on HTTP.
func (s *Session) resync(ctx context.Context, documentID string) {
	if s.docs == nil {
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(ctx, resyncTimeout)
		defer cancel()
		doc, err := s.docs.GetDocument(rctx, documentID)
		s.queue.enqueue(item{kind: itemResync, entity: documentID, doc: doc, err: err})
	}()
}

func (s *Session) applyResync(it item) {
	if it.entity != s.store.EntityID() {
		return
	}
	if it.err != nil {
		s.logger.Warn().Err(it.err).Str("document_id", it.entity).Msg("resync failed")
		return
	}
	frame := realtimeTypes.DocumentUpdated{
		Scope:    realtimeTypes.Scope{Entity: string(it.doc.ID)},
		Document: it.doc,
	}
	if err := s.router.DispatchFrame(frame); err == nil {
		s.logger.Info().Str("document_id", it.entity).Msg("resynced document after reconnect")
	}
}

func (s *Session) applyStream(ev orchestration.Event) {
	if ev.DocumentID != s.store.EntityID() {
		return
	}
	switch ev.Kind {
	case orchestration.EventActivity:
		a := ev.Activity
		status, known := activity.ParseStatus(a.Status)
		if !known {
			s.logger.Debug().Str("status", a.Status).Msg("unknown activity status")
		}
		_, err := s.store.UpsertActivity(activity.Update{
			Actor:  a.Agent,
			Stage:  a.Action,
			Status: status,
			Input:  a.Input,
			Output: a.Output,
			Error:  a.Error,
			Aux:    a.Metadata,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("agent", a.Agent).Str("action", a.Action).Msg("activity update rejected")
		}
	case orchestration.EventChunk:
		s.store.AppendReply(ev.Delta)
	case orchestration.EventError:
		s.fail(ev.DocumentID, ev.Message, "")
	case orchestration.EventDone:
		if run, ok := s.store.FinalizeRun(); ok {
			entry := s.logger.Info().Str("run", run.ID).Int("completed", run.CompletedCount).Int("total", run.TotalCount)
			if run.ElapsedSeconds != nil {
				entry = entry.Float64("elapsed_seconds", *run.ElapsedSeconds)
			}
			entry.Msg("agent run finished")
		}
		s.store.CommitReply(replyAgent)
	}
}

func (s *Session) fail(documentID, message, code string) {
	e := s.store.FailUpstream(message, code)
	s.report(&UpstreamError{DocumentID: documentID, Message: e.Message, Code: e.Code})
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn().Err(err).Msg("error channel full, dropping")
	}
}
