// Package relay is a development stand-in for the docuforge server: a per
// document websocket fan-out plus the document and agent stream endpoints
// the sync client consumes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apiTypes "github.com/ricochet1k/docuforge/pkg/api"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

const (
	maxFrameBody    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	hub       *Hub
	docs      *Documents
	logger    zerolog.Logger
	heartbeat time.Duration
	stepDelay time.Duration
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHeartbeat makes the relay send a heartbeat frame to each client every
// interval. Zero disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Server) { s.heartbeat = interval }
}

// WithStepDelay paces the scripted agent run.
func WithStepDelay(d time.Duration) Option {
	return func(s *Server) { s.stepDelay = d }
}

func WithDocuments(d *Documents) Option {
	return func(s *Server) { s.docs = d }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		hub:    NewHub(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.docs == nil {
		s.docs = NewDocuments()
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Documents() *Documents { return s.docs }

// Mount registers the relay routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws/{id}", s.documentWebSocket)
	r.Get("/api/documents/{id}", s.getDocument)
	r.Post("/api/ai/agents/chat/stream", s.agentChatStream)
	r.Post("/api/relay/{id}/frames", s.publishFrame)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

// Serve accepts connections on ln until ctx is done, then closes every
// websocket with 1001 and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll(websocket.CloseGoingAway, "relay shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	s.logger.Info().Msg("relay stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Publish encodes a frame of kind and sends it to every client of
// documentID.
func (s *Server) Publish(documentID string, kind realtimeTypes.FrameKind, data any) (int, error) {
	raw, err := realtimeTypes.Encode(kind, data)
	if err != nil {
		return 0, err
	}
	return s.hub.Publish(documentID, raw), nil
}

func (s *Server) documentWebSocket(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(uuid.NewString(), documentID, conn)
	s.hub.Register(client)
	log := s.logger.With().Str("document_id", documentID).Str("client", client.ID()).Logger()
	log.Info().Int("clients", s.hub.Count(documentID)).Msg("client connected")
	defer func() {
		s.hub.Unregister(client.ID(), websocket.CloseNormalClosure, "")
		log.Info().Int("clients", s.hub.Count(documentID)).Msg("client disconnected")
	}()

	go client.WriteLoop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if s.heartbeat > 0 {
		go s.heartbeatLoop(ctx, client)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		out, kind, ok := rewriteClientFrame(raw)
		if !ok {
			log.Debug().Str("type", kind).Msg("client frame not forwarded")
			continue
		}
		s.hub.Publish(documentID, out)
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, client *Client) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			raw, err := realtimeTypes.Encode(realtimeTypes.FrameKindHeartbeat, map[string]string{
				"timestamp": now.UTC().Format(time.RFC3339Nano),
			})
			if err != nil || !client.Queue(raw) {
				return
			}
		}
	}
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.docs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.DocumentResponse(doc))
}

// publishFrame injects a raw frame into a document's fan-out, standing in
// for the server-side producer.
func (s *Server) publishFrame(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "id")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read frame")
		return
	}
	if _, err := realtimeTypes.Decode(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	delivered := s.hub.Publish(documentID, raw)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, apiTypes.ErrorResponse{Detail: detail})
}
