// Package router decodes inbound channel frames and hands each one to the
// single reducer registered for its kind.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/docuforge/internal/state"
	realtimeTypes "github.com/ricochet1k/docuforge/pkg/realtime"
)

var (
	ErrMalformed        = errors.New("router: malformed frame")
	ErrUnhandled        = errors.New("router: no reducer for frame kind")
	ErrOutOfScope       = errors.New("router: frame scoped to another document")
	ErrDuplicateReducer = errors.New("router: reducer already registered")
	ErrReducerPanic     = errors.New("router: reducer panicked")
)

// Reducer applies one decoded frame to the store.
type Reducer func(frame realtimeTypes.Frame) error

// Responder writes outbound frames back on the channel.
type Responder interface {
	Send(v any) bool
}

type Router struct {
	store  *state.Store
	logger zerolog.Logger

	mu       sync.RWMutex
	reducers map[realtimeTypes.FrameKind]Reducer
}

type Option func(*Router)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New returns a router with no reducers registered.
func New(store *state.Store, opts ...Option) *Router {
	r := &Router{
		store:    store,
		logger:   zerolog.Nop(),
		reducers: make(map[realtimeTypes.FrameKind]Reducer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefault returns a router with every reducer from Defaults registered.
func NewDefault(store *state.Store, responder Responder, opts ...Option) *Router {
	r := New(store, opts...)
	for kind, red := range Defaults(store, responder, r.logger) {
		// Defaults has one entry per kind, so this cannot collide.
		_ = r.Register(kind, red)
	}
	return r
}

// Register installs the reducer for kind. A kind has at most one reducer.
func (r *Router) Register(kind realtimeTypes.FrameKind, red Reducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reducers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReducer, kind)
	}
	r.reducers[kind] = red
	return nil
}

// Dispatch decodes raw and applies it. Malformed, unhandled and out of scope
// frames are logged and dropped; the returned error says which.
func (r *Router) Dispatch(raw []byte) error {
	frame, err := realtimeTypes.Decode(raw)
	if err != nil {
		r.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return r.DispatchFrame(frame)
}

// DispatchFrame applies an already decoded frame.
func (r *Router) DispatchFrame(frame realtimeTypes.Frame) (err error) {
	kind := frame.Kind()

	r.mu.RLock()
	red, ok := r.reducers[kind]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug().Str("type", string(kind)).Msg("no reducer for frame")
		return fmt.Errorf("%w: %s", ErrUnhandled, kind)
	}

	if entity := frame.EntityID(); entity != "" {
		if bound := r.store.EntityID(); entity != bound {
			r.logger.Debug().
				Str("type", string(kind)).
				Str("frame_document", entity).
				Str("bound_document", bound).
				Msg("dropping frame for another document")
			return fmt.Errorf("%w: %s", ErrOutOfScope, entity)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("type", string(kind)).Msg("reducer panicked")
			err = fmt.Errorf("%w: %s: %v", ErrReducerPanic, kind, p)
		}
	}()
	if err := red(frame); err != nil {
		r.logger.Warn().Err(err).Str("type", string(kind)).Msg("reducer rejected frame")
		return err
	}
	return nil
}
