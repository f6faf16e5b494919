package router

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

// decoder turns a raw frame into its typed payload.
type decoder func(raw []byte) (interface{}, error)

func decodeInto[T any](raw []byte) (interface{}, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedFrame, err)
	}
	if err := types.ValidatePayload(v); err != nil {
		return nil, err
	}
	return v, nil
}

// decoders is the closed set of inbound frame kinds.
var decoders = map[string]decoder{
	types.FrameChatMessage:     decodeInto[types.ChatMessageFrame],
	types.FrameAIModeration:    decodeInto[types.ModerationFrame],
	types.FrameNewNotification: decodeInto[types.NotificationFrame],
	types.FrameVideoCallEvent:  decodeInto[types.CallEventFrame],
	types.FrameVideoCallStatus: decodeInto[types.CallStatusFrame],
}

// Known reports whether kind is an inbound frame kind the router understands.
func Known(kind string) bool {
	_, ok := decoders[kind]
	return ok
}

type registration struct {
	id      uint64
	handler interfaces.FrameHandler
}

// Router dispatches inbound frames to exactly one handler per kind.
// ARCHITECTURAL DISCOVERY: the router holds only its dispatch table; all state
// lives in the stores and the call controller behind their handlers
type Router struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]registration
	logger   zerolog.Logger
}

// NewRouter creates a router with an empty dispatch table
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]registration),
		logger:   logging.WithComponent("router"),
	}
}

// Register installs handler for kind, replacing any previous handler.
// The returned function removes the handler only if it is still the one
// installed by this call, so a late unregister never detaches a newer owner.
func (r *Router) Register(kind string, handler interfaces.FrameHandler) func() {
	if handler == nil {
		r.logger.Error().Err(ErrNilHandler).Str("frame_type", kind).Msg("register ignored")
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if _, exists := r.handlers[kind]; exists {
		r.logger.Debug().Str("frame_type", kind).Msg("replacing frame handler")
	}
	r.handlers[kind] = registration{id: id, handler: handler}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.handlers[kind]; ok && cur.id == id {
			delete(r.handlers, kind)
		}
	}
}

// HasHandler reports whether a handler is installed for kind.
func (r *Router) HasHandler(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Route decodes raw, validates its payload and invokes the handler for its kind.
// Malformed, unknown and invalid frames are dropped and reported as errors; a
// known kind with no handler is dropped silently.
func (r *Router) Route(raw []byte) (err error) {
	env, err := types.DecodeEnvelope(raw)
	if err != nil {
		r.drop("malformed", "", err)
		return err
	}

	decode, ok := decoders[env.Type]
	if !ok {
		err = fmt.Errorf("%w: %q", types.ErrUnknownFrameType, env.Type)
		r.drop("unknown_type", env.Type, err)
		return err
	}
	metrics.WSFramesReceived.WithLabelValues(env.Type).Inc()

	payload, err := decode(raw)
	if err != nil {
		r.drop("invalid_payload", env.Type, err)
		return err
	}

	r.mu.RLock()
	reg, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		metrics.FramesDropped.WithLabelValues("no_handler").Inc()
		r.logger.Debug().Str("frame_type", env.Type).Msg("no handler registered, frame dropped")
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, env.Type, p)
			r.drop("handler_error", env.Type, err)
		}
	}()

	if err := reg.handler(payload); err != nil {
		err = fmt.Errorf("%s handler: %w", env.Type, err)
		r.drop("handler_error", env.Type, err)
		return err
	}
	return nil
}

func (r *Router) drop(reason, kind string, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	ev := r.logger.Warn().Str("reason", reason).Err(err)
	if kind != "" {
		ev = ev.Str("frame_type", kind)
	}
	ev.Msg("inbound frame dropped")
}

// Handle registers a typed handler for kind on reg.
func Handle[T any](reg interfaces.HandlerRegistrar, kind string, fn func(*T) error) func() {
	return reg.Register(kind, func(payload interface{}) error {
		v, ok := payload.(*T)
		if !ok {
			return fmt.Errorf("%w: %s handler received %T", types.ErrInvalidPayload, kind, payload)
		}
		return fn(v)
	})
}
