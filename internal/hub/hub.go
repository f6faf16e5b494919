package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/internal/metrics"
	"mindhaven/internal/websocket"
)

// FrameRouter routes one raw inbound frame.
type FrameRouter interface {
	Route(raw []byte) error
}

// StateHandler reacts to connection state changes inside the hub loop.
type StateHandler func(websocket.StateEvent)

// Stats counts frames handled by the hub loop.
type Stats struct {
	Routed  uint64 `json:"routed"`
	Dropped uint64 `json:"dropped"`
}

// Hub is the single inbound event loop.
// ARCHITECTURAL DISCOVERY: socket frames and connection state changes are
// handled on one goroutine, so handlers never race with each other. Frames keep
// their arrival order among themselves, as do state events; the two channels
// are not ordered relative to each other
type Hub struct {
	frameChannel chan []byte
	stateChannel chan websocket.StateEvent
	shutdown     chan struct{}
	done         chan struct{}

	router  FrameRouter
	onState StateHandler
	logger  zerolog.Logger

	routed  atomic.Uint64
	dropped atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub feeding router; onState may be nil.
func NewHub(router FrameRouter, onState StateHandler) *Hub {
	return &Hub{
		frameChannel: make(chan []byte, 1000),
		stateChannel: make(chan websocket.StateEvent, 16),
		router:       router,
		onState:      onState,
		logger:       logging.WithComponent("hub"),
	}
}

// Start launches the loop goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info().Msg("starting inbound event loop")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop signals the loop to exit and waits for it.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info().Msg("inbound event loop stopped")
	return nil
}

// Running reports whether the loop is active.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Deliver queues a raw frame. It blocks while the queue is full so frame order
// is preserved; frames delivered to a stopped hub are dropped.
func (h *Hub) Deliver(raw []byte) {
	h.mu.RLock()
	running, shutdown := h.running, h.shutdown
	h.mu.RUnlock()

	if !running {
		h.dropped.Add(1)
		metrics.FramesDropped.WithLabelValues("hub_stopped").Inc()
		return
	}
	select {
	case h.frameChannel <- raw:
	case <-shutdown:
		h.dropped.Add(1)
		metrics.FramesDropped.WithLabelValues("hub_stopped").Inc()
	}
}

// PublishState queues a connection state change; usable as a websocket.StateListener.
func (h *Hub) PublishState(ev websocket.StateEvent) {
	h.mu.RLock()
	running, shutdown := h.running, h.shutdown
	h.mu.RUnlock()
	if !running {
		return
	}
	select {
	case h.stateChannel <- ev:
	case <-shutdown:
	}
}

// Stats returns the loop counters.
func (h *Hub) Stats() Stats {
	return Stats{Routed: h.routed.Load(), Dropped: h.dropped.Load()}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case raw := <-h.frameChannel:
			h.handleFrame(raw)

		case ev := <-h.stateChannel:
			if h.onState != nil {
				h.onState(ev)
			}

		case <-shutdown:
			return

		case <-ctx.Done():
			h.logger.Debug().Msg("hub context cancelled")
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

// handleFrame routes one frame; a failing frame never stops the loop.
func (h *Hub) handleFrame(raw []byte) {
	if err := h.router.Route(raw); err != nil {
		h.dropped.Add(1)
		h.logger.Debug().Err(err).Msg("frame not routed")
		return
	}
	h.routed.Add(1)
}
