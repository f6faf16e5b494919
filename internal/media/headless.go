// Package media provides the headless media engine used by the agent binary.
//
// The agent never captures or renders audio and video. Headless satisfies the
// media engine contract so the call controller runs its full lifecycle, and
// records what a real engine would have been asked to do.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mindhaven/internal/logging"
	"mindhaven/pkg/interfaces"
)

var _ interfaces.MediaEngine = (*Headless)(nil)

// Media engine errors
var (
	ErrNotJoined     = errors.New("media session not joined")
	ErrAlreadyJoined = errors.New("media session already joined")
	ErrTrackClosed   = errors.New("track is closed")
)

type track struct {
	id     string
	kind   interfaces.MediaKind
	mu     sync.Mutex
	closed bool
}

func (t *track) Kind() interfaces.MediaKind { return t.kind }

func (t *track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *track) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Status describes the headless session.
type Status struct {
	Joined        bool                `json:"joined"`
	Channel       string              `json:"channel,omitempty"`
	UID           uint32              `json:"uid,omitempty"`
	Published     int                 `json:"published"`
	Subscriptions map[uint32][]string `json:"subscriptions,omitempty"`
}

// PublishedHandler is told when a remote participant publishes media.
type PublishedHandler func(ctx context.Context, uid uint32, kind interfaces.MediaKind) error

// Headless is an interfaces.MediaEngine without capture or transport.
type Headless struct {
	mu          sync.Mutex
	joined      bool
	channel     string
	uid         uint32
	published   []*track
	subscribed  map[uint32][]string
	onPublished PublishedHandler
	logger      zerolog.Logger
}

// NewHeadless creates an idle engine.
func NewHeadless() *Headless {
	return &Headless{
		subscribed: make(map[uint32][]string),
		logger:     logging.WithComponent("media"),
	}
}

// OnRemotePublished installs the handler told about remote publications.
func (h *Headless) OnRemotePublished(fn PublishedHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPublished = fn
}

// Join enters channel. A zero uid is replaced by an engine-assigned one.
func (h *Headless) Join(ctx context.Context, appID, channel, token string, uid uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if token == "" {
		return 0, errors.New("media join requires a token")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joined {
		return 0, ErrAlreadyJoined
	}
	if uid == 0 {
		uid = uuid.New().ID()
	}
	h.joined = true
	h.channel = channel
	h.uid = uid
	h.logger.Info().Str("app_id", appID).Str("channel", channel).Uint32("uid", uid).Msg("joined media session")
	return uid, nil
}

func (h *Headless) newTrack(ctx context.Context, kind interfaces.MediaKind) (interfaces.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &track{id: uuid.NewString(), kind: kind}, nil
}

// CreateMicrophoneTrack returns a silent audio track.
func (h *Headless) CreateMicrophoneTrack(ctx context.Context) (interfaces.Track, error) {
	return h.newTrack(ctx, interfaces.MediaAudio)
}

// CreateCameraTrack returns a blank video track.
func (h *Headless) CreateCameraTrack(ctx context.Context) (interfaces.Track, error) {
	return h.newTrack(ctx, interfaces.MediaVideo)
}

// Publish announces tracks to the channel.
func (h *Headless) Publish(ctx context.Context, tracks ...interfaces.Track) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.joined {
		return ErrNotJoined
	}
	for _, t := range tracks {
		tr, ok := t.(*track)
		if !ok {
			return errors.New("track was not created by this engine")
		}
		if tr.isClosed() {
			return ErrTrackClosed
		}
		h.published = append(h.published, tr)
	}
	h.logger.Debug().Int("tracks", len(tracks)).Msg("published local tracks")
	return nil
}

// Subscribe starts receiving kind from remoteUID.
func (h *Headless) Subscribe(ctx context.Context, remoteUID uint32, kind interfaces.MediaKind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.joined {
		return ErrNotJoined
	}
	h.subscribed[remoteUID] = append(h.subscribed[remoteUID], string(kind))
	h.logger.Debug().Uint32("remote_uid", remoteUID).Str("kind", string(kind)).Msg("subscribed to remote media")
	return nil
}

// RemotePublished simulates a remote publication and forwards it to the
// installed handler.
func (h *Headless) RemotePublished(ctx context.Context, remoteUID uint32, kind interfaces.MediaKind) error {
	h.mu.Lock()
	fn := h.onPublished
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, remoteUID, kind)
}

// Leave releases the session; calling it while not joined is a no-op.
func (h *Headless) Leave(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.joined {
		return nil
	}
	h.logger.Info().Str("channel", h.channel).Msg("left media session")
	h.joined = false
	h.channel = ""
	h.uid = 0
	h.published = nil
	h.subscribed = make(map[uint32][]string)
	return nil
}

// Status returns a copy of the session state.
func (h *Headless) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{Joined: h.joined, Channel: h.channel, UID: h.uid, Published: len(h.published)}
	if len(h.subscribed) > 0 {
		st.Subscriptions = make(map[uint32][]string, len(h.subscribed))
		for uid, kinds := range h.subscribed {
			st.Subscriptions[uid] = append([]string(nil), kinds...)
		}
	}
	return st
}
