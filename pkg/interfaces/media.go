package interfaces

import "context"

// MediaKind selects the audio or video half of a remote stream.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Track is a local capture track owned by the media engine.
type Track interface {
	Kind() MediaKind
	Close() error
}

// MediaEngine is the external real-time media collaborator.
// Encoding, transport and network adaptation live behind this boundary.
type MediaEngine interface {
	// Join enters channel with token; returns the uid assigned by the engine.
	Join(ctx context.Context, appID, channel, token string, uid uint32) (uint32, error)
	CreateMicrophoneTrack(ctx context.Context) (Track, error)
	CreateCameraTrack(ctx context.Context) (Track, error)
	Publish(ctx context.Context, tracks ...Track) error
	Subscribe(ctx context.Context, remoteUID uint32, kind MediaKind) error
	// Leave releases the media session; safe to call when not joined.
	Leave(ctx context.Context) error
}
