package ports

import (
	"context"

	"ringnet/internal/core/domain"
)

// RemoteTrack is one inbound media track surfaced by the peer connection.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// LocalMedia owns the local capture tracks for one call. Enable toggles are
// purely local: they gate what flows into the connection without any
// renegotiation or signaling trip.
type LocalMedia interface {
	SetAudioEnabled(enabled bool)
	AudioEnabled() bool
	SetVideoEnabled(enabled bool)
	VideoEnabled() bool
	HasVideo() bool

	// Close stops all tracks and releases the underlying devices.
	// Safe to call more than once.
	Close() error
}

// MediaDevices acquires local capture matching the call mode: audio always,
// video only for video calls. Acquisition failure is fatal to call start.
type MediaDevices interface {
	Acquire(ctx context.Context, mode domain.CallMode) (LocalMedia, error)
}

// PeerConnection wraps the offer/answer/candidate primitives of one live
// connection. Exactly one exists per active call; it must be closed and
// dereferenced before another is created.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error

	// AddCandidate feeds one remote candidate into the connection. Errors
	// from late candidates against a closed connection are expected and
	// swallowed by the caller.
	AddCandidate(cand domain.Candidate) error

	// AttachMedia adds the local capture tracks to the connection. The media
	// must come from the same engine that produced the connection.
	AttachMedia(media LocalMedia) error

	OnCandidate(h func(domain.Candidate))
	OnRemoteTrack(h func(RemoteTrack))
	OnStateChange(h func(domain.ConnectionState))

	Close() error
}

// Connector creates peer connections configured with the connectivity
// discovery servers of at least two independent providers.
type Connector interface {
	NewConnection(ctx context.Context) (PeerConnection, error)
}
