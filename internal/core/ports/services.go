package ports

import (
	"context"

	"ringnet/internal/core/domain"
)

// CallEvent is one observable transition of the call session state machine.
// Reason is non-nil when the transition was caused by a failure (timeout,
// media acquisition, connection failure) rather than user intent.
type CallEvent struct {
	State     domain.CallState
	ChannelID domain.ChannelID
	Reason    error
}

// CallService is the media session manager: it owns the lifecycle of the
// local capture and the peer connection and drives the state machine
// idle -> calling|ringing -> connected -> idle.
type CallService interface {
	// StartCall runs the caller path. Rejected with domain.ErrAlreadyInCall
	// (no side effects) unless idle.
	StartCall(ctx context.Context, channelID domain.ChannelID, mode domain.CallMode, callerID, peerID domain.UserID) error

	// AnswerCall runs the callee path against an existing session.
	AnswerCall(ctx context.Context, channelID domain.ChannelID, mode domain.CallMode) error

	// ToggleMute flips the local audio tracks and returns the new muted
	// state. No-op returning false when no local media exists.
	ToggleMute() bool

	// ToggleCam flips the local video tracks and returns the new
	// camera-off state. No-op returning false when no video track exists.
	ToggleCam() bool

	// ToggleSpeaker mutes or unmutes remote audio playback locally and
	// returns the new speaker-muted state. Never touches the tracks the
	// peer receives.
	ToggleSpeaker() bool

	// HangUp tears everything down unconditionally. Safe to call multiple
	// times and from any state.
	HangUp()

	State() domain.CallState
	Subscribe(h func(CallEvent)) CancelFunc
}

// PresenceService watches the current identity's invitation mailbox,
// independent of any active session.
type PresenceService interface {
	// Start begins watching the mailbox; runs until Stop.
	Start(ctx context.Context) error
	Stop()

	// Current returns the pending invitation, or nil when there is none
	// actionable (wrong status, self-authored, or locally dismissed).
	Current() *domain.Invitation

	// Ring writes a fresh ringing invitation into the recipient's mailbox.
	Ring(ctx context.Context, inv *domain.Invitation) error

	// Accept and Decline flip the mailbox status best-effort: a store
	// failure is logged and the local transition proceeds regardless.
	Accept(ctx context.Context, inv *domain.Invitation) error
	Decline(ctx context.Context, inv *domain.Invitation) error

	Subscribe(h func(*domain.Invitation)) CancelFunc
}

// CallRecorder receives call lifecycle events for metrics collection.
type CallRecorder interface {
	RecordCallStarted(mode domain.CallMode, side domain.CandidateSide)
	RecordCallConnected(stats domain.CallStats)
	RecordCallFailed(reason string)
	RecordCallEnded(stats domain.CallStats)
}
