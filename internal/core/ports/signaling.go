package ports

import (
	"context"

	"ringnet/internal/core/domain"
)

// CancelFunc stops an observation. Safe to call more than once.
type CancelFunc func()

// SessionHandler receives session document changes. OnUpdate fires with the
// full current document whenever any field changes (including once with the
// initial snapshot); OnDeleted fires when the document is removed, which is
// the authoritative remote hang-up signal.
type SessionHandler struct {
	OnUpdate  func(*domain.CallSession)
	OnDeleted func()
}

// CandidateHandler receives one candidate per newly appended record, in the
// order the store reports additions. Duplicates are possible.
type CandidateHandler func(domain.Candidate)

// SignalingChannel is the persistence-backed mailbox used to exchange session
// descriptions and connectivity candidates between two parties with no direct
// network path. Delivery is at-least-once; ordering follows store append
// order per side.
type SignalingChannel interface {
	// CreateSession writes a new session document. Single attempt; a storage
	// failure is a call-setup failure for the caller.
	CreateSession(ctx context.Context, session *domain.CallSession) error

	// GetSession reads the current session document once.
	// Returns domain.ErrSessionNotFound when absent.
	GetSession(ctx context.Context, id domain.ChannelID) (*domain.CallSession, error)

	// SetAnswer adds the answer to an existing session. Fails with
	// domain.ErrSessionNotFound if the session does not exist.
	SetAnswer(ctx context.Context, id domain.ChannelID, answer domain.SessionDescription) error

	// AppendCandidate appends one candidate to the named side's
	// sub-collection. Best effort: a dropped candidate degrades connectivity
	// but does not fail the call.
	AppendCandidate(ctx context.Context, id domain.ChannelID, side domain.CandidateSide, cand domain.Candidate) error

	ObserveSession(ctx context.Context, id domain.ChannelID, h SessionHandler) (CancelFunc, error)
	ObserveCandidates(ctx context.Context, id domain.ChannelID, side domain.CandidateSide, h CandidateHandler) (CancelFunc, error)

	// Teardown deletes the session document and its candidate collections.
	// Idempotent: deleting a nonexistent session is not an error.
	Teardown(ctx context.Context, id domain.ChannelID) error
}

// InviteMailbox is the single-slot invitation store keyed by recipient
// identity. Writes overwrite the whole slot (last write wins).
type InviteMailbox interface {
	Write(ctx context.Context, inv *domain.Invitation) error
	Get(ctx context.Context, recipient domain.UserID) (*domain.Invitation, error)
	SetStatus(ctx context.Context, recipient domain.UserID, status domain.InviteStatus) error
	Observe(ctx context.Context, recipient domain.UserID, h func(*domain.Invitation)) (CancelFunc, error)
}
