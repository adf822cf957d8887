package domain

import (
	"fmt"
	"time"
)

type ChannelID string
type UserID string

type CallMode string

const (
	CallModeVideo CallMode = "video"
	CallModeAudio CallMode = "audio"
)

func (m CallMode) Valid() bool {
	return m == CallModeVideo || m == CallModeAudio
}

type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateCalling   CallState = "calling"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
)

// CandidateSide names the originating half of a call for candidate routing.
// Each side only ever writes its own sub-collection and reads the other's.
type CandidateSide string

const (
	SideCaller CandidateSide = "caller"
	SideCallee CandidateSide = "callee"
)

func (s CandidateSide) Valid() bool {
	return s == SideCaller || s == SideCallee
}

// Other returns the opposite side, the one whose candidates we consume.
func (s CandidateSide) Other() CandidateSide {
	if s == SideCaller {
		return SideCallee
	}
	return SideCaller
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is one half of the offer/answer negotiation.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is a single serialized connectivity candidate. Consumers must
// tolerate duplicates and late arrivals.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// CallSession is the shared signaling document for one call attempt, keyed by
// the caller-generated channel ID. The caller writes Offer once, the callee
// writes Answer once; deletion of the document is the authoritative hang-up
// signal for the other party.
type CallSession struct {
	ChannelID ChannelID           `json:"channel_id"`
	Mode      CallMode            `json:"mode"`
	CallerID  UserID              `json:"caller_id"`
	PeerID    UserID              `json:"peer_id"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Validate rejects malformed session documents at the signaling boundary so
// incomplete data never reaches the connection logic.
func (s *CallSession) Validate() error {
	if s.ChannelID == "" {
		return fmt.Errorf("%w: missing channel_id", ErrMalformedDocument)
	}
	if s.CallerID == "" || s.PeerID == "" {
		return fmt.Errorf("%w: missing participant id on channel %s", ErrMalformedDocument, s.ChannelID)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: bad mode %q on channel %s", ErrMalformedDocument, s.Mode, s.ChannelID)
	}
	if s.Offer == nil || s.Offer.SDP == "" {
		return fmt.Errorf("%w: missing offer on channel %s", ErrMalformedDocument, s.ChannelID)
	}
	if s.Answer != nil && s.Answer.SDP == "" {
		return fmt.Errorf("%w: empty answer on channel %s", ErrMalformedDocument, s.ChannelID)
	}
	return nil
}

// ConnectionState mirrors the peer connection's own lifecycle reporting.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Broken reports whether the state is a terminal failure that must drive the
// same teardown path as an explicit hang-up. Closed is excluded: it is the
// result of our own teardown.
func (s ConnectionState) Broken() bool {
	return s == ConnectionStateFailed || s == ConnectionStateDisconnected
}
