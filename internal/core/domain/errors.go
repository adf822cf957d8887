package domain

import "errors"

var (
	ErrSessionNotFound    = errors.New("call session not found")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrAlreadyInCall      = errors.New("already in a call")
	ErrMediaAcquisition   = errors.New("media acquisition failed")
	ErrSignalingWrite     = errors.New("signaling write failed")
	ErrCallTimeout        = errors.New("call timed out")
	ErrCallEnded          = errors.New("call already ended")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrMalformedDocument  = errors.New("malformed signaling document")
)
