package domain

import (
	"fmt"
	"time"
)

type InviteStatus string

const (
	InviteStatusRinging  InviteStatus = "ringing"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusDeclined InviteStatus = "declined"
)

func (s InviteStatus) Valid() bool {
	switch s {
	case InviteStatusRinging, InviteStatusAccepted, InviteStatusDeclined:
		return true
	}
	return false
}

// Invitation is the single mutable mailbox slot per recipient. A new call
// overwrites the previous invitation entirely (last write wins); the record is
// never deleted, only overwritten or status-flipped.
type Invitation struct {
	CallID         ChannelID    `json:"call_id"`
	Mode           CallMode     `json:"call_type"`
	CallerID       UserID       `json:"caller_id"`
	CallerName     string       `json:"caller_name"`
	CallerAvatar   string       `json:"caller_avatar,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	RecipientID    UserID       `json:"recipient_id"`
	Status         InviteStatus `json:"status"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (i *Invitation) Validate() error {
	if i.CallID == "" {
		return fmt.Errorf("%w: missing call_id", ErrMalformedDocument)
	}
	if i.CallerID == "" || i.RecipientID == "" {
		return fmt.Errorf("%w: missing participant id on invitation %s", ErrMalformedDocument, i.CallID)
	}
	if !i.Mode.Valid() {
		return fmt.Errorf("%w: bad call_type %q on invitation %s", ErrMalformedDocument, i.Mode, i.CallID)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("%w: bad status %q on invitation %s", ErrMalformedDocument, i.Status, i.CallID)
	}
	return nil
}

// PendingFor reports whether the invitation should be surfaced to self as an
// actionable incoming call. Self-authored invitations are suppressed to guard
// against shared-account notification loops.
func (i *Invitation) PendingFor(self UserID) bool {
	return i != nil && i.Status == InviteStatusRinging && i.CallerID != "" && i.CallerID != self
}
