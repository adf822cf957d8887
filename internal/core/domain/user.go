package domain

// Profile is the display identity of an authenticated actor, as yielded by
// the identity provider. The coordination core only ever needs the stable ID;
// name and avatar ride along into invitations.
type Profile struct {
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
