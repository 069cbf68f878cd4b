package identity

import "time"

// Binding links one channel-scoped user identifier to a profile. Every
// binding belongs to exactly one profile; a channel user id resolves to at
// most one profile.
type Binding struct {
	ProfileID     string    `json:"profile_id"`
	ChannelUserID string    `json:"channel_user_id"`
	ChannelType   string    `json:"channel_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// RegisterRequest is the admin payload for creating a binding.
type RegisterRequest struct {
	ProfileID     string `json:"profile_id"`
	ChannelUserID string `json:"channel_user_id"`
	ChannelType   string `json:"channel_type"`
}
