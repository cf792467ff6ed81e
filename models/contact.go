package models

import "time"

// Contact represents a known remote identity.
type Contact struct {
	PublicKey        string     `json:"publicKey"`
	DisplayName      string     `json:"displayName,omitempty"`
	Biography        string     `json:"biography,omitempty"`
	LastSeenAt       *time.Time `json:"lastSeenAt,omitempty"`
	Unread           bool       `json:"unread"`
	SigningPublicKey string     `json:"signingPublicKey,omitempty"`
	AddedAt          time.Time  `json:"addedAt"`
}

// IsOnline reports whether a heartbeat arrived within one interval plus a second of grace.
func (c Contact) IsOnline(now time.Time, heartbeatInterval time.Duration) bool {
	if c.LastSeenAt == nil {
		return false
	}
	return now.Sub(*c.LastSeenAt) < heartbeatInterval+time.Second
}

// Name returns the display name, falling back to the public key.
func (c Contact) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.PublicKey
}

// Profile holds the local identity's shareable profile fields.
type Profile struct {
	DisplayName string `json:"displayName"`
	Biography   string `json:"biography"`
}
