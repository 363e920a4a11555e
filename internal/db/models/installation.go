package models

import "time"

// Installation is one connected Teams conversation being synchronized
// with a Nextcloud server.
//
// Credential and Preferences are stored as JSON blobs so each is written
// as a whole record in a single column update: a credential is either
// fully present or fully absent, never half-written.
type Installation struct {
	ID   string `gorm:"primaryKey"` // UUID
	Kind string // "personal" or "channel"

	// Teams identity, opaque to the sync engine.
	TenantID    string
	ServiceURL  string
	AadObjectID string
	TeamsUserID string
	TeamID      string
	ChannelID   string

	// ConversationID keys lookups; ConversationRef is the full Bot
	// Framework conversation reference needed for proactive delivery.
	ConversationID  string `gorm:"uniqueIndex"`
	ConversationRef string // JSON blob

	Credential  string // JSON blob, "" = not authorized yet
	Preferences string // JSON blob, always fully populated
	Cursor      *int64 // highest processed notification id, nil = never synced

	CreatedAt time.Time
	UpdatedAt time.Time
}
