package types

import (
	"time"
)

// VerifiedMember records that a guild member holds the verified role.
// Existence of a row means "verified"; the row is removed when the member
// leaves the guild or is kicked.
type VerifiedMember struct {
	GuildID    uint64    `bun:",pk"      json:"guildId"`    // Discord guild ID
	UserID     uint64    `bun:",pk"      json:"userId"`     // Discord user ID
	VerifiedAt time.Time `bun:",notnull" json:"verifiedAt"` // When verification was observed
}

// BotStatus is the single-row liveness marker. LastOnline bounds the
// reconciliation lookback window after downtime.
type BotStatus struct {
	ID         int64     `bun:",pk"      json:"id"` // Always 1
	LastOnline time.Time `bun:",notnull" json:"lastOnline"`
}
