package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

var (
	// ErrNotFound indicates the member or user vanished between observation and action.
	ErrNotFound = errors.New("member not found")
	// ErrForbidden indicates the bot lacks permission for the operation.
	ErrForbidden = errors.New("missing permission")
	// ErrRoleNotFound indicates the configured verified role does not exist in the guild.
	ErrRoleNotFound = errors.New("verified role not found in guild")
)

// User is the platform-independent view of a user account.
type User struct {
	ID       snowflake.ID
	Username string
	Bot      bool
}

// CreatedAt returns the account creation time derived from the snowflake ID.
func (u User) CreatedAt() time.Time {
	return u.ID.Time()
}

// Mention returns the chat mention for the user.
func (u User) Mention() string {
	return fmt.Sprintf("<@%d>", u.ID)
}

// Member is the platform-independent view of a guild member.
type Member struct {
	GuildID  snowflake.ID
	User     User
	RoleIDs  []snowflake.ID
	JoinedAt time.Time
}

// HasRole reports whether the member holds the given role.
func (m Member) HasRole(roleID snowflake.ID) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}

	return false
}

// Channel is a guild channel, used only for mention-channel resolution.
type Channel struct {
	ID   snowflake.ID
	Name string
}

// Gateway is the boundary to the chat platform. Fetches always hit the
// platform, never a local cache; the live role set is the ground truth the
// rest of the system reconciles against.
type Gateway interface {
	// Member fetches the current state of a guild member.
	// Returns ErrNotFound if the member is no longer in the guild.
	Member(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	// Members fetches the full membership of a guild.
	Members(ctx context.Context, guildID snowflake.ID) ([]Member, error)
	// User fetches a user's display identity.
	User(ctx context.Context, userID snowflake.ID) (*User, error)
	// VerifiedRole resolves the configured verified role name to its ID.
	// Returns ErrRoleNotFound if no role with that name exists.
	VerifiedRole(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error)
	// GuildName returns the display name of a guild.
	GuildName(ctx context.Context, guildID snowflake.ID) (string, error)
	// Channels lists the channels of a guild.
	Channels(ctx context.Context, guildID snowflake.ID) ([]Channel, error)
	// Kick removes a member from a guild with an audit-log reason.
	Kick(ctx context.Context, guildID, userID snowflake.ID, reason string) error
	// SendMessage delivers a message to a channel.
	SendMessage(ctx context.Context, channelID snowflake.ID, content string) error
}

// Store persists verified-member records and the bot liveness marker. It is a
// cache of truth: every operation may fail without stopping the caller, which
// falls back to live role data.
type Store interface {
	MarkVerified(ctx context.Context, guildID, userID snowflake.ID) error
	RemoveVerified(ctx context.Context, guildID, userID snowflake.ID) error
	IsVerified(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
	ListVerified(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error)
	LastOnline(ctx context.Context) (time.Time, bool, error)
	SetLastOnline(ctx context.Context, t time.Time) error
}
