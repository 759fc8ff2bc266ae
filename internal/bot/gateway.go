package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/wardenbot/warden/internal/guard"
)

// memberPageSize is the Discord API page limit for member listing.
const memberPageSize = 1000

// gatewayAdapter implements guard.Gateway over the disgo REST client.
// Fetches always go to the API, never the local cache, so the deadline
// check and reconciliation see the live role state.
type gatewayAdapter struct {
	client           bot.Client
	verifiedRoleName string
}

func newGatewayAdapter(client bot.Client, verifiedRoleName string) *gatewayAdapter {
	return &gatewayAdapter{
		client:           client,
		verifiedRoleName: verifiedRoleName,
	}
}

func (g *gatewayAdapter) Member(ctx context.Context, guildID, userID snowflake.ID) (*guard.Member, error) {
	member, err := g.client.Rest().GetMember(guildID, userID, rest.WithCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch member %d: %w", userID, mapRestError(err))
	}

	converted := convertMember(guildID, *member)

	return &converted, nil
}

func (g *gatewayAdapter) Members(ctx context.Context, guildID snowflake.ID) ([]guard.Member, error) {
	var (
		members []guard.Member
		after   snowflake.ID
	)

	for {
		chunk, err := g.client.Rest().GetMembers(guildID, memberPageSize, after, rest.WithCtx(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch members of guild %d: %w", guildID, mapRestError(err))
		}

		for _, m := range chunk {
			members = append(members, convertMember(guildID, m))
			if m.User.ID > after {
				after = m.User.ID
			}
		}

		// A short page is the last page
		if len(chunk) < memberPageSize {
			return members, nil
		}
	}
}

func (g *gatewayAdapter) User(ctx context.Context, userID snowflake.ID) (*guard.User, error) {
	user, err := g.client.Rest().GetUser(userID, rest.WithCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", userID, mapRestError(err))
	}

	converted := convertUser(*user)

	return &converted, nil
}

func (g *gatewayAdapter) VerifiedRole(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	roles, err := g.client.Rest().GetRoles(guildID, rest.WithCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch roles of guild %d: %w", guildID, mapRestError(err))
	}

	for _, role := range roles {
		if role.Name == g.verifiedRoleName {
			return role.ID, nil
		}
	}

	return 0, fmt.Errorf("%w: %q in guild %d", guard.ErrRoleNotFound, g.verifiedRoleName, guildID)
}

func (g *gatewayAdapter) GuildName(ctx context.Context, guildID snowflake.ID) (string, error) {
	guild, err := g.client.Rest().GetGuild(guildID, false, rest.WithCtx(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to fetch guild %d: %w", guildID, mapRestError(err))
	}

	return guild.Name, nil
}

func (g *gatewayAdapter) Channels(ctx context.Context, guildID snowflake.ID) ([]guard.Channel, error) {
	channels, err := g.client.Rest().GetGuildChannels(guildID, rest.WithCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channels of guild %d: %w", guildID, mapRestError(err))
	}

	converted := make([]guard.Channel, 0, len(channels))
	for _, ch := range channels {
		converted = append(converted, guard.Channel{ID: ch.ID(), Name: ch.Name()})
	}

	return converted, nil
}

func (g *gatewayAdapter) Kick(ctx context.Context, guildID, userID snowflake.ID, reason string) error {
	err := g.client.Rest().RemoveMember(guildID, userID, rest.WithCtx(ctx), rest.WithReason(reason))
	if err != nil {
		return fmt.Errorf("failed to kick member %d: %w", userID, mapRestError(err))
	}

	return nil
}

func (g *gatewayAdapter) SendMessage(ctx context.Context, channelID snowflake.ID, content string) error {
	_, err := g.client.Rest().CreateMessage(channelID, discord.NewMessageCreateBuilder().
		SetContent(content).
		Build(), rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to send message to channel %d: %w", channelID, mapRestError(err))
	}

	return nil
}

// mapRestError translates Discord REST failures into the guard sentinels.
func mapRestError(err error) error {
	var restErr *rest.Error
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return guard.ErrNotFound
		case http.StatusForbidden:
			return guard.ErrForbidden
		}
	}

	return err
}

func convertMember(guildID snowflake.ID, m discord.Member) guard.Member {
	return guard.Member{
		GuildID:  guildID,
		User:     convertUser(m.User),
		RoleIDs:  m.RoleIDs,
		JoinedAt: m.JoinedAt,
	}
}

func convertUser(u discord.User) guard.User {
	return guard.User{
		ID:       u.ID,
		Username: u.Username,
		Bot:      u.Bot,
	}
}
