package guard

import (
	"context"
	"errors"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

// Messages holds the announcement templates. Placeholders form a closed set
// per message kind; unknown placeholders are left literal and missing
// optional values substitute an empty string.
type Messages struct {
	// Welcome recognizes {member_mention}, {guild_name}, {specific_channel_mention}.
	Welcome string
	// WelcomeBatch recognizes {member_mentions_list}, {guild_name}.
	WelcomeBatch string
	// Goodbye recognizes {member_name}, {guild_name}.
	Goodbye string
	// GoodbyeBatch recognizes {member_names_list}, {guild_name}.
	GoodbyeBatch string
	// MentionChannelName is the optional channel name resolved into
	// {specific_channel_mention}.
	MentionChannelName string
}

// Announcer delivers welcome and goodbye announcements to the configured
// channel. Sends are best-effort: failures are logged and never roll back
// the state transition that triggered them.
type Announcer struct {
	gateway   Gateway
	channelID snowflake.ID
	messages  Messages
	logger    *zap.Logger
}

// NewAnnouncer creates an announcer. A zero channelID disables all sends.
func NewAnnouncer(gateway Gateway, channelID snowflake.ID, messages Messages, logger *zap.Logger) *Announcer {
	return &Announcer{
		gateway:   gateway,
		channelID: channelID,
		messages:  messages,
		logger:    logger.Named("announcer"),
	}
}

// Welcome announces a newly verified member.
func (a *Announcer) Welcome(ctx context.Context, guildID snowflake.ID, member User) {
	a.send(ctx, RenderTemplate(a.messages.Welcome, map[string]string{
		"member_mention":           member.Mention(),
		"guild_name":               a.guildName(ctx, guildID),
		"specific_channel_mention": a.channelMention(ctx, guildID),
	}))
}

// WelcomeBatch announces multiple verified members discovered at once,
// choosing the batch template for more than one member.
func (a *Announcer) WelcomeBatch(ctx context.Context, guildID snowflake.ID, members []User) {
	switch len(members) {
	case 0:
		return
	case 1:
		a.Welcome(ctx, guildID, members[0])
	default:
		mentions := make([]string, len(members))
		for i, m := range members {
			mentions[i] = m.Mention()
		}

		a.send(ctx, RenderTemplate(a.messages.WelcomeBatch, map[string]string{
			"member_mentions_list": strings.Join(mentions, ", "),
			"guild_name":           a.guildName(ctx, guildID),
		}))
	}
}

// Goodbye announces a verified member's departure.
func (a *Announcer) Goodbye(ctx context.Context, guildID snowflake.ID, name string) {
	a.send(ctx, RenderTemplate(a.messages.Goodbye, map[string]string{
		"member_name": name,
		"guild_name":  a.guildName(ctx, guildID),
	}))
}

// GoodbyeBatch announces multiple departures discovered at once.
func (a *Announcer) GoodbyeBatch(ctx context.Context, guildID snowflake.ID, names []string) {
	switch len(names) {
	case 0:
		return
	case 1:
		a.Goodbye(ctx, guildID, names[0])
	default:
		a.send(ctx, RenderTemplate(a.messages.GoodbyeBatch, map[string]string{
			"member_names_list": strings.Join(names, ", "),
			"guild_name":        a.guildName(ctx, guildID),
		}))
	}
}

func (a *Announcer) send(ctx context.Context, content string) {
	if a.channelID == 0 {
		a.logger.Debug("Announcement channel not configured, skipping send")
		return
	}

	if err := a.gateway.SendMessage(ctx, a.channelID, content); err != nil {
		if errors.Is(err, ErrForbidden) {
			a.logger.Error("Missing permission to send announcement",
				zap.Uint64("channelID", uint64(a.channelID)))
			return
		}

		a.logger.Error("Failed to send announcement",
			zap.Uint64("channelID", uint64(a.channelID)),
			zap.Error(err))
	}
}

func (a *Announcer) guildName(ctx context.Context, guildID snowflake.ID) string {
	name, err := a.gateway.GuildName(ctx, guildID)
	if err != nil {
		a.logger.Warn("Failed to fetch guild name for announcement",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return ""
	}

	return name
}

// channelMention resolves the configured mention-channel name to a channel
// mention. Unresolvable names render as an empty string.
func (a *Announcer) channelMention(ctx context.Context, guildID snowflake.ID) string {
	if a.messages.MentionChannelName == "" {
		return ""
	}

	channels, err := a.gateway.Channels(ctx, guildID)
	if err != nil {
		a.logger.Warn("Failed to fetch channels for mention resolution",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return ""
	}

	for _, ch := range channels {
		if ch.Name == a.messages.MentionChannelName {
			return "<#" + ch.ID.String() + ">"
		}
	}

	return ""
}

// RenderTemplate substitutes the recognized placeholders of a template.
// Placeholders absent from values are left literal.
func RenderTemplate(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for name, value := range values {
		pairs = append(pairs, "{"+name+"}", value)
	}

	return strings.NewReplacer(pairs...).Replace(template)
}
