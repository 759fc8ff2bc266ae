// Package bot wires the gatekeeper core to the Discord gateway.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	botlib "github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"github.com/wardenbot/warden/internal/database"
	"github.com/wardenbot/warden/internal/guard"
	"github.com/wardenbot/warden/internal/setup/config"
	"go.uber.org/zap"
)

// eventBuffer is the capacity of the dispatch queue. Gateway events queue
// here while the reconciliation pass runs and are drained in order afterward.
const eventBuffer = 256

// Bot owns the Discord client and the single dispatch loop that serializes
// all membership transitions. Gateway listeners enqueue closures; the
// dispatcher first runs the offline reconciliation pass, then processes live
// events one at a time.
type Bot struct {
	client     botlib.Client
	guard      *guard.Guard
	reconciler *guard.Reconciler
	logger     *zap.Logger

	queue chan func(context.Context)
	ready chan struct{}

	mu       sync.Mutex
	guildIDs []snowflake.ID

	readyOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New initializes the Discord client with the gateway intents and listeners
// the gatekeeper needs, and builds the guard core on top of it.
func New(cfg *config.Config, db database.Client, logger *zap.Logger) (*Bot, error) {
	b := &Bot{
		logger: logger.Named("bot"),
		queue:  make(chan func(context.Context), eventBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	gatewayOpts := []gateway.ConfigOpt{
		gateway.WithIntents(
			gateway.IntentGuilds,
			gateway.IntentGuildMembers,
		),
	}

	if cfg.Bot.Status != "" {
		gatewayOpts = append(gatewayOpts, gateway.WithPresenceOpts(
			gateway.WithCustomActivity(cfg.Bot.Status),
		))
	}

	client, err := disgo.New(cfg.Bot.Token,
		botlib.WithGatewayConfigOpts(gatewayOpts...),
		botlib.WithEventListeners(&events.ListenerAdapter{
			OnReady:             b.onReady,
			OnGuildsReady:       b.onGuildsReady,
			OnGuildMemberJoin:   b.onMemberJoin,
			OnGuildMemberUpdate: b.onMemberUpdate,
			OnGuildMemberLeave:  b.onMemberLeave,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	b.client = client

	settings := guard.Settings{
		VerificationTimeout: time.Duration(cfg.Guard.VerificationTimeoutSeconds) * time.Second,
		MinAccountAge:       time.Duration(cfg.Guard.MinAccountAgeDays) * 24 * time.Hour,
		CatchupFallback:     time.Duration(cfg.Guard.CatchupFallbackSeconds) * time.Second,
	}

	messages := guard.Messages{
		Welcome:            cfg.Messages.Welcome,
		WelcomeBatch:       cfg.Messages.WelcomeBatch,
		Goodbye:            cfg.Messages.Goodbye,
		GoodbyeBatch:       cfg.Messages.GoodbyeBatch,
		MentionChannelName: cfg.Messages.MentionChannelName,
	}

	gw := newGatewayAdapter(client, cfg.Guard.VerifiedRoleName)
	store := newStoreAdapter(db)
	scheduler := guard.NewScheduler(gw, store, settings.VerificationTimeout, logger)
	announcer := guard.NewAnnouncer(gw, snowflake.ID(cfg.Guard.AnnouncementChannelID), messages, logger)

	b.guard = guard.New(gw, store, scheduler, announcer, settings, logger)
	b.reconciler = guard.NewReconciler(gw, store, scheduler, announcer, settings, logger)

	return b, nil
}

// Start opens the gateway connection and launches the dispatch loop.
func (b *Bot) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	go b.dispatch(loopCtx)

	if err := b.client.OpenGateway(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	return nil
}

// Close disconnects from the gateway, stops the dispatch loop and cancels
// all pending verification deadlines.
func (b *Bot) Close(ctx context.Context) {
	b.client.Close(ctx)

	if b.cancel != nil {
		b.cancel()
		<-b.done
	}

	b.guard.Close()
	b.logger.Info("Bot shut down")
}

// dispatch is the single serialization point for membership transitions.
// It waits for the guild list, reconciles offline drift, then drains live
// events in arrival order.
func (b *Bot) dispatch(ctx context.Context) {
	defer close(b.done)

	select {
	case <-b.ready:
	case <-ctx.Done():
		return
	}

	b.mu.Lock()
	guildIDs := append([]snowflake.ID(nil), b.guildIDs...)
	b.mu.Unlock()

	if err := b.reconciler.Run(ctx, guildIDs); err != nil {
		b.logger.Error("Offline reconciliation failed", zap.Error(err))
	}

	for {
		select {
		case fn := <-b.queue:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) enqueue(fn func(context.Context)) {
	b.queue <- fn
}

func (b *Bot) onReady(event *events.Ready) {
	b.mu.Lock()
	for _, g := range event.Guilds {
		b.guildIDs = append(b.guildIDs, g.ID)
	}
	guilds := len(b.guildIDs)
	b.mu.Unlock()

	b.logger.Info("Gateway ready", zap.Int("guilds", guilds))
}

func (b *Bot) onGuildsReady(*events.GuildsReady) {
	b.readyOnce.Do(func() {
		close(b.ready)
	})
}

func (b *Bot) onMemberJoin(event *events.GuildMemberJoin) {
	member := convertMember(event.GuildID, event.Member)

	b.enqueue(func(ctx context.Context) {
		b.guard.HandleJoin(ctx, member)
	})
}

func (b *Bot) onMemberUpdate(event *events.GuildMemberUpdate) {
	oldRoleIDs := append([]snowflake.ID(nil), event.OldMember.RoleIDs...)
	member := convertMember(event.GuildID, event.Member)

	b.enqueue(func(ctx context.Context) {
		b.guard.HandleRoleUpdate(ctx, oldRoleIDs, member)
	})
}

func (b *Bot) onMemberLeave(event *events.GuildMemberLeave) {
	guildID := event.GuildID
	user := convertUser(event.User)

	b.enqueue(func(ctx context.Context) {
		b.guard.HandleLeave(ctx, guildID, user)
	})
}
