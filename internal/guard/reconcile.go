package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// maxConcurrentGuilds bounds the reconciliation fan-out across guilds.
const maxConcurrentGuilds = 4

// Reconciler replays the joins, leaves and verifications missed while the
// bot was offline. It runs once at startup, before live events are
// processed, and seeds the scheduler with make-up deadlines.
type Reconciler struct {
	gateway   Gateway
	store     Store
	scheduler *Scheduler
	announcer *Announcer
	settings  Settings
	logger    *zap.Logger
}

// NewReconciler creates the reconciliation pass.
func NewReconciler(
	gateway Gateway, store Store, scheduler *Scheduler, announcer *Announcer,
	settings Settings, logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		gateway:   gateway,
		store:     store,
		scheduler: scheduler,
		announcer: announcer,
		settings:  settings,
		logger:    logger.Named("reconciler"),
	}
}

// Run reconciles every guild and then advances the liveness marker. The
// marker is only written after all guilds finish, so a crash mid-pass replays
// the same window; every step is idempotent.
func (r *Reconciler) Run(ctx context.Context, guildIDs []snowflake.ID) error {
	now := time.Now()
	catchupStart := now.Add(-r.settings.CatchupFallback)

	lastOnline, ok, err := r.store.LastOnline(ctx)
	if err != nil {
		r.logger.Error("Failed to read last online marker, using fallback window", zap.Error(err))
	} else if ok && lastOnline.After(catchupStart) {
		catchupStart = lastOnline
	}

	r.logger.Info("Starting offline reconciliation",
		zap.Int("guilds", len(guildIDs)),
		zap.Time("catchupStart", catchupStart))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxConcurrentGuilds)

	for _, guildID := range guildIDs {
		p.Go(func(ctx context.Context) error {
			r.reconcileGuild(ctx, guildID, catchupStart, now)
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return fmt.Errorf("reconciliation pass failed: %w", err)
	}

	if err := r.store.SetLastOnline(ctx, now); err != nil {
		r.logger.Error("Failed to advance last online marker", zap.Error(err))
	}

	r.logger.Info("Offline reconciliation complete")

	return nil
}

// reconcileGuild runs the single-scan catch-up for one guild. Failures are
// logged and the guild is skipped; the next startup retries the same window.
func (r *Reconciler) reconcileGuild(ctx context.Context, guildID snowflake.ID, catchupStart, now time.Time) {
	roleID, err := r.gateway.VerifiedRole(ctx, guildID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			r.logger.Warn("Verified role not found in guild, skipping reconciliation",
				zap.Uint64("guildID", uint64(guildID)))

			return
		}

		r.logger.Error("Failed to resolve verified role for reconciliation",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return
	}

	verifiedIDs, err := r.store.ListVerified(ctx, guildID)
	if err != nil {
		r.logger.Error("Failed to list verified members, skipping guild",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return
	}

	// Zero records means this guild was never seen before: seed the store
	// from the current role holders without announcing the backfill.
	bootstrap := len(verifiedIDs) == 0

	recorded := make(map[snowflake.ID]struct{}, len(verifiedIDs))
	for _, userID := range verifiedIDs {
		recorded[userID] = struct{}{}
	}

	members, err := r.gateway.Members(ctx, guildID)
	if err != nil {
		r.logger.Error("Failed to fetch guild membership, skipping guild",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return
	}

	var (
		welcomes []User
		present  = make(map[snowflake.ID]struct{}, len(members))
	)

	for _, member := range members {
		if member.User.Bot {
			continue
		}

		present[member.User.ID] = struct{}{}

		joinedInWindow := !member.JoinedAt.Before(catchupStart) && !member.JoinedAt.After(now)

		if member.HasRole(roleID) {
			// A durable record means the verification was already observed
			// and announced before the outage; only newly discovered
			// verifications earn a welcome.
			_, known := recorded[member.User.ID]

			if err := r.store.MarkVerified(ctx, guildID, member.User.ID); err != nil {
				r.logger.Error("Failed to backfill verified record",
					zap.Uint64("userID", uint64(member.User.ID)),
					zap.Error(err))
			}

			if joinedInWindow && !bootstrap && !known {
				welcomes = append(welcomes, member.User)
			}

			continue
		}

		// Unverified members who joined before the window are out of
		// policy scope; their deadline was handled by a previous run.
		if !joinedInWindow {
			continue
		}

		age := now.Sub(member.User.CreatedAt())
		if age < r.settings.MinAccountAge {
			reason := fmt.Sprintf("Account is too new (created %d days ago, minimum is %d days; detected during catch-up)",
				int(age.Hours()/24), int(r.settings.MinAccountAge.Hours()/24))

			r.kick(ctx, guildID, member.User.ID, reason)

			continue
		}

		// Make-up deadline with the time already spent deducted; a spent
		// deadline degenerates to an immediate check inside the scheduler.
		remaining := r.scheduler.Timeout() - now.Sub(member.JoinedAt)

		err := r.scheduler.Schedule(ctx, guildID, member.User.ID, remaining)
		if err != nil && !errors.Is(err, ErrAlreadyScheduled) {
			r.logger.Error("Failed to schedule make-up deadline",
				zap.Uint64("userID", uint64(member.User.ID)),
				zap.Error(err))
		}
	}

	goodbyes := r.departedNames(ctx, guildID, verifiedIDs, present)

	r.announcer.WelcomeBatch(ctx, guildID, welcomes)
	r.announcer.GoodbyeBatch(ctx, guildID, goodbyes)

	r.logger.Info("Reconciled guild",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Int("members", len(members)),
		zap.Int("welcomes", len(welcomes)),
		zap.Int("goodbyes", len(goodbyes)),
		zap.Bool("bootstrap", bootstrap))
}

// departedNames resolves the verified members who left while the bot was
// offline, purging their records and collecting display names for the
// goodbye batch.
func (r *Reconciler) departedNames(
	ctx context.Context, guildID snowflake.ID, verifiedIDs []snowflake.ID, present map[snowflake.ID]struct{},
) []string {
	var names []string

	for _, userID := range verifiedIDs {
		if _, ok := present[userID]; ok {
			continue
		}

		name := fmt.Sprintf("user %d", userID)

		if user, err := r.gateway.User(ctx, userID); err == nil {
			name = user.Username
		} else if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("Failed to fetch identity for departed member",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		}

		if err := r.store.RemoveVerified(ctx, guildID, userID); err != nil {
			r.logger.Error("Failed to purge departed verified record",
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))

			continue
		}

		names = append(names, name)
	}

	return names
}

func (r *Reconciler) kick(ctx context.Context, guildID, userID snowflake.ID, reason string) {
	if err := r.gateway.Kick(ctx, guildID, userID, reason); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			// Already gone
		case errors.Is(err, ErrForbidden):
			r.logger.Error("Missing permission to kick member during catch-up",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)))
		default:
			r.logger.Error("Failed to kick member during catch-up",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		}

		return
	}

	r.logger.Info("Kicked member during catch-up",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(userID)),
		zap.String("reason", reason))
}
