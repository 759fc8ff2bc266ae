// Package guard implements the membership gatekeeper core: an account-age
// policy on join, a time-boxed role-verification deadline raced against the
// role-grant event, durable verified state, and announcements for verified
// arrivals and departures.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

// Settings is the immutable policy configuration shared by the router,
// scheduler and reconciler.
type Settings struct {
	// VerificationTimeout is the nominal deadline for gaining the verified role.
	VerificationTimeout time.Duration
	// MinAccountAge is the minimum account age required to stay after joining.
	MinAccountAge time.Duration
	// CatchupFallback bounds the reconciliation lookback when no liveness
	// marker exists or the marker is older than the fallback.
	CatchupFallback time.Duration
}

// Guard is the membership event router. It drives scheduler and store
// transitions for join, role-update and leave events, and triggers
// announcements. Handle methods are expected to be called from a single
// event loop; the scheduler's own deadline tasks are the only concurrent
// mutators and synchronize through the scheduler.
type Guard struct {
	gateway   Gateway
	store     Store
	scheduler *Scheduler
	announcer *Announcer
	settings  Settings
	logger    *zap.Logger
}

// New creates the event router.
func New(
	gateway Gateway, store Store, scheduler *Scheduler, announcer *Announcer,
	settings Settings, logger *zap.Logger,
) *Guard {
	return &Guard{
		gateway:   gateway,
		store:     store,
		scheduler: scheduler,
		announcer: announcer,
		settings:  settings,
		logger:    logger.Named("guard"),
	}
}

// Scheduler returns the deadline scheduler.
func (g *Guard) Scheduler() *Scheduler {
	return g.scheduler
}

// HandleJoin evaluates a newly joined member: kick accounts younger than the
// minimum age, otherwise start the verification deadline.
func (g *Guard) HandleJoin(ctx context.Context, member Member) {
	if member.User.Bot {
		return
	}

	age := time.Since(member.User.CreatedAt())
	if age < g.settings.MinAccountAge {
		reason := fmt.Sprintf("Account is too new (created %d days ago, minimum is %d days)",
			int(age.Hours()/24), int(g.settings.MinAccountAge.Hours()/24))

		g.kick(ctx, member.GuildID, member.User.ID, reason)

		return
	}

	err := g.scheduler.Schedule(ctx, member.GuildID, member.User.ID, g.settings.VerificationTimeout)
	if err != nil {
		if errors.Is(err, ErrAlreadyScheduled) {
			// Duplicate join signal; keep the existing schedule untouched
			g.logger.Warn("Verification already scheduled for joining member",
				zap.Uint64("guildID", uint64(member.GuildID)),
				zap.Uint64("userID", uint64(member.User.ID)))

			return
		}

		g.logger.Error("Failed to schedule verification deadline",
			zap.Uint64("userID", uint64(member.User.ID)),
			zap.Error(err))

		return
	}

	g.logger.Info("Member joined, verification deadline started",
		zap.Uint64("guildID", uint64(member.GuildID)),
		zap.Uint64("userID", uint64(member.User.ID)),
		zap.Duration("timeout", g.settings.VerificationTimeout))
}

// HandleRoleUpdate reacts to role changes. Only the transition that adds the
// verified role matters: it persists the verified record, cancels the pending
// deadline and sends the welcome.
func (g *Guard) HandleRoleUpdate(ctx context.Context, oldRoleIDs []snowflake.ID, member Member) {
	if member.User.Bot {
		return
	}

	roleID, err := g.gateway.VerifiedRole(ctx, member.GuildID)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			g.logger.Warn("Verified role not found in guild, skipping verification transitions",
				zap.Uint64("guildID", uint64(member.GuildID)))

			return
		}

		g.logger.Error("Failed to resolve verified role",
			zap.Uint64("guildID", uint64(member.GuildID)),
			zap.Error(err))

		return
	}

	hadRole := false
	for _, id := range oldRoleIDs {
		if id == roleID {
			hadRole = true
			break
		}
	}

	if hadRole || !member.HasRole(roleID) {
		return
	}

	// A record that already exists means this grant was observed before
	// (e.g. reconciliation backfill); suppress the duplicate welcome.
	alreadyVerified, err := g.store.IsVerified(ctx, member.GuildID, member.User.ID)
	if err != nil {
		g.logger.Error("Failed to check verified record",
			zap.Uint64("userID", uint64(member.User.ID)),
			zap.Error(err))
	}

	if err := g.store.MarkVerified(ctx, member.GuildID, member.User.ID); err != nil {
		g.logger.Error("Failed to persist verified record",
			zap.Uint64("userID", uint64(member.User.ID)),
			zap.Error(err))
	}

	if !g.scheduler.Cancel(member.User.ID) {
		// Verified through a path we never scheduled; still welcome them
		g.logger.Warn("No pending deadline for verified member",
			zap.Uint64("guildID", uint64(member.GuildID)),
			zap.Uint64("userID", uint64(member.User.ID)))
	}

	if alreadyVerified {
		g.logger.Debug("Member already recorded verified, suppressing welcome",
			zap.Uint64("userID", uint64(member.User.ID)))

		return
	}

	g.logger.Info("Member verified",
		zap.Uint64("guildID", uint64(member.GuildID)),
		zap.Uint64("userID", uint64(member.User.ID)))

	g.announcer.Welcome(ctx, member.GuildID, member.User)
}

// HandleLeave reacts to a member leaving: cancel any pending deadline, purge
// the durable record, and send the goodbye only for members who were
// confirmed verified.
func (g *Guard) HandleLeave(ctx context.Context, guildID snowflake.ID, user User) {
	if user.Bot {
		return
	}

	if g.scheduler.Cancel(user.ID) {
		// Left before being confirmed verified; no goodbye
		g.removeRecord(ctx, guildID, user.ID)

		g.logger.Info("Pending member left, deadline cancelled",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(user.ID)))

		return
	}

	verified, err := g.store.IsVerified(ctx, guildID, user.ID)
	if err != nil {
		g.logger.Error("Failed to check verified record on leave",
			zap.Uint64("userID", uint64(user.ID)),
			zap.Error(err))

		return
	}

	if !verified {
		return
	}

	g.announcer.Goodbye(ctx, guildID, user.Username)
	g.removeRecord(ctx, guildID, user.ID)

	g.logger.Info("Verified member left",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(user.ID)))
}

// Close shuts down the scheduler, cancelling all pending deadlines.
func (g *Guard) Close() {
	g.scheduler.Close()
}

func (g *Guard) kick(ctx context.Context, guildID, userID snowflake.ID, reason string) {
	if err := g.gateway.Kick(ctx, guildID, userID, reason); err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			g.logger.Error("Missing permission to kick member",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)))
		case errors.Is(err, ErrNotFound):
			// Already gone
		default:
			g.logger.Error("Failed to kick member",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Uint64("userID", uint64(userID)),
				zap.Error(err))
		}

		return
	}

	g.logger.Info("Kicked member",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(userID)),
		zap.String("reason", reason))
}

func (g *Guard) removeRecord(ctx context.Context, guildID, userID snowflake.ID) {
	if err := g.store.RemoveVerified(ctx, guildID, userID); err != nil {
		g.logger.Error("Failed to remove verified record",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))
	}
}
