package models

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/wardenbot/warden/internal/database/dbretry"
	"github.com/wardenbot/warden/internal/database/types"
	"go.uber.org/zap"
)

// VerificationModel handles database operations for verified member records.
type VerificationModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewVerification creates a new verification model instance.
func NewVerification(db *bun.DB, logger *zap.Logger) *VerificationModel {
	return &VerificationModel{
		db:     db,
		logger: logger.Named("db_verification"),
	}
}

// MarkVerified creates or refreshes the verified record for a guild member.
// The upsert is idempotent; calling it twice leaves a single record.
func (m *VerificationModel) MarkVerified(ctx context.Context, guildID, userID uint64) error {
	record := &types.VerifiedMember{
		GuildID:    guildID,
		UserID:     userID,
		VerifiedAt: time.Now(),
	}

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().
			Model(record).
			On("CONFLICT (guild_id, user_id) DO UPDATE").
			Set("verified_at = EXCLUDED.verified_at").
			Exec(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark member verified: %w", err)
	}

	m.logger.Debug("Marked member verified",
		zap.Uint64("guildID", guildID),
		zap.Uint64("userID", userID))

	return nil
}

// RemoveVerified deletes the verified record for a guild member.
// Deleting an absent record is a no-op.
func (m *VerificationModel) RemoveVerified(ctx context.Context, guildID, userID uint64) error {
	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewDelete().
			Model((*types.VerifiedMember)(nil)).
			Where("guild_id = ? AND user_id = ?", guildID, userID).
			Exec(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove verified record: %w", err)
	}

	m.logger.Debug("Removed verified record",
		zap.Uint64("guildID", guildID),
		zap.Uint64("userID", userID))

	return nil
}

// IsVerified reports whether a verified record exists for a guild member.
func (m *VerificationModel) IsVerified(ctx context.Context, guildID, userID uint64) (bool, error) {
	exists, err := dbretry.Operation(ctx, func(ctx context.Context) (bool, error) {
		return m.db.NewSelect().
			Model((*types.VerifiedMember)(nil)).
			Where("guild_id = ? AND user_id = ?", guildID, userID).
			Exists(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("failed to check verified record: %w", err)
	}

	return exists, nil
}

// ListVerified returns the user IDs of all verified members recorded for a guild.
func (m *VerificationModel) ListVerified(ctx context.Context, guildID uint64) ([]uint64, error) {
	userIDs, err := dbretry.Operation(ctx, func(ctx context.Context) ([]uint64, error) {
		var ids []uint64

		err := m.db.NewSelect().
			Model((*types.VerifiedMember)(nil)).
			Column("user_id").
			Where("guild_id = ?", guildID).
			Scan(ctx, &ids)

		return ids, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list verified members: %w", err)
	}

	return userIDs, nil
}
