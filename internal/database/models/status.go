package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/wardenbot/warden/internal/database/dbretry"
	"github.com/wardenbot/warden/internal/database/types"
	"go.uber.org/zap"
)

// statusRowID is the primary key of the single bot status row.
const statusRowID = 1

// StatusModel handles database operations for the bot liveness marker.
type StatusModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewStatus creates a new status model instance.
func NewStatus(db *bun.DB, logger *zap.Logger) *StatusModel {
	return &StatusModel{
		db:     db,
		logger: logger.Named("db_status"),
	}
}

// LastOnline returns the last confirmed online timestamp. The second return
// value is false when the marker has never been written.
func (m *StatusModel) LastOnline(ctx context.Context) (time.Time, bool, error) {
	status, err := dbretry.Operation(ctx, func(ctx context.Context) (*types.BotStatus, error) {
		var status types.BotStatus

		err := m.db.NewSelect().
			Model(&status).
			Where("id = ?", statusRowID).
			Scan(ctx)
		if err != nil {
			return nil, err
		}

		return &status, nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}

		return time.Time{}, false, fmt.Errorf("failed to get last online marker: %w", err)
	}

	return status.LastOnline, true, nil
}

// SetLastOnline writes the last confirmed online timestamp.
func (m *StatusModel) SetLastOnline(ctx context.Context, t time.Time) error {
	status := &types.BotStatus{
		ID:         statusRowID,
		LastOnline: t,
	}

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().
			Model(status).
			On("CONFLICT (id) DO UPDATE").
			Set("last_online = EXCLUDED.last_online").
			Exec(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set last online marker: %w", err)
	}

	m.logger.Debug("Updated last online marker", zap.Time("lastOnline", t))

	return nil
}
