package bot

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/wardenbot/warden/internal/database"
)

// storeAdapter implements guard.Store over the database client.
type storeAdapter struct {
	db database.Client
}

func newStoreAdapter(db database.Client) *storeAdapter {
	return &storeAdapter{db: db}
}

func (s *storeAdapter) MarkVerified(ctx context.Context, guildID, userID snowflake.ID) error {
	return s.db.Model().Verification().MarkVerified(ctx, uint64(guildID), uint64(userID))
}

func (s *storeAdapter) RemoveVerified(ctx context.Context, guildID, userID snowflake.ID) error {
	return s.db.Model().Verification().RemoveVerified(ctx, uint64(guildID), uint64(userID))
}

func (s *storeAdapter) IsVerified(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	return s.db.Model().Verification().IsVerified(ctx, uint64(guildID), uint64(userID))
}

func (s *storeAdapter) ListVerified(ctx context.Context, guildID snowflake.ID) ([]snowflake.ID, error) {
	userIDs, err := s.db.Model().Verification().ListVerified(ctx, uint64(guildID))
	if err != nil {
		return nil, err
	}

	ids := make([]snowflake.ID, len(userIDs))
	for i, id := range userIDs {
		ids[i] = snowflake.ID(id)
	}

	return ids, nil
}

func (s *storeAdapter) LastOnline(ctx context.Context) (time.Time, bool, error) {
	return s.db.Model().Status().LastOnline(ctx)
}

func (s *storeAdapter) SetLastOnline(ctx context.Context, t time.Time) error {
	return s.db.Model().Status().SetLastOnline(ctx, t)
}
