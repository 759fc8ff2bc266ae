package database

import (
	"github.com/uptrace/bun"
	"github.com/wardenbot/warden/internal/database/models"
	"go.uber.org/zap"
)

// Repository provides access to all database models.
type Repository struct {
	verification *models.VerificationModel
	status       *models.StatusModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		verification: models.NewVerification(db, logger),
		status:       models.NewStatus(db, logger),
	}
}

// Verification returns the verified member model repository.
func (r *Repository) Verification() *models.VerificationModel {
	return r.verification
}

// Status returns the bot status model repository.
func (r *Repository) Status() *models.StatusModel {
	return r.status
}
