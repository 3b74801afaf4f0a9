package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/trillionclues/chronicle-backend/internal/models"
)

// Repository defines what the session app needs from durable storage. The
// app always saves the full aggregate; Save performs a compare-and-save on
// Session.Version and fails with CodeConflict on a concurrent write.
type Repository interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetByCode(ctx context.Context, code string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	ListByUser(ctx context.Context, userID string, filter ListFilter) ([]*models.Session, error)
}

// ListFilter narrows ListByUser results.
type ListFilter struct {
	// ActiveOnly keeps sessions that are not finished or canceled.
	ActiveOnly bool
	// FinishedOnly keeps sessions in the finished phase. Ignored when
	// ActiveOnly is set.
	FinishedOnly bool
}
