package formdata

import (
	"context"

	"github.com/google/uuid"
)

type FormDataRepository interface {
	Create(ctx context.Context, f *FormData) error
	// GetByID returns a non-voided submission or apperr.NotFound.
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*FormData, error)
	// GetForUpdate is GetByID that also locks the row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*FormData, error)
	Update(ctx context.Context, f *FormData) error
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*FormData, int, error)
}

type StatusHistoryRepository interface {
	Append(ctx context.Context, h *StatusHistory) error
	ListByForm(ctx context.Context, tenantID string, formID uuid.UUID) ([]*StatusHistory, error)
}
