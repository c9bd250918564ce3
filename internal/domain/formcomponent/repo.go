package formcomponent

import (
	"context"

	"github.com/google/uuid"
)

type ComponentRepository interface {
	Create(ctx context.Context, c *Component) error
	// GetByID ignores retired components.
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Component, error)
	Update(ctx context.Context, c *Component) error
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*Component, int, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, h *History) error
	// ListByComponent returns newest entries first.
	ListByComponent(ctx context.Context, tenantID string, componentID uuid.UUID, limit, offset int) ([]*History, int, error)
}
