package template

import (
	"context"

	"github.com/google/uuid"
)

// Repositories return apperr.NotFound for missing or foreign-tenant rows.

type TemplateRepository interface {
	Create(ctx context.Context, t *Template) error
	// GetByID returns a non-retired template.
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Template, error)
	// GetForUpdate is GetByID that also locks the row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Template, error)
	Update(ctx context.Context, t *Template) error
	SetCurrentVersion(ctx context.Context, tenantID string, id, versionID uuid.UUID) error
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*Template, int, error)
}

type VersionRepository interface {
	// Lock serializes version creation for one template until the
	// surrounding transaction ends.
	Lock(ctx context.Context, tenantID string, templateID uuid.UUID) error
	// Create returns ErrVersionConflict when the version number is taken.
	Create(ctx context.Context, v *Version) error
	GetByID(ctx context.Context, tenantID string, templateID, id uuid.UUID) (*Version, error)
	GetLatest(ctx context.Context, tenantID string, templateID uuid.UUID) (*Version, error)
	MaxVersion(ctx context.Context, tenantID string, templateID uuid.UUID) (int, error)
	ListByTemplate(ctx context.Context, tenantID string, templateID uuid.UUID) ([]*Version, error)
}

type CategoryRepository interface {
	// LockTree serializes category writes of one tenant until the
	// surrounding transaction ends, so ancestor walks see committed links.
	LockTree(ctx context.Context, tenantID string) error
	Create(ctx context.Context, c *Category) error
	// GetByID returns the category even when retired.
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Category, error)
	Update(ctx context.Context, c *Category) error
	List(ctx context.Context, tenantID string, opts CategoryListOptions) ([]*Category, int, error)
}
