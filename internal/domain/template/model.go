package template

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clindoc/internal/platform/rules"
)

// ErrVersionConflict is returned by a version insert that lost the race for
// its version number. The whole version-creating transaction is retried.
var ErrVersionConflict = errors.New("template version number already taken")

// Category groups templates. Categories form a tree through ParentID.
type Category struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	Description  *string    `json:"description,omitempty"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	Creator      string     `json:"creator"`
	DateCreated  time.Time  `json:"date_created"`
	ChangedBy    *string    `json:"changed_by,omitempty"`
	DateChanged  *time.Time `json:"date_changed,omitempty"`
	Retired      bool       `json:"retired"`
	RetiredBy    *string    `json:"retired_by,omitempty"`
	DateRetired  *time.Time `json:"date_retired,omitempty"`
	RetireReason *string    `json:"retire_reason,omitempty"`
}

// Template is a named clinical form. Its content lives in versions; the
// template row only tracks which version is current.
type Template struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Name             string     `json:"name"`
	Description      *string    `json:"description,omitempty"`
	CategoryID       uuid.UUID  `json:"category_id"`
	IsPublished      bool       `json:"is_published"`
	CurrentVersionID *uuid.UUID `json:"current_version_id,omitempty"`
	Creator          string     `json:"creator"`
	DateCreated      time.Time  `json:"date_created"`
	ChangedBy        *string    `json:"changed_by,omitempty"`
	DateChanged      *time.Time `json:"date_changed,omitempty"`
	Retired          bool       `json:"retired"`
	RetiredBy        *string    `json:"retired_by,omitempty"`
	DateRetired      *time.Time `json:"date_retired,omitempty"`
	RetireReason     *string    `json:"retire_reason,omitempty"`
	Versions         []*Version `json:"versions,omitempty"`
}

// Version is an immutable snapshot of a template's schemas and rules.
type Version struct {
	ID               uuid.UUID       `json:"id"`
	TenantID         string          `json:"tenant_id"`
	TemplateID       uuid.UUID       `json:"template_id"`
	Version          int             `json:"version"`
	Schema           json.RawMessage `json:"schema"`
	UISchema         json.RawMessage `json:"ui_schema,omitempty"`
	ValidationSchema json.RawMessage `json:"validation_schema"`
	ProcessingRules  []rules.Rule    `json:"processing_rules,omitempty"`
	ChangeReason     *string         `json:"change_reason,omitempty"`
	Creator          string          `json:"creator"`
	DateCreated      time.Time       `json:"date_created"`
}

// VersionInput is the content of a new version.
type VersionInput struct {
	Schema           json.RawMessage `json:"schema"`
	UISchema         json.RawMessage `json:"ui_schema,omitempty"`
	ValidationSchema json.RawMessage `json:"validation_schema"`
	ProcessingRules  []rules.Rule    `json:"processing_rules,omitempty"`
	ChangeReason     *string         `json:"change_reason,omitempty"`
}

type CreateTemplateInput struct {
	Name        string       `json:"name"`
	Description *string      `json:"description,omitempty"`
	CategoryID  uuid.UUID    `json:"category_id"`
	IsPublished bool         `json:"is_published"`
	Version     VersionInput `json:"version"`
}

// UpdateTemplateInput changes template metadata. A non-nil Version adds a
// new version in the same transaction.
type UpdateTemplateInput struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	CategoryID  *uuid.UUID    `json:"category_id,omitempty"`
	Version     *VersionInput `json:"version,omitempty"`
}

type ListOptions struct {
	CategoryID  *uuid.UUID `json:"category_id,omitempty"`
	IsPublished *bool      `json:"is_published,omitempty"`
	Search      string     `json:"search,omitempty"`
	Limit       int        `json:"limit"`
	Offset      int        `json:"offset"`
}

type CategoryInput struct {
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
}

// UpdateCategoryInput changes a category. ClearParent moves the category to
// the root and wins over ParentID.
type UpdateCategoryInput struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	ClearParent bool       `json:"clear_parent,omitempty"`
}

type CategoryListOptions struct {
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
	Search   string     `json:"search,omitempty"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// page is the cached shape of a list result.
type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
