package formcomponent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeText        Type = "text"
	TypeNumber      Type = "number"
	TypeDate        Type = "date"
	TypeSelect      Type = "select"
	TypeMultiSelect Type = "multi_select"
	TypeCheckbox    Type = "checkbox"
	TypeRadio       Type = "radio"
	TypeTextarea    Type = "textarea"
	TypeVitals      Type = "vitals"
	TypeLabResult   Type = "lab_result"
	TypeMedication  Type = "medication"
	TypeFileUpload  Type = "file_upload"
)

var allTypes = []Type{
	TypeText, TypeNumber, TypeDate, TypeSelect, TypeMultiSelect, TypeCheckbox,
	TypeRadio, TypeTextarea, TypeVitals, TypeLabResult, TypeMedication, TypeFileUpload,
}

func (t Type) Valid() bool {
	for _, v := range allTypes {
		if v == t {
			return true
		}
	}
	return false
}

// RuleType names a field-level validation rule attached to a component.
type RuleType string

const (
	RuleRequired RuleType = "required"
	RuleMin      RuleType = "min"
	RuleMax      RuleType = "max"
	RulePattern  RuleType = "pattern"
	RuleCustom   RuleType = "custom"
)

// ValidationRule carries a rule and its operand. Value is a number for min
// and max, a regular expression for pattern and an expression tree for
// custom.
type ValidationRule struct {
	Type    RuleType        `json:"type"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Component is a reusable form field definition.
type Component struct {
	ID           uuid.UUID              `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Type         Type                   `json:"type"`
	Label        string                 `json:"label"`
	Description  *string                `json:"description,omitempty"`
	Required     bool                   `json:"required"`
	Validation   []ValidationRule       `json:"validation"`
	Properties   map[string]interface{} `json:"properties"`
	Creator      string                 `json:"creator"`
	DateCreated  time.Time              `json:"date_created"`
	ChangedBy    *string                `json:"changed_by,omitempty"`
	DateChanged  *time.Time             `json:"date_changed,omitempty"`
	Retired      bool                   `json:"retired"`
	RetiredBy    *string                `json:"retired_by,omitempty"`
	DateRetired  *time.Time             `json:"date_retired,omitempty"`
	RetireReason *string                `json:"retire_reason,omitempty"`
}

type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionRetire Action = "RETIRE"
)

// History is an append-only record of a component change. Changes holds the
// component as it stood after the change.
type History struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	ComponentID uuid.UUID       `json:"component_id"`
	Action      Action          `json:"action"`
	Changes     json.RawMessage `json:"changes"`
	Reason      *string         `json:"reason,omitempty"`
	Creator     string          `json:"creator"`
	DateCreated time.Time       `json:"date_created"`
}

type CreateInput struct {
	Type        Type                   `json:"type"`
	Label       string                 `json:"label"`
	Description *string                `json:"description"`
	Required    bool                   `json:"required"`
	Validation  []ValidationRule       `json:"validation"`
	Properties  map[string]interface{} `json:"properties"`
}

// UpdateInput leaves nil fields unchanged. The component type is fixed at
// creation.
type UpdateInput struct {
	Label       *string                `json:"label"`
	Description *string                `json:"description"`
	Required    *bool                  `json:"required"`
	Validation  *[]ValidationRule      `json:"validation"`
	Properties  map[string]interface{} `json:"properties"`
}

type ListOptions struct {
	Type   *Type  `json:"type,omitempty"`
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
