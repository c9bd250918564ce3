package formdata

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
	StatusSigned    Status = "signed"
	StatusArchived  Status = "archived"
	StatusVoided    Status = "voided"
)

// allowedStatusTransitions defines which target statuses are reachable from
// each source status. Void is separate and allowed from any status.
var allowedStatusTransitions = map[Status][]Status{
	StatusDraft:     {StatusCompleted, StatusVoided},
	StatusCompleted: {StatusSigned, StatusDraft, StatusVoided},
	StatusSigned:    {StatusArchived, StatusVoided},
	StatusArchived:  {StatusVoided},
	StatusVoided:    {},
}

// initialStatuses are the statuses a submission may be created in.
var initialStatuses = []Status{StatusDraft, StatusCompleted}

// ParseStatus reports whether s names a lifecycle status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := allowedStatusTransitions[st]
	return st, ok
}

// AllowedTransitions returns the statuses reachable from from.
func AllowedTransitions(from Status) []Status {
	return append([]Status(nil), allowedStatusTransitions[from]...)
}

func CanTransition(from, to Status) bool {
	for _, s := range allowedStatusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// FormData is one submission, pinned to the template version that
// validated it.
type FormData struct {
	ID                uuid.UUID              `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	TemplateID        uuid.UUID              `json:"template_id"`
	TemplateVersionID uuid.UUID              `json:"template_version_id"`
	PatientID         uuid.UUID              `json:"patient_id"`
	EncounterID       *uuid.UUID             `json:"encounter_id,omitempty"`
	FormData          map[string]interface{} `json:"form_data"`
	Status            Status                 `json:"status"`
	Creator           string                 `json:"creator"`
	DateCreated       time.Time              `json:"date_created"`
	ChangedBy         *string                `json:"changed_by,omitempty"`
	DateChanged       *time.Time             `json:"date_changed,omitempty"`
	Voided            bool                   `json:"voided"`
	VoidedBy          *string                `json:"voided_by,omitempty"`
	DateVoided        *time.Time             `json:"date_voided,omitempty"`
	VoidReason        *string                `json:"void_reason,omitempty"`
}

// StatusHistory records a status change or a void of a submission.
type StatusHistory struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	FormDataID  uuid.UUID `json:"form_data_id"`
	FromStatus  *Status   `json:"from_status,omitempty"`
	ToStatus    Status    `json:"to_status"`
	Voided      bool      `json:"voided"`
	Reason      *string   `json:"reason,omitempty"`
	ChangedBy   string    `json:"changed_by"`
	DateChanged time.Time `json:"date_changed"`
}

// SubmitInput is a new submission. TemplateVersionID pins an explicit
// version of the template instead of its current one.
type SubmitInput struct {
	TemplateID        uuid.UUID              `json:"template_id"`
	TemplateVersionID *uuid.UUID             `json:"template_version_id,omitempty"`
	PatientID         uuid.UUID              `json:"patient_id"`
	EncounterID       *uuid.UUID             `json:"encounter_id,omitempty"`
	FormData          map[string]interface{} `json:"form_data"`
	Status            Status                 `json:"status,omitempty"`
	Sanitize          bool                   `json:"sanitize,omitempty"`
}

type ListOptions struct {
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	TemplateID  *uuid.UUID `json:"template_id,omitempty"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Limit       int        `json:"limit"`
	Offset      int        `json:"offset"`
}

type page struct {
	Items []*FormData `json:"items"`
	Total int         `json:"total"`
}
