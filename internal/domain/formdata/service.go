package formdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clindoc/internal/domain/template"
	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/cache"
	"github.com/ehr/clindoc/internal/platform/db"
	"github.com/ehr/clindoc/internal/platform/formschema"
	"github.com/ehr/clindoc/internal/platform/rules"
	"github.com/ehr/clindoc/internal/platform/telemetry"
	"github.com/ehr/clindoc/internal/platform/tenant"
)

// TemplateSource resolves the template version a submission is checked
// against. *template.Service satisfies it. Get and CurrentVersion fail with
// NotFound for a retired template.
type TemplateSource interface {
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*template.Template, error)
	CurrentVersion(ctx context.Context, scope tenant.Scope, templateID uuid.UUID) (*template.Version, error)
	GetVersion(ctx context.Context, scope tenant.Scope, templateID, versionID uuid.UUID) (*template.Version, error)
}

// Service runs the submission lifecycle: validate, process, persist, then
// status changes and voids.
type Service struct {
	forms     FormDataRepository
	history   StatusHistoryRepository
	templates TemplateSource
	validator *formschema.Validator
	tx        db.Transactor
	cache     *cache.Coordinator
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(forms FormDataRepository, history StatusHistoryRepository, templates TemplateSource,
	validator *formschema.Validator, tx db.Transactor, c *cache.Coordinator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		forms:     forms,
		history:   history,
		templates: templates,
		validator: validator,
		tx:        tx,
		cache:     c,
		logger:    logger.With().Str("service", "formdata").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates raw form data against the template version's schema,
// runs its processing rules and stores the result pinned to that version.
func (s *Service) Submit(ctx context.Context, scope tenant.Scope, in SubmitInput) (*FormData, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	var fieldErrs []apperr.FieldError
	if in.TemplateID == uuid.Nil {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "template_id", Rule: "required", Message: "template_id is required"})
	}
	if in.PatientID == uuid.Nil {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "patient_id", Rule: "required", Message: "patient_id is required"})
	}
	if in.FormData == nil {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "form_data", Rule: "required", Message: "form_data is required"})
	}
	if len(fieldErrs) > 0 {
		return nil, apperr.Validation("invalid submission", fieldErrs)
	}

	status := in.Status
	if status == "" {
		status = StatusDraft
	}
	if !isInitialStatus(status) {
		return nil, apperr.InvalidTransition("", string(status), statusStrings(initialStatuses))
	}

	version, err := s.resolveVersion(ctx, scope, in)
	if err != nil {
		return nil, err
	}

	data := in.FormData
	if in.Sanitize {
		data = rules.Sanitize(data)
	}

	res, err := s.validator.ValidateCached(version.ID.String(), data, version.ValidationSchema)
	if err != nil {
		return nil, fmt.Errorf("validate against template version %s: %w", version.ID, err)
	}
	if !res.Valid {
		s.metrics.Submission("invalid")
		return nil, apperr.Validation("form data does not match the template schema", res.Errors)
	}

	pipeline, err := rules.Compile(version.ProcessingRules, rules.WithClock(s.now), rules.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("compile rules of template version %s: %w", version.ID, err)
	}
	processed, err := pipeline.Run(data)
	if err != nil {
		s.metrics.Submission("rejected")
		return nil, err
	}

	now := s.now().UTC()
	f := &FormData{
		ID:                uuid.New(),
		TenantID:          scope.TenantID,
		TemplateID:        in.TemplateID,
		TemplateVersionID: version.ID,
		PatientID:         in.PatientID,
		EncounterID:       in.EncounterID,
		FormData:          processed,
		Status:            status,
		Creator:           scope.ActorID,
		DateCreated:       now,
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.forms.Create(ctx, f); err != nil {
			return err
		}
		return s.history.Append(ctx, s.historyRow(scope, f.ID, nil, status, false, nil, now))
	})
	if err != nil {
		return nil, apperr.Persistence("submit form data", err)
	}

	s.metrics.Submission("accepted")
	s.invalidate(ctx, scope.TenantID)
	s.logger.Info().Str("tenant_id", scope.TenantID).Str("form_id", f.ID.String()).
		Str("template_id", f.TemplateID.String()).Int("template_version", version.Version).
		Msg("form data submitted")
	return f, nil
}

func (s *Service) resolveVersion(ctx context.Context, scope tenant.Scope, in SubmitInput) (*template.Version, error) {
	if in.TemplateVersionID == nil {
		return s.templates.CurrentVersion(ctx, scope, in.TemplateID)
	}
	// Version rows outlive their template, so liveness is checked on the template.
	if _, err := s.templates.Get(ctx, scope, in.TemplateID); err != nil {
		return nil, err
	}
	return s.templates.GetVersion(ctx, scope, in.TemplateID, *in.TemplateVersionID)
}

// UpdateStatus moves a submission along the transition table. Moving to
// voided also sets the voided flag, so the row leaves Get and List exactly
// as it does after Void.
func (s *Service) UpdateStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, to Status) (*FormData, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if _, ok := ParseStatus(string(to)); !ok {
		return nil, apperr.Validation("invalid status", []apperr.FieldError{{
			Path:    "status",
			Rule:    "enum",
			Message: fmt.Sprintf("unknown status %q", to),
		}})
	}

	var (
		f    *FormData
		from Status
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if f, err = s.forms.GetForUpdate(ctx, scope.TenantID, id); err != nil {
			return err
		}
		from = f.Status
		if !CanTransition(from, to) {
			return apperr.InvalidTransition(string(from), string(to), statusStrings(AllowedTransitions(from)))
		}
		now := s.now().UTC()
		f.Status = to
		f.ChangedBy = &scope.ActorID
		f.DateChanged = &now
		voided := to == StatusVoided
		if voided {
			f.Voided = true
			f.VoidedBy = &scope.ActorID
			f.DateVoided = &now
		}
		if err := s.forms.Update(ctx, f); err != nil {
			return err
		}
		return s.history.Append(ctx, s.historyRow(scope, f.ID, &from, to, voided, nil, now))
	})
	if err != nil {
		return nil, apperr.Persistence("update form status", err)
	}

	s.metrics.StatusTransition(string(from), string(to))
	s.invalidate(ctx, scope.TenantID)
	s.logger.Info().Str("tenant_id", scope.TenantID).Str("form_id", id.String()).
		Str("from", string(from)).Str("to", string(to)).Msg("form status changed")
	return f, nil
}

// Void marks a submission voided whatever its status. Voided submissions
// disappear from Get and List.
func (s *Service) Void(ctx context.Context, scope tenant.Scope, id uuid.UUID, reason string) (*FormData, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("invalid void request", []apperr.FieldError{
			{Path: "reason", Rule: "required", Message: "reason is required"},
		})
	}

	var f *FormData
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if f, err = s.forms.GetForUpdate(ctx, scope.TenantID, id); err != nil {
			return err
		}
		now := s.now().UTC()
		f.Voided = true
		f.VoidedBy = &scope.ActorID
		f.DateVoided = &now
		f.VoidReason = &reason
		if err := s.forms.Update(ctx, f); err != nil {
			return err
		}
		status := f.Status
		return s.history.Append(ctx, s.historyRow(scope, f.ID, &status, status, true, &reason, now))
	})
	if err != nil {
		return nil, apperr.Persistence("void form data", err)
	}

	s.metrics.Voided()
	s.invalidate(ctx, scope.TenantID)
	s.logger.Info().Str("tenant_id", scope.TenantID).Str("form_id", id.String()).Msg("form data voided")
	return f, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*FormData, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	key := cache.EntityKey(cache.EntityFormData, scope.TenantID, id)
	return cache.Load(ctx, s.cache, key, func() (*FormData, error) {
		return s.forms.GetByID(ctx, scope.TenantID, id)
	})
}

// List returns non-voided submissions, newest first.
func (s *Service) List(ctx context.Context, scope tenant.Scope, opts ListOptions) ([]*FormData, int, error) {
	if err := checkScope(scope); err != nil {
		return nil, 0, err
	}
	key := cache.ListKey(cache.EntityFormData, scope.TenantID, opts)
	p, err := cache.Load(ctx, s.cache, key, func() (page, error) {
		items, total, err := s.forms.List(ctx, scope.TenantID, opts)
		return page{Items: items, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return p.Items, p.Total, nil
}

// StatusHistory returns every recorded change of a submission, voided ones
// included, oldest first.
func (s *Service) StatusHistory(ctx context.Context, scope tenant.Scope, id uuid.UUID) ([]*StatusHistory, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	items, err := s.history.ListByForm(ctx, scope.TenantID, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperr.NotFound("form data", id)
	}
	return items, nil
}

func (s *Service) historyRow(scope tenant.Scope, formID uuid.UUID, from *Status, to Status, voided bool, reason *string, at time.Time) *StatusHistory {
	return &StatusHistory{
		ID:          uuid.New(),
		TenantID:    scope.TenantID,
		FormDataID:  formID,
		FromStatus:  from,
		ToStatus:    to,
		Voided:      voided,
		Reason:      reason,
		ChangedBy:   scope.ActorID,
		DateChanged: at,
	}
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, cache.TenantPrefix(cache.EntityFormData, tenantID))
	}
}

func isInitialStatus(st Status) bool {
	for _, s := range initialStatuses {
		if s == st {
			return true
		}
	}
	return false
}

func checkScope(scope tenant.Scope) error {
	if err := scope.Validate(); err != nil {
		return apperr.Validation(err.Error(), nil)
	}
	return nil
}
