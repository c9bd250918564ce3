package formcomponent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/cache"
	"github.com/ehr/clindoc/internal/platform/db"
	"github.com/ehr/clindoc/internal/platform/rules"
	"github.com/ehr/clindoc/internal/platform/telemetry"
	"github.com/ehr/clindoc/internal/platform/tenant"
)

// Service manages the tenant's library of reusable form components.
type Service struct {
	components ComponentRepository
	history    HistoryRepository
	tx         db.Transactor
	cache      *cache.Coordinator
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(components ComponentRepository, history HistoryRepository, tx db.Transactor,
	c *cache.Coordinator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		components: components,
		history:    history,
		tx:         tx,
		cache:      c,
		logger:     logger.With().Str("service", "formcomponent").Logger(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Types lists every supported component type.
func (s *Service) Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

func (s *Service) Create(ctx context.Context, scope tenant.Scope, in CreateInput) (*Component, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	in.Label = strings.TrimSpace(in.Label)
	var fieldErrs []apperr.FieldError
	if !in.Type.Valid() {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "type", Rule: "enum",
			Message: fmt.Sprintf("unknown component type %q", in.Type)})
	}
	if in.Label == "" {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "label", Rule: "required", Message: "label is required"})
	}
	fieldErrs = append(fieldErrs, checkRules(in.Validation)...)
	if len(fieldErrs) > 0 {
		return nil, apperr.Validation("invalid form component", fieldErrs)
	}

	c := &Component{
		ID:          uuid.New(),
		TenantID:    scope.TenantID,
		Type:        in.Type,
		Label:       in.Label,
		Description: in.Description,
		Required:    in.Required,
		Validation:  in.Validation,
		Properties:  in.Properties,
		Creator:     scope.ActorID,
		DateCreated: s.now().UTC(),
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.components.Create(ctx, c); err != nil {
			return err
		}
		return s.record(ctx, scope, c, ActionCreate, nil)
	})
	if err != nil {
		return nil, apperr.Persistence("create form component", err)
	}
	s.metrics.ComponentChanged(string(ActionCreate))
	s.invalidate(ctx, scope.TenantID)
	return c, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Component, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	key := cache.EntityKey(cache.EntityFormComponents, scope.TenantID, id)
	return cache.Load(ctx, s.cache, key, func() (*Component, error) {
		return s.components.GetByID(ctx, scope.TenantID, id)
	})
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, opts ListOptions) ([]*Component, int, error) {
	if err := checkScope(scope); err != nil {
		return nil, 0, err
	}
	key := cache.ListKey(cache.EntityFormComponents, scope.TenantID, opts)
	p, err := cache.Load(ctx, s.cache, key, func() (page[*Component], error) {
		items, total, err := s.components.List(ctx, scope.TenantID, opts)
		return page[*Component]{Items: items, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return p.Items, p.Total, nil
}

func (s *Service) Update(ctx context.Context, scope tenant.Scope, id uuid.UUID, in UpdateInput) (*Component, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	var fieldErrs []apperr.FieldError
	if in.Label != nil {
		label := strings.TrimSpace(*in.Label)
		in.Label = &label
		if label == "" {
			fieldErrs = append(fieldErrs, apperr.FieldError{Path: "label", Rule: "required", Message: "label must not be empty"})
		}
	}
	if in.Validation != nil {
		fieldErrs = append(fieldErrs, checkRules(*in.Validation)...)
	}
	if len(fieldErrs) > 0 {
		return nil, apperr.Validation("invalid form component", fieldErrs)
	}

	var out *Component
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.components.GetByID(ctx, scope.TenantID, id)
		if err != nil {
			return err
		}
		if in.Label != nil {
			c.Label = *in.Label
		}
		if in.Description != nil {
			c.Description = in.Description
		}
		if in.Required != nil {
			c.Required = *in.Required
		}
		if in.Validation != nil {
			c.Validation = *in.Validation
		}
		if in.Properties != nil {
			c.Properties = in.Properties
		}
		now := s.now().UTC()
		c.ChangedBy = &scope.ActorID
		c.DateChanged = &now
		if err := s.components.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return s.record(ctx, scope, c, ActionUpdate, nil)
	})
	if err != nil {
		return nil, apperr.Persistence("update form component", err)
	}
	s.metrics.ComponentChanged(string(ActionUpdate))
	s.invalidate(ctx, scope.TenantID)
	return out, nil
}

func (s *Service) Retire(ctx context.Context, scope tenant.Scope, id uuid.UUID, reason string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return apperr.Validation("invalid retire request", []apperr.FieldError{
			{Path: "reason", Rule: "required", Message: "reason is required"},
		})
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.components.GetByID(ctx, scope.TenantID, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		c.Retired = true
		c.RetiredBy = &scope.ActorID
		c.DateRetired = &now
		c.RetireReason = &reason
		if err := s.components.Update(ctx, c); err != nil {
			return err
		}
		return s.record(ctx, scope, c, ActionRetire, &reason)
	})
	if err != nil {
		return apperr.Persistence("retire form component", err)
	}
	s.metrics.ComponentChanged(string(ActionRetire))
	s.invalidate(ctx, scope.TenantID)
	return nil
}

// History pages through the change log of a component, newest first. Retired
// components keep their history.
func (s *Service) History(ctx context.Context, scope tenant.Scope, id uuid.UUID, limit, offset int) ([]*History, int, error) {
	if err := checkScope(scope); err != nil {
		return nil, 0, err
	}
	items, total, err := s.history.ListByComponent(ctx, scope.TenantID, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, apperr.NotFound("form component", id)
	}
	return items, total, nil
}

func (s *Service) record(ctx context.Context, scope tenant.Scope, c *Component, action Action, reason *string) error {
	snapshot, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("snapshot component %s: %w", c.ID, err)
	}
	return s.history.Append(ctx, &History{
		ID:          uuid.New(),
		TenantID:    scope.TenantID,
		ComponentID: c.ID,
		Action:      action,
		Changes:     snapshot,
		Reason:      reason,
		Creator:     scope.ActorID,
		DateCreated: s.now().UTC(),
	})
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, cache.TenantPrefix(cache.EntityFormComponents, tenantID))
	}
}

// checkRules validates the operands of a component's validation rules.
func checkRules(rs []ValidationRule) []apperr.FieldError {
	var (
		errs   []apperr.FieldError
		lo, hi *float64
	)
	for i, r := range rs {
		path := fmt.Sprintf("validation.%d", i)
		switch r.Type {
		case RuleRequired:
		case RuleMin, RuleMax:
			var n float64
			if err := json.Unmarshal(r.Value, &n); err != nil {
				errs = append(errs, apperr.FieldError{Path: path + ".value", Rule: "type",
					Message: fmt.Sprintf("%s requires a numeric value", r.Type)})
				continue
			}
			if r.Type == RuleMin {
				lo = &n
			} else {
				hi = &n
			}
		case RulePattern:
			var expr string
			if err := json.Unmarshal(r.Value, &expr); err != nil || expr == "" {
				errs = append(errs, apperr.FieldError{Path: path + ".value", Rule: "type",
					Message: "pattern requires a regular expression string"})
				continue
			}
			if _, err := regexp.Compile(expr); err != nil {
				errs = append(errs, apperr.FieldError{Path: path + ".value", Rule: "pattern",
					Message: fmt.Sprintf("invalid pattern: %v", err)})
			}
		case RuleCustom:
			var e rules.Expr
			if err := json.Unmarshal(r.Value, &e); err != nil {
				errs = append(errs, apperr.FieldError{Path: path + ".value", Rule: "type",
					Message: "custom requires an expression"})
				continue
			}
			if _, err := rules.CompileExpr(&e); err != nil {
				errs = append(errs, apperr.FieldError{Path: path + ".value", Rule: "expression",
					Message: err.Error()})
			}
		default:
			errs = append(errs, apperr.FieldError{Path: path + ".type", Rule: "enum",
				Message: fmt.Sprintf("unknown validation rule %q", r.Type)})
		}
	}
	if lo != nil && hi != nil && *lo > *hi {
		errs = append(errs, apperr.FieldError{Path: "validation", Rule: "range",
			Message: fmt.Sprintf("min %v is greater than max %v", *lo, *hi)})
	}
	return errs
}

func checkScope(scope tenant.Scope) error {
	if err := scope.Validate(); err != nil {
		return apperr.Validation(err.Error(), nil)
	}
	return nil
}
