package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/cache"
	"github.com/ehr/clindoc/internal/platform/db"
	"github.com/ehr/clindoc/internal/platform/formschema"
	"github.com/ehr/clindoc/internal/platform/rules"
	"github.com/ehr/clindoc/internal/platform/telemetry"
	"github.com/ehr/clindoc/internal/platform/tenant"
	"github.com/ehr/clindoc/pkg/retry"
)

// Service owns templates, their versions and the category tree.
type Service struct {
	templates  TemplateRepository
	versions   VersionRepository
	categories CategoryRepository
	tx         db.Transactor
	cache      *cache.Coordinator
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	retry      retry.Config
	now        func() time.Time
}

type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRetry sets the backoff used when two writers race for a version number.
func WithRetry(cfg retry.Config) Option {
	return func(s *Service) { s.retry = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(templates TemplateRepository, versions VersionRepository, categories CategoryRepository,
	tx db.Transactor, c *cache.Coordinator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		templates:  templates,
		versions:   versions,
		categories: categories,
		tx:         tx,
		cache:      c,
		logger:     logger.With().Str("service", "template").Logger(),
		retry:      retry.DefaultConfig(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.retry.Retryable = func(err error) bool { return errors.Is(err, ErrVersionConflict) }
	return s
}

// -- Templates --

// Create inserts the template, its first version and the current-version
// pointer in one transaction.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, in CreateTemplateInput) (*Template, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	var fieldErrs []apperr.FieldError
	if in.Name == "" {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "name", Rule: "required", Message: "name is required"})
	}
	if in.CategoryID == uuid.Nil {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "category_id", Rule: "required", Message: "category_id is required"})
	}
	fieldErrs = append(fieldErrs, checkVersionInput("version.", in.Version)...)
	if len(fieldErrs) > 0 {
		return nil, apperr.Validation("invalid template", fieldErrs)
	}

	now := s.now().UTC()
	t := &Template{
		ID:          uuid.New(),
		TenantID:    scope.TenantID,
		Name:        in.Name,
		Description: in.Description,
		CategoryID:  in.CategoryID,
		IsPublished: in.IsPublished,
		Creator:     scope.ActorID,
		DateCreated: now,
	}
	v := newVersion(scope, t.ID, 1, in.Version, now)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.activeCategory(ctx, scope.TenantID, in.CategoryID); err != nil {
			return err
		}
		if err := s.templates.Create(ctx, t); err != nil {
			return err
		}
		if err := s.versions.Create(ctx, v); err != nil {
			return err
		}
		return s.templates.SetCurrentVersion(ctx, scope.TenantID, t.ID, v.ID)
	})
	if err != nil {
		return nil, apperr.Persistence("create template", err)
	}

	t.CurrentVersionID = &v.ID
	t.Versions = []*Version{v}
	s.metrics.VersionCreated()
	s.invalidateTemplates(ctx, scope.TenantID)
	s.logger.Info().Str("tenant_id", scope.TenantID).Str("template_id", t.ID.String()).Msg("template created")
	return t, nil
}

// CreateNewVersion appends version max+1 and makes it current. Writers for
// the same template are serialized by a transaction-scoped lock; a unique
// violation on the version key still retries the whole transaction.
func (s *Service) CreateNewVersion(ctx context.Context, scope tenant.Scope, templateID uuid.UUID, in VersionInput) (*Version, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if fieldErrs := checkVersionInput("", in); len(fieldErrs) > 0 {
		return nil, apperr.Validation("invalid template version", fieldErrs)
	}

	var v *Version
	err := s.withVersionRetry(ctx, scope, templateID, "create template version", func(ctx context.Context) error {
		if _, err := s.templates.GetByID(ctx, scope.TenantID, templateID); err != nil {
			return err
		}
		var err error
		v, err = s.appendVersion(ctx, scope, templateID, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.VersionCreated()
	s.invalidateTemplates(ctx, scope.TenantID)
	s.logger.Info().Str("tenant_id", scope.TenantID).Str("template_id", templateID.String()).
		Int("version", v.Version).Msg("template version created")
	return v, nil
}

// appendVersion must run inside a transaction.
func (s *Service) appendVersion(ctx context.Context, scope tenant.Scope, templateID uuid.UUID, in VersionInput) (*Version, error) {
	if err := s.versions.Lock(ctx, scope.TenantID, templateID); err != nil {
		return nil, err
	}
	highest, err := s.versions.MaxVersion(ctx, scope.TenantID, templateID)
	if err != nil {
		return nil, err
	}
	v := newVersion(scope, templateID, highest+1, in, s.now().UTC())
	if err := s.versions.Create(ctx, v); err != nil {
		return nil, err
	}
	if err := s.templates.SetCurrentVersion(ctx, scope.TenantID, templateID, v.ID); err != nil {
		return nil, err
	}
	return v, nil
}

// withVersionRetry runs fn in a fresh transaction per attempt, retrying while
// the version number is contended.
func (s *Service) withVersionRetry(ctx context.Context, scope tenant.Scope, templateID uuid.UUID, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, s.retry, func(attempt int) error {
		err := s.tx.WithinTx(ctx, fn)
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.VersionConflict()
			s.logger.Warn().Str("tenant_id", scope.TenantID).Str("template_id", templateID.String()).
				Int("attempt", attempt).Msg("template version number contended, retrying")
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, retry.ErrExhausted):
		return apperr.Conflict("template %s: could not allocate a version number after %d attempts",
			templateID, s.retry.MaxAttempts)
	default:
		return apperr.Persistence(op, err)
	}
}

func (s *Service) GetVersion(ctx context.Context, scope tenant.Scope, templateID, versionID uuid.UUID) (*Version, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	key := cache.TemplateVersionKey(scope.TenantID, templateID, versionID)
	return cache.Load(ctx, s.cache, key, func() (*Version, error) {
		return s.versions.GetByID(ctx, scope.TenantID, templateID, versionID)
	})
}

func (s *Service) GetLatestVersion(ctx context.Context, scope tenant.Scope, templateID uuid.UUID) (*Version, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	key := cache.LatestVersionKey(scope.TenantID, templateID)
	return cache.Load(ctx, s.cache, key, func() (*Version, error) {
		return s.versions.GetLatest(ctx, scope.TenantID, templateID)
	})
}

// ListVersions returns every version of a template in ascending order.
func (s *Service) ListVersions(ctx context.Context, scope tenant.Scope, templateID uuid.UUID) ([]*Version, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, scope, templateID); err != nil {
		return nil, err
	}
	key := cache.EntityKey(cache.EntityTemplates, scope.TenantID, templateID) + ":versions"
	return cache.Load(ctx, s.cache, key, func() ([]*Version, error) {
		return s.versions.ListByTemplate(ctx, scope.TenantID, templateID)
	})
}

// CurrentVersion resolves the version a new submission is pinned to.
func (s *Service) CurrentVersion(ctx context.Context, scope tenant.Scope, templateID uuid.UUID) (*Version, error) {
	t, err := s.Get(ctx, scope, templateID)
	if err != nil {
		return nil, err
	}
	if t.CurrentVersionID == nil {
		return s.GetLatestVersion(ctx, scope, templateID)
	}
	return s.GetVersion(ctx, scope, templateID, *t.CurrentVersionID)
}

func (s *Service) Publish(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Template, error) {
	return s.setPublished(ctx, scope, id, true)
}

func (s *Service) Unpublish(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Template, error) {
	return s.setPublished(ctx, scope, id, false)
}

func (s *Service) setPublished(ctx context.Context, scope tenant.Scope, id uuid.UUID, published bool) (*Template, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	var t *Template
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if t, err = s.templates.GetForUpdate(ctx, scope.TenantID, id); err != nil {
			return err
		}
		if t.IsPublished == published {
			if published {
				return apperr.Conflict("template %s is already published", id)
			}
			return apperr.Conflict("template %s is not published", id)
		}
		t.IsPublished = published
		s.stampChanged(t, scope)
		return s.templates.Update(ctx, t)
	})
	if err != nil {
		return nil, apperr.Persistence("publish template", err)
	}
	s.invalidateTemplates(ctx, scope.TenantID)
	return t, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Template, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	key := cache.EntityKey(cache.EntityTemplates, scope.TenantID, id)
	return cache.Load(ctx, s.cache, key, func() (*Template, error) {
		return s.templates.GetByID(ctx, scope.TenantID, id)
	})
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, opts ListOptions) ([]*Template, int, error) {
	if err := checkScope(scope); err != nil {
		return nil, 0, err
	}
	key := cache.ListKey(cache.EntityTemplates, scope.TenantID, opts)
	p, err := cache.Load(ctx, s.cache, key, func() (page[*Template], error) {
		items, total, err := s.templates.List(ctx, scope.TenantID, opts)
		return page[*Template]{Items: items, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return p.Items, p.Total, nil
}

// Update changes template metadata and, when in.Version is set, appends a
// new version in the same transaction.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, id uuid.UUID, in UpdateTemplateInput) (*Template, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	var fieldErrs []apperr.FieldError
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		fieldErrs = append(fieldErrs, apperr.FieldError{Path: "name", Rule: "required", Message: "name must not be empty"})
	}
	if in.Version != nil {
		fieldErrs = append(fieldErrs, checkVersionInput("version.", *in.Version)...)
	}
	if len(fieldErrs) > 0 {
		return nil, apperr.Validation("invalid template update", fieldErrs)
	}

	var t *Template
	err := s.withVersionRetry(ctx, scope, id, "update template", func(ctx context.Context) error {
		// Version lock before row lock, the order CreateNewVersion uses.
		if in.Version != nil {
			if err := s.versions.Lock(ctx, scope.TenantID, id); err != nil {
				return err
			}
		}
		var err error
		if t, err = s.templates.GetForUpdate(ctx, scope.TenantID, id); err != nil {
			return err
		}
		if in.Name != nil {
			t.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			t.Description = in.Description
		}
		if in.CategoryID != nil && *in.CategoryID != t.CategoryID {
			if _, err := s.activeCategory(ctx, scope.TenantID, *in.CategoryID); err != nil {
				return err
			}
			t.CategoryID = *in.CategoryID
		}
		s.stampChanged(t, scope)
		if err := s.templates.Update(ctx, t); err != nil {
			return err
		}
		if in.Version == nil {
			return nil
		}
		v, err := s.appendVersion(ctx, scope, id, *in.Version)
		if err != nil {
			return err
		}
		t.CurrentVersionID = &v.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if in.Version != nil {
		s.metrics.VersionCreated()
	}
	s.invalidateTemplates(ctx, scope.TenantID)
	return t, nil
}

// Retire soft-deletes a template. Existing submissions keep their version.
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
		t, err := s.templates.GetForUpdate(ctx, scope.TenantID, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		t.Retired = true
		t.RetiredBy = &scope.ActorID
		t.DateRetired = &now
		t.RetireReason = &reason
		return s.templates.Update(ctx, t)
	})
	if err != nil {
		return apperr.Persistence("retire template", err)
	}
	s.invalidateTemplates(ctx, scope.TenantID)
	return nil
}

// -- Categories --

func (s *Service) CreateCategory(ctx context.Context, scope tenant.Scope, in CategoryInput) (*Category, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Validation("invalid category", []apperr.FieldError{
			{Path: "name", Rule: "required", Message: "name is required"},
		})
	}
	c := &Category{
		ID:          uuid.New(),
		TenantID:    scope.TenantID,
		Name:        in.Name,
		Description: in.Description,
		ParentID:    in.ParentID,
		Creator:     scope.ActorID,
		DateCreated: s.now().UTC(),
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.categories.LockTree(ctx, scope.TenantID); err != nil {
			return err
		}
		if in.ParentID != nil {
			if _, err := s.activeCategory(ctx, scope.TenantID, *in.ParentID); err != nil {
				return err
			}
		}
		return s.categories.Create(ctx, c)
	})
	if err != nil {
		return nil, apperr.Persistence("create category", err)
	}
	s.invalidateCategories(ctx, scope.TenantID)
	return c, nil
}

func (s *Service) GetCategory(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Category, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	key := cache.EntityKey(cache.EntityTemplateCategories, scope.TenantID, id)
	return cache.Load(ctx, s.cache, key, func() (*Category, error) {
		return s.activeCategory(ctx, scope.TenantID, id)
	})
}

func (s *Service) ListCategories(ctx context.Context, scope tenant.Scope, opts CategoryListOptions) ([]*Category, int, error) {
	if err := checkScope(scope); err != nil {
		return nil, 0, err
	}
	key := cache.ListKey(cache.EntityTemplateCategories, scope.TenantID, opts)
	p, err := cache.Load(ctx, s.cache, key, func() (page[*Category], error) {
		items, total, err := s.categories.List(ctx, scope.TenantID, opts)
		return page[*Category]{Items: items, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return p.Items, p.Total, nil
}

func (s *Service) UpdateCategory(ctx context.Context, scope tenant.Scope, id uuid.UUID, in UpdateCategoryInput) (*Category, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return nil, apperr.Validation("invalid category", []apperr.FieldError{
			{Path: "name", Rule: "required", Message: "name must not be empty"},
		})
	}
	var c *Category
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.categories.LockTree(ctx, scope.TenantID); err != nil {
			return err
		}
		var err error
		if c, err = s.activeCategory(ctx, scope.TenantID, id); err != nil {
			return err
		}
		if in.Name != nil {
			c.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			c.Description = in.Description
		}
		switch {
		case in.ClearParent:
			c.ParentID = nil
		case in.ParentID != nil:
			if err := s.checkParent(ctx, scope.TenantID, id, *in.ParentID); err != nil {
				return err
			}
			c.ParentID = in.ParentID
		}
		now := s.now().UTC()
		c.ChangedBy = &scope.ActorID
		c.DateChanged = &now
		return s.categories.Update(ctx, c)
	})
	if err != nil {
		return nil, apperr.Persistence("update category", err)
	}
	s.invalidateCategories(ctx, scope.TenantID)
	return c, nil
}

func (s *Service) RetireCategory(ctx context.Context, scope tenant.Scope, id uuid.UUID, reason string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return apperr.Validation("invalid retire request", []apperr.FieldError{
			{Path: "reason", Rule: "required", Message: "reason is required"},
		})
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.categories.LockTree(ctx, scope.TenantID); err != nil {
			return err
		}
		c, err := s.activeCategory(ctx, scope.TenantID, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		c.Retired = true
		c.RetiredBy = &scope.ActorID
		c.DateRetired = &now
		c.RetireReason = &reason
		return s.categories.Update(ctx, c)
	})
	if err != nil {
		return apperr.Persistence("retire category", err)
	}
	s.invalidateCategories(ctx, scope.TenantID)
	return nil
}

// checkParent walks the ancestors of parentID and rejects the link when id
// is among them. Callers hold the category tree lock.
func (s *Service) checkParent(ctx context.Context, tenantID string, id, parentID uuid.UUID) error {
	if parentID == id {
		return apperr.Conflict("category %s cannot be its own parent", id)
	}
	parent, err := s.activeCategory(ctx, tenantID, parentID)
	if err != nil {
		return err
	}
	seen := map[uuid.UUID]bool{parentID: true}
	for cur := parent.ParentID; cur != nil; {
		if *cur == id {
			return apperr.Conflict("moving category %s under %s would create a cycle", id, parentID)
		}
		if seen[*cur] {
			break
		}
		seen[*cur] = true
		anc, err := s.categories.GetByID(ctx, tenantID, *cur)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				break
			}
			return err
		}
		cur = anc.ParentID
	}
	return nil
}

func (s *Service) activeCategory(ctx context.Context, tenantID string, id uuid.UUID) (*Category, error) {
	c, err := s.categories.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c.Retired {
		return nil, apperr.NotFound("template category", id)
	}
	return c, nil
}

// -- helpers --

func (s *Service) stampChanged(t *Template, scope tenant.Scope) {
	now := s.now().UTC()
	t.ChangedBy = &scope.ActorID
	t.DateChanged = &now
}

func (s *Service) invalidateTemplates(ctx context.Context, tenantID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, cache.TenantPrefix(cache.EntityTemplates, tenantID))
	}
}

func (s *Service) invalidateCategories(ctx context.Context, tenantID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, cache.TenantPrefix(cache.EntityTemplateCategories, tenantID))
	}
}

func newVersion(scope tenant.Scope, templateID uuid.UUID, number int, in VersionInput, now time.Time) *Version {
	return &Version{
		ID:               uuid.New(),
		TenantID:         scope.TenantID,
		TemplateID:       templateID,
		Version:          number,
		Schema:           in.Schema,
		UISchema:         in.UISchema,
		ValidationSchema: in.ValidationSchema,
		ProcessingRules:  in.ProcessingRules,
		ChangeReason:     in.ChangeReason,
		Creator:          scope.ActorID,
		DateCreated:      now,
	}
}

// checkVersionInput compiles the validation schema and the processing rules
// so that a broken version is rejected before it is stored.
func checkVersionInput(prefix string, in VersionInput) []apperr.FieldError {
	var errs []apperr.FieldError
	if !isJSONObject(in.Schema) {
		errs = append(errs, apperr.FieldError{Path: prefix + "schema", Rule: "type", Message: "schema must be a JSON object"})
	}
	if len(in.UISchema) > 0 && !json.Valid(in.UISchema) {
		errs = append(errs, apperr.FieldError{Path: prefix + "ui_schema", Rule: "type", Message: "ui_schema must be valid JSON"})
	}
	if !isJSONObject(in.ValidationSchema) {
		errs = append(errs, apperr.FieldError{Path: prefix + "validation_schema", Rule: "type", Message: "validation_schema must be a JSON object"})
	} else if _, err := formschema.Compile(in.ValidationSchema); err != nil {
		errs = append(errs, apperr.FieldError{Path: prefix + "validation_schema", Rule: "schema", Message: err.Error()})
	}
	if _, err := rules.Compile(in.ProcessingRules); err != nil {
		path := prefix + "processing_rules"
		var ce *rules.CompileError
		if errors.As(err, &ce) {
			path = fmt.Sprintf("%s.%d", path, ce.Index)
		}
		errs = append(errs, apperr.FieldError{Path: path, Rule: "rule", Message: err.Error()})
	}
	return errs
}

func isJSONObject(doc json.RawMessage) bool {
	var obj map[string]interface{}
	return len(doc) > 0 && json.Unmarshal(doc, &obj) == nil && obj != nil
}

func checkScope(scope tenant.Scope) error {
	if err := scope.Validate(); err != nil {
		return apperr.Validation(err.Error(), nil)
	}
	return nil
}
