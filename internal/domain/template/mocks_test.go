package template

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/clindoc/internal/platform/apperr"
)

// -- Fake Transactor --

type txKey struct{}

type snapshotter interface {
	snapshot() (restore func())
}

// fakeTx serializes transactions and restores every registered repository
// when fn fails, mimicking a rollback.
type fakeTx struct {
	mu    sync.Mutex
	repos []snapshotter
	began int
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.began++
	restores := make([]func(), 0, len(f.repos))
	for _, r := range f.repos {
		restores = append(restores, r.snapshot())
	}
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

// -- Mock Repositories --

type mockTemplateRepo struct {
	mu         sync.Mutex
	items      map[uuid.UUID]Template
	rowLocks   int
	unlockedTx int // GetForUpdate calls made outside a transaction
}

func newMockTemplateRepo() *mockTemplateRepo {
	return &mockTemplateRepo{items: make(map[uuid.UUID]Template)}
}

func (m *mockTemplateRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]Template, len(m.items))
	for k, v := range m.items {
		saved[k] = v
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.items = saved
		m.mu.Unlock()
	}
}

func (m *mockTemplateRepo) Create(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[t.ID] = *t
	return nil
}

func (m *mockTemplateRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.TenantID != tenantID || t.Retired {
		return nil, apperr.NotFound("template", id)
	}
	return &t, nil
}

func (m *mockTemplateRepo) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Template, error) {
	m.mu.Lock()
	m.rowLocks++
	if ctx.Value(txKey{}) == nil {
		m.unlockedTx++
	}
	m.mu.Unlock()
	return m.GetByID(ctx, tenantID, id)
}

func (m *mockTemplateRepo) Update(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[t.ID]
	if !ok || cur.TenantID != t.TenantID {
		return apperr.NotFound("template", t.ID)
	}
	next := *t
	next.CurrentVersionID = cur.CurrentVersionID
	next.Versions = nil
	m.items[t.ID] = next
	return nil
}

func (m *mockTemplateRepo) SetCurrentVersion(_ context.Context, tenantID string, id, versionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.TenantID != tenantID {
		return apperr.NotFound("template", id)
	}
	t.CurrentVersionID = &versionID
	m.items[id] = t
	return nil
}

func (m *mockTemplateRepo) List(_ context.Context, tenantID string, opts ListOptions) ([]*Template, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Template
	for _, t := range m.items {
		t := t
		if t.TenantID != tenantID || t.Retired {
			continue
		}
		if opts.CategoryID != nil && t.CategoryID != *opts.CategoryID {
			continue
		}
		if opts.IsPublished != nil && t.IsPublished != *opts.IsPublished {
			continue
		}
		if opts.Search != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(opts.Search)) {
			continue
		}
		result = append(result, &t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, len(result), nil
}

type mockVersionRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]Version
	conflicts int // forced ErrVersionConflict results left
	createErr error
	locks     int
}

func newMockVersionRepo() *mockVersionRepo {
	return &mockVersionRepo{items: make(map[uuid.UUID]Version)}
}

func (m *mockVersionRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]Version, len(m.items))
	for k, v := range m.items {
		saved[k] = v
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.items = saved
		m.mu.Unlock()
	}
}

func (m *mockVersionRepo) Lock(ctx context.Context, _ string, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks++
	return nil
}

func (m *mockVersionRepo) Create(_ context.Context, v *Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.conflicts > 0 {
		m.conflicts--
		return ErrVersionConflict
	}
	for _, existing := range m.items {
		if existing.TenantID == v.TenantID && existing.TemplateID == v.TemplateID && existing.Version == v.Version {
			return ErrVersionConflict
		}
	}
	m.items[v.ID] = *v
	return nil
}

func (m *mockVersionRepo) GetByID(_ context.Context, tenantID string, templateID, id uuid.UUID) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[id]
	if !ok || v.TenantID != tenantID || v.TemplateID != templateID {
		return nil, apperr.NotFound("template version", id)
	}
	return &v, nil
}

func (m *mockVersionRepo) GetLatest(ctx context.Context, tenantID string, templateID uuid.UUID) (*Version, error) {
	all, _ := m.ListByTemplate(ctx, tenantID, templateID)
	if len(all) == 0 {
		return nil, apperr.NotFound("template version", templateID)
	}
	return all[len(all)-1], nil
}

func (m *mockVersionRepo) MaxVersion(ctx context.Context, tenantID string, templateID uuid.UUID) (int, error) {
	latest, err := m.GetLatest(ctx, tenantID, templateID)
	if err != nil {
		return 0, nil
	}
	return latest.Version, nil
}

func (m *mockVersionRepo) ListByTemplate(_ context.Context, tenantID string, templateID uuid.UUID) ([]*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Version
	for _, v := range m.items {
		v := v
		if v.TenantID == tenantID && v.TemplateID == templateID {
			result = append(result, &v)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

type mockCategoryRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]Category
	treeLocks int
}

func newMockCategoryRepo() *mockCategoryRepo {
	return &mockCategoryRepo{items: make(map[uuid.UUID]Category)}
}

func (m *mockCategoryRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]Category, len(m.items))
	for k, v := range m.items {
		saved[k] = v
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.items = saved
		m.mu.Unlock()
	}
}

func (m *mockCategoryRepo) LockTree(ctx context.Context, _ string) error {
	if ctx.Value(txKey{}) == nil {
		return errors.New("category tree lock requires a transaction")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treeLocks++
	return nil
}

func (m *mockCategoryRepo) Create(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = *c
	return nil
}

func (m *mockCategoryRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("template category", id)
	}
	return &c, nil
}

func (m *mockCategoryRepo) Update(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[c.ID]; !ok {
		return apperr.NotFound("template category", c.ID)
	}
	m.items[c.ID] = *c
	return nil
}

func (m *mockCategoryRepo) List(_ context.Context, tenantID string, opts CategoryListOptions) ([]*Category, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Category
	for _, c := range m.items {
		c := c
		if c.TenantID != tenantID || c.Retired {
			continue
		}
		if opts.ParentID != nil && (c.ParentID == nil || *c.ParentID != *opts.ParentID) {
			continue
		}
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, len(result), nil
}
