package formdata

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/clindoc/internal/domain/template"
	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/tenant"
)

type txKey struct{}

type snapshotter interface {
	snapshot() (restore func())
}

type fakeTx struct {
	mu    sync.Mutex
	repos []snapshotter
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
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

// -- Template source --

type fakeTemplates struct {
	mu       sync.Mutex
	versions map[uuid.UUID][]*template.Version // template id -> versions, ascending
	tenants  map[uuid.UUID]string
	retired  map[uuid.UUID]bool
}

func newFakeTemplates() *fakeTemplates {
	return &fakeTemplates{
		versions: make(map[uuid.UUID][]*template.Version),
		tenants:  make(map[uuid.UUID]string),
		retired:  make(map[uuid.UUID]bool),
	}
}

func (f *fakeTemplates) retire(templateID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retired[templateID] = true
}

// live must be called with f.mu held.
func (f *fakeTemplates) live(scope tenant.Scope, templateID uuid.UUID) bool {
	return len(f.versions[templateID]) > 0 && f.tenants[templateID] == scope.TenantID && !f.retired[templateID]
}

func (f *fakeTemplates) Get(_ context.Context, scope tenant.Scope, templateID uuid.UUID) (*template.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live(scope, templateID) {
		return nil, apperr.NotFound("template", templateID)
	}
	vs := f.versions[templateID]
	current := vs[len(vs)-1].ID
	return &template.Template{ID: templateID, TenantID: scope.TenantID, CurrentVersionID: &current}, nil
}

// addVersion appends a version with the given validation schema and rules
// and makes it current.
func (f *fakeTemplates) addVersion(tenantID string, templateID uuid.UUID, schema string, rulesDoc string) *template.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := &template.Version{
		ID:               uuid.New(),
		TenantID:         tenantID,
		TemplateID:       templateID,
		Version:          len(f.versions[templateID]) + 1,
		Schema:           json.RawMessage(`{}`),
		ValidationSchema: json.RawMessage(schema),
	}
	if rulesDoc != "" {
		if err := json.Unmarshal([]byte(rulesDoc), &v.ProcessingRules); err != nil {
			panic(err)
		}
	}
	f.versions[templateID] = append(f.versions[templateID], v)
	f.tenants[templateID] = tenantID
	return v
}

func (f *fakeTemplates) CurrentVersion(_ context.Context, scope tenant.Scope, templateID uuid.UUID) (*template.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live(scope, templateID) {
		return nil, apperr.NotFound("template", templateID)
	}
	vs := f.versions[templateID]
	return vs[len(vs)-1], nil
}

func (f *fakeTemplates) GetVersion(_ context.Context, scope tenant.Scope, templateID, versionID uuid.UUID) (*template.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tenants[templateID] == scope.TenantID {
		for _, v := range f.versions[templateID] {
			if v.ID == versionID {
				return v, nil
			}
		}
	}
	return nil, apperr.NotFound("template version", versionID)
}

// -- Mock Repositories --

type mockFormRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]FormData
	createErr error
}

func newMockFormRepo() *mockFormRepo {
	return &mockFormRepo{items: make(map[uuid.UUID]FormData)}
}

func (m *mockFormRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]FormData, len(m.items))
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

func (m *mockFormRepo) Create(_ context.Context, f *FormData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.items[f.ID] = *f
	return nil
}

func (m *mockFormRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*FormData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.items[id]
	if !ok || f.TenantID != tenantID || f.Voided {
		return nil, apperr.NotFound("form data", id)
	}
	return &f, nil
}

func (m *mockFormRepo) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*FormData, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m *mockFormRepo) Update(_ context.Context, f *FormData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[f.ID]; !ok {
		return apperr.NotFound("form data", f.ID)
	}
	m.items[f.ID] = *f
	return nil
}

func (m *mockFormRepo) List(_ context.Context, tenantID string, opts ListOptions) ([]*FormData, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*FormData
	for _, f := range m.items {
		f := f
		if f.TenantID != tenantID || f.Voided {
			continue
		}
		if opts.PatientID != nil && f.PatientID != *opts.PatientID {
			continue
		}
		if opts.TemplateID != nil && f.TemplateID != *opts.TemplateID {
			continue
		}
		if opts.Status != nil && f.Status != *opts.Status {
			continue
		}
		result = append(result, &f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DateCreated.After(result[j].DateCreated) })
	return result, len(result), nil
}

type mockHistoryRepo struct {
	mu    sync.Mutex
	items []StatusHistory
}

func (m *mockHistoryRepo) snapshot() func() {
	m.mu.Lock()
	saved := append([]StatusHistory(nil), m.items...)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.items = saved
		m.mu.Unlock()
	}
}

func (m *mockHistoryRepo) Append(_ context.Context, h *StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, *h)
	return nil
}

func (m *mockHistoryRepo) ListByForm(_ context.Context, tenantID string, formID uuid.UUID) ([]*StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*StatusHistory
	for _, h := range m.items {
		h := h
		if h.TenantID == tenantID && h.FormDataID == formID {
			result = append(result, &h)
		}
	}
	return result, nil
}
