package formcomponent

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

// -- Mock Repositories --

type mockComponentRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]Component
	listCalls int
}

func newMockComponentRepo() *mockComponentRepo {
	return &mockComponentRepo{items: make(map[uuid.UUID]Component)}
}

func (m *mockComponentRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]Component, len(m.items))
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

func (m *mockComponentRepo) Create(_ context.Context, c *Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = *c
	return nil
}

func (m *mockComponentRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID || c.Retired {
		return nil, apperr.NotFound("form component", id)
	}
	return &c, nil
}

func (m *mockComponentRepo) Update(_ context.Context, c *Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[c.ID]; !ok || cur.TenantID != c.TenantID {
		return apperr.NotFound("form component", c.ID)
	}
	m.items[c.ID] = *c
	return nil
}

func (m *mockComponentRepo) List(_ context.Context, tenantID string, opts ListOptions) ([]*Component, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var result []*Component
	for _, c := range m.items {
		c := c
		if c.TenantID != tenantID || c.Retired {
			continue
		}
		if opts.Type != nil && c.Type != *opts.Type {
			continue
		}
		if opts.Search != "" && !strings.Contains(strings.ToLower(c.Label), strings.ToLower(opts.Search)) {
			continue
		}
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Label < result[j].Label })
	return result, len(result), nil
}

type mockHistoryRepo struct {
	mu        sync.Mutex
	items     []History
	appendErr error
}

func (m *mockHistoryRepo) snapshot() func() {
	m.mu.Lock()
	saved := append([]History(nil), m.items...)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.items = saved
		m.mu.Unlock()
	}
}

func (m *mockHistoryRepo) Append(_ context.Context, h *History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.items = append(m.items, *h)
	return nil
}

func (m *mockHistoryRepo) ListByComponent(_ context.Context, tenantID string, componentID uuid.UUID, limit, offset int) ([]*History, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*History
	for i := len(m.items) - 1; i >= 0; i-- {
		h := m.items[i]
		if h.TenantID == tenantID && h.ComponentID == componentID {
			all = append(all, &h)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

var errDiskFull = errors.New("disk full")
