package formcomponent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/db"
)

// =========== Component Repository ===========

type componentRepoPG struct{ pool *pgxpool.Pool }

func NewComponentRepoPG(pool *pgxpool.Pool) ComponentRepository { return &componentRepoPG{pool: pool} }

const componentCols = `id, tenant_id, type, label, description, required, validation, properties,
	creator, date_created, changed_by, date_changed,
	retired, retired_by, date_retired, retire_reason`

func scanComponent(row pgx.Row) (*Component, error) {
	var (
		c                 Component
		validation, props []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Type, &c.Label, &c.Description, &c.Required, &validation, &props,
		&c.Creator, &c.DateCreated, &c.ChangedBy, &c.DateChanged,
		&c.Retired, &c.RetiredBy, &c.DateRetired, &c.RetireReason)
	if err != nil {
		return nil, err
	}
	if len(validation) > 0 {
		if err := json.Unmarshal(validation, &c.Validation); err != nil {
			return nil, fmt.Errorf("decode validation of component %s: %w", c.ID, err)
		}
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &c.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of component %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func encodeDocs(c *Component) (validation, props []byte, err error) {
	if validation, err = json.Marshal(nonNilRules(c.Validation)); err != nil {
		return nil, nil, fmt.Errorf("encode validation: %w", err)
	}
	if props, err = json.Marshal(nonNilProps(c.Properties)); err != nil {
		return nil, nil, fmt.Errorf("encode properties: %w", err)
	}
	return validation, props, nil
}

func (r *componentRepoPG) Create(ctx context.Context, c *Component) error {
	validation, props, err := encodeDocs(c)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO form_components (id, tenant_id, type, label, description, required,
			validation, properties, creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.TenantID, c.Type, c.Label, c.Description, c.Required,
		validation, props, c.Creator, c.DateCreated)
	return err
}

func (r *componentRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Component, error) {
	c, err := scanComponent(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+componentCols+` FROM form_components
		WHERE tenant_id = $1 AND id = $2 AND retired = false`, tenantID, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("form component", id)
	}
	return c, err
}

func (r *componentRepoPG) Update(ctx context.Context, c *Component) error {
	validation, props, err := encodeDocs(c)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE form_components SET label=$3, description=$4, required=$5, validation=$6,
			properties=$7, changed_by=$8, date_changed=$9,
			retired=$10, retired_by=$11, date_retired=$12, retire_reason=$13
		WHERE tenant_id = $1 AND id = $2`,
		c.TenantID, c.ID, c.Label, c.Description, c.Required, validation,
		props, c.ChangedBy, c.DateChanged,
		c.Retired, c.RetiredBy, c.DateRetired, c.RetireReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("form component", c.ID)
	}
	return nil
}

func (r *componentRepoPG) List(ctx context.Context, tenantID string, opts ListOptions) ([]*Component, int, error) {
	q := db.NewListQuery("form_components", componentCols).
		Eq("tenant_id", tenantID).
		Raw("retired = false").
		Search(opts.Search, "label", "description").
		OrderBy("label, id")
	if opts.Type != nil {
		q.Eq("type", *opts.Type)
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// =========== History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

func (r *historyRepoPG) Append(ctx context.Context, h *History) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO form_component_history (id, tenant_id, component_id, action, changes,
			reason, creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.ID, h.TenantID, h.ComponentID, h.Action, []byte(h.Changes),
		h.Reason, h.Creator, h.DateCreated)
	return err
}

func (r *historyRepoPG) ListByComponent(ctx context.Context, tenantID string, componentID uuid.UUID, limit, offset int) ([]*History, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM form_component_history
		WHERE tenant_id = $1 AND component_id = $2`, tenantID, componentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `
		SELECT id, tenant_id, component_id, action, changes, reason, creator, date_created
		FROM form_component_history
		WHERE tenant_id = $1 AND component_id = $2
		ORDER BY date_created DESC, id
		LIMIT $3 OFFSET $4`, tenantID, componentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*History
	for rows.Next() {
		var (
			h       History
			changes []byte
		)
		if err := rows.Scan(&h.ID, &h.TenantID, &h.ComponentID, &h.Action, &changes,
			&h.Reason, &h.Creator, &h.DateCreated); err != nil {
			return nil, 0, err
		}
		h.Changes = changes
		items = append(items, &h)
	}
	return items, total, rows.Err()
}

func nonNilRules(rs []ValidationRule) []ValidationRule {
	if rs == nil {
		return []ValidationRule{}
	}
	return rs
}

func nonNilProps(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	return p
}
