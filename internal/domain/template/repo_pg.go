package template

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clindoc/internal/platform/apperr"
	"github.com/ehr/clindoc/internal/platform/db"
	"github.com/ehr/clindoc/internal/platform/rules"
)

// versionKeyConstraint backs the advisory lock taken by Lock.
const versionKeyConstraint = "template_versions_tenant_template_version_key"

// =========== Template Repository ===========

type templateRepoPG struct{ pool *pgxpool.Pool }

func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository { return &templateRepoPG{pool: pool} }

const templateCols = `id, tenant_id, name, description, category_id, is_published,
	current_version_id, creator, date_created, changed_by, date_changed,
	retired, retired_by, date_retired, retire_reason`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Description, &t.CategoryID, &t.IsPublished,
		&t.CurrentVersionID, &t.Creator, &t.DateCreated, &t.ChangedBy, &t.DateChanged,
		&t.Retired, &t.RetiredBy, &t.DateRetired, &t.RetireReason)
	return &t, err
}

func (r *templateRepoPG) Create(ctx context.Context, t *Template) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO clinical_templates (id, tenant_id, name, description, category_id,
			is_published, creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.TenantID, t.Name, t.Description, t.CategoryID,
		t.IsPublished, t.Creator, t.DateCreated)
	if db.IsForeignKeyViolation(err) {
		return apperr.NotFound("template category", t.CategoryID)
	}
	return err
}

func (r *templateRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Template, error) {
	return r.get(ctx, tenantID, id, "")
}

func (r *templateRepoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Template, error) {
	return r.get(ctx, tenantID, id, " FOR UPDATE")
}

func (r *templateRepoPG) get(ctx context.Context, tenantID string, id uuid.UUID, lock string) (*Template, error) {
	t, err := scanTemplate(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+templateCols+` FROM clinical_templates
		WHERE tenant_id = $1 AND id = $2 AND retired = false`+lock, tenantID, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("template", id)
	}
	return t, err
}

func (r *templateRepoPG) Update(ctx context.Context, t *Template) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE clinical_templates SET name=$3, description=$4, category_id=$5, is_published=$6,
			changed_by=$7, date_changed=$8, retired=$9, retired_by=$10, date_retired=$11,
			retire_reason=$12
		WHERE tenant_id = $1 AND id = $2`,
		t.TenantID, t.ID, t.Name, t.Description, t.CategoryID, t.IsPublished,
		t.ChangedBy, t.DateChanged, t.Retired, t.RetiredBy, t.DateRetired, t.RetireReason)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return apperr.NotFound("template category", t.CategoryID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("template", t.ID)
	}
	return nil
}

func (r *templateRepoPG) SetCurrentVersion(ctx context.Context, tenantID string, id, versionID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE clinical_templates SET current_version_id = $3
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, versionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("template", id)
	}
	return nil
}

func (r *templateRepoPG) List(ctx context.Context, tenantID string, opts ListOptions) ([]*Template, int, error) {
	q := db.NewListQuery("clinical_templates", templateCols).
		Eq("tenant_id", tenantID).
		Raw("retired = false").
		Search(opts.Search, "name", "description").
		OrderBy("name, date_created")
	if opts.CategoryID != nil {
		q.Eq("category_id", *opts.CategoryID)
	}
	if opts.IsPublished != nil {
		q.Eq("is_published", *opts.IsPublished)
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
	var items []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// =========== Version Repository ===========

type versionRepoPG struct{ pool *pgxpool.Pool }

func NewVersionRepoPG(pool *pgxpool.Pool) VersionRepository { return &versionRepoPG{pool: pool} }

const versionCols = `id, tenant_id, template_id, version, schema, ui_schema,
	validation_schema, processing_rules, change_reason, creator, date_created`

func scanVersion(row pgx.Row) (*Version, error) {
	var (
		v                          Version
		schema, ui, valid, ruleDoc []byte
	)
	err := row.Scan(&v.ID, &v.TenantID, &v.TemplateID, &v.Version, &schema, &ui,
		&valid, &ruleDoc, &v.ChangeReason, &v.Creator, &v.DateCreated)
	if err != nil {
		return nil, err
	}
	v.Schema = schema
	v.UISchema = ui
	v.ValidationSchema = valid
	if len(ruleDoc) > 0 {
		if err := json.Unmarshal(ruleDoc, &v.ProcessingRules); err != nil {
			return nil, fmt.Errorf("decode processing rules of version %s: %w", v.ID, err)
		}
	}
	return &v, nil
}

func (r *versionRepoPG) Lock(ctx context.Context, tenantID string, templateID uuid.UUID) error {
	if db.TxFromContext(ctx) == nil {
		return fmt.Errorf("version lock requires a transaction")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID+":"+templateID.String())
	return err
}

func (r *versionRepoPG) Create(ctx context.Context, v *Version) error {
	ruleDoc, err := json.Marshal(nonNilRules(v.ProcessingRules))
	if err != nil {
		return fmt.Errorf("encode processing rules: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO template_versions (id, tenant_id, template_id, version, schema, ui_schema,
			validation_schema, processing_rules, change_reason, creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		v.ID, v.TenantID, v.TemplateID, v.Version, []byte(v.Schema), nullableJSON(v.UISchema),
		[]byte(v.ValidationSchema), ruleDoc, v.ChangeReason, v.Creator, v.DateCreated)
	if db.IsUniqueViolation(err, versionKeyConstraint) {
		return ErrVersionConflict
	}
	return err
}

func (r *versionRepoPG) GetByID(ctx context.Context, tenantID string, templateID, id uuid.UUID) (*Version, error) {
	v, err := scanVersion(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+versionCols+` FROM template_versions
		WHERE tenant_id = $1 AND template_id = $2 AND id = $3`, tenantID, templateID, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("template version", id)
	}
	return v, err
}

func (r *versionRepoPG) GetLatest(ctx context.Context, tenantID string, templateID uuid.UUID) (*Version, error) {
	v, err := scanVersion(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+versionCols+` FROM template_versions
		WHERE tenant_id = $1 AND template_id = $2
		ORDER BY version DESC LIMIT 1`, tenantID, templateID))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("template version", templateID)
	}
	return v, err
}

func (r *versionRepoPG) MaxVersion(ctx context.Context, tenantID string, templateID uuid.UUID) (int, error) {
	var highest int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM template_versions
		WHERE tenant_id = $1 AND template_id = $2`, tenantID, templateID).Scan(&highest)
	return highest, err
}

func (r *versionRepoPG) ListByTemplate(ctx context.Context, tenantID string, templateID uuid.UUID) ([]*Version, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+versionCols+` FROM template_versions
		WHERE tenant_id = $1 AND template_id = $2 ORDER BY version`, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func nonNilRules(rs []rules.Rule) []rules.Rule {
	if rs == nil {
		return []rules.Rule{}
	}
	return rs
}

func nullableJSON(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	return []byte(doc)
}

// =========== Category Repository ===========

type categoryRepoPG struct{ pool *pgxpool.Pool }

func NewCategoryRepoPG(pool *pgxpool.Pool) CategoryRepository { return &categoryRepoPG{pool: pool} }

const categoryCols = `id, tenant_id, name, description, parent_id, creator, date_created,
	changed_by, date_changed, retired, retired_by, date_retired, retire_reason`

func scanCategory(row pgx.Row) (*Category, error) {
	var c Category
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Description, &c.ParentID, &c.Creator,
		&c.DateCreated, &c.ChangedBy, &c.DateChanged, &c.Retired, &c.RetiredBy,
		&c.DateRetired, &c.RetireReason)
	return &c, err
}

func (r *categoryRepoPG) LockTree(ctx context.Context, tenantID string) error {
	if db.TxFromContext(ctx) == nil {
		return fmt.Errorf("category tree lock requires a transaction")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "template_categories:"+tenantID)
	return err
}

func (r *categoryRepoPG) Create(ctx context.Context, c *Category) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO template_categories (id, tenant_id, name, description, parent_id,
			creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.TenantID, c.Name, c.Description, c.ParentID, c.Creator, c.DateCreated)
	return err
}

func (r *categoryRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Category, error) {
	c, err := scanCategory(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+categoryCols+` FROM template_categories WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("template category", id)
	}
	return c, err
}

func (r *categoryRepoPG) Update(ctx context.Context, c *Category) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE template_categories SET name=$3, description=$4, parent_id=$5,
			changed_by=$6, date_changed=$7, retired=$8, retired_by=$9, date_retired=$10,
			retire_reason=$11
		WHERE tenant_id = $1 AND id = $2`,
		c.TenantID, c.ID, c.Name, c.Description, c.ParentID, c.ChangedBy, c.DateChanged,
		c.Retired, c.RetiredBy, c.DateRetired, c.RetireReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("template category", c.ID)
	}
	return nil
}

func (r *categoryRepoPG) List(ctx context.Context, tenantID string, opts CategoryListOptions) ([]*Category, int, error) {
	q := db.NewListQuery("template_categories", categoryCols).
		Eq("tenant_id", tenantID).
		Raw("retired = false").
		Search(opts.Search, "name").
		OrderBy("name")
	if opts.ParentID != nil {
		q.Eq("parent_id", *opts.ParentID)
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
	var items []*Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
