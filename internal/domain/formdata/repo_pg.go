package formdata

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

// =========== FormData Repository ===========

type formDataRepoPG struct{ pool *pgxpool.Pool }

func NewFormDataRepoPG(pool *pgxpool.Pool) FormDataRepository { return &formDataRepoPG{pool: pool} }

const formDataCols = `id, tenant_id, template_id, template_version_id, patient_id, encounter_id,
	form_data, status, creator, date_created, changed_by, date_changed,
	voided, voided_by, date_voided, void_reason`

func scanFormData(row pgx.Row) (*FormData, error) {
	var (
		f   FormData
		doc []byte
	)
	err := row.Scan(&f.ID, &f.TenantID, &f.TemplateID, &f.TemplateVersionID, &f.PatientID, &f.EncounterID,
		&doc, &f.Status, &f.Creator, &f.DateCreated, &f.ChangedBy, &f.DateChanged,
		&f.Voided, &f.VoidedBy, &f.DateVoided, &f.VoidReason)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &f.FormData); err != nil {
		return nil, fmt.Errorf("decode form data %s: %w", f.ID, err)
	}
	return &f, nil
}

func (r *formDataRepoPG) Create(ctx context.Context, f *FormData) error {
	doc, err := json.Marshal(f.FormData)
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO form_data (id, tenant_id, template_id, template_version_id, patient_id,
			encounter_id, form_data, status, creator, date_created)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.TenantID, f.TemplateID, f.TemplateVersionID, f.PatientID,
		f.EncounterID, doc, f.Status, f.Creator, f.DateCreated)
	return err
}

func (r *formDataRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*FormData, error) {
	return r.get(ctx, tenantID, id, "")
}

func (r *formDataRepoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*FormData, error) {
	return r.get(ctx, tenantID, id, " FOR UPDATE")
}

func (r *formDataRepoPG) get(ctx context.Context, tenantID string, id uuid.UUID, lock string) (*FormData, error) {
	f, err := scanFormData(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+formDataCols+` FROM form_data
		WHERE tenant_id = $1 AND id = $2 AND voided = false`+lock, tenantID, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("form data", id)
	}
	return f, err
}

func (r *formDataRepoPG) Update(ctx context.Context, f *FormData) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE form_data SET status=$3, changed_by=$4, date_changed=$5,
			voided=$6, voided_by=$7, date_voided=$8, void_reason=$9
		WHERE tenant_id = $1 AND id = $2`,
		f.TenantID, f.ID, f.Status, f.ChangedBy, f.DateChanged,
		f.Voided, f.VoidedBy, f.DateVoided, f.VoidReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("form data", f.ID)
	}
	return nil
}

func (r *formDataRepoPG) List(ctx context.Context, tenantID string, opts ListOptions) ([]*FormData, int, error) {
	q := db.NewListQuery("form_data", formDataCols).
		Eq("tenant_id", tenantID).
		Raw("voided = false").
		OrderBy("date_created DESC, id")
	if opts.PatientID != nil {
		q.Eq("patient_id", *opts.PatientID)
	}
	if opts.TemplateID != nil {
		q.Eq("template_id", *opts.TemplateID)
	}
	if opts.EncounterID != nil {
		q.Eq("encounter_id", *opts.EncounterID)
	}
	if opts.Status != nil {
		q.Eq("status", *opts.Status)
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
	var items []*FormData
	for rows.Next() {
		f, err := scanFormData(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}

// =========== Status History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewStatusHistoryRepoPG(pool *pgxpool.Pool) StatusHistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) Append(ctx context.Context, h *StatusHistory) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO form_status_history (id, tenant_id, form_data_id, from_status, to_status,
			voided, reason, changed_by, date_changed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		h.ID, h.TenantID, h.FormDataID, h.FromStatus, h.ToStatus,
		h.Voided, h.Reason, h.ChangedBy, h.DateChanged)
	return err
}

func (r *historyRepoPG) ListByForm(ctx context.Context, tenantID string, formID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, tenant_id, form_data_id, from_status, to_status, voided, reason,
			changed_by, date_changed
		FROM form_status_history
		WHERE tenant_id = $1 AND form_data_id = $2
		ORDER BY date_changed, id`, tenantID, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.TenantID, &h.FormDataID, &h.FromStatus, &h.ToStatus,
			&h.Voided, &h.Reason, &h.ChangedBy, &h.DateChanged); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}
