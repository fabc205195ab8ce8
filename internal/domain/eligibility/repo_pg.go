package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type checkRepoPG struct{ pool *pgxpool.Pool }

func NewCheckRepoPG(pool *pgxpool.Pool) CheckRepository {
	return &checkRepoPG{pool: pool}
}

const checkCols = `id, seq, clinic_id, task_id, patient_id, patient_mpi, appointment_id, encounter_id,
	payer_id, search_all, status, result, enriched_result, interim_results,
	polling_attempts, error, created_at, updated_at, completed_at`

const pgUniqueViolation = "23505"

func (r *checkRepoPG) scanCheck(row pgx.Row) (*CheckRecord, error) {
	var c CheckRecord
	var interim []byte
	err := row.Scan(&c.ID, &c.Seq, &c.ClinicID, &c.TaskID, &c.PatientID, &c.PatientMPI, &c.AppointmentID, &c.EncounterID,
		&c.PayerID, &c.SearchAll, &c.Status, &c.Result, &c.EnrichedResult, &interim,
		&c.PollingAttempts, &c.Error, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(interim) > 0 {
		c.InterimResults = &InterimResults{}
		if err := json.Unmarshal(interim, c.InterimResults); err != nil {
			return nil, fmt.Errorf("decode interim results: %w", err)
		}
	}
	return &c, nil
}

func interimJSON(i *InterimResults) ([]byte, error) {
	if i.empty() {
		return nil, nil
	}
	return json.Marshal(i)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (r *checkRepoPG) Create(ctx context.Context, c *CheckRecord) error {
	c.ID = uuid.New()
	interim, err := interimJSON(c.InterimResults)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO eligibility_check (id, clinic_id, task_id, patient_id, patient_mpi, appointment_id, encounter_id,
			payer_id, search_all, status, result, enriched_result, interim_results,
			polling_attempts, error, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING seq`,
		c.ID, c.ClinicID, c.TaskID, c.PatientID, c.PatientMPI, c.AppointmentID, c.EncounterID,
		c.PayerID, c.SearchAll, c.Status, nullableJSON(c.Result), nullableJSON(c.EnrichedResult), interim,
		c.PollingAttempts, c.Error, c.CreatedAt, c.UpdatedAt, c.CompletedAt).Scan(&c.Seq)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateTask
	}
	return err
}

func (r *checkRepoPG) GetByID(ctx context.Context, clinicID string, id uuid.UUID) (*CheckRecord, error) {
	return r.scanCheck(r.pool.QueryRow(ctx, `SELECT `+checkCols+` FROM eligibility_check WHERE clinic_id = $1 AND id = $2`, clinicID, id))
}

func (r *checkRepoPG) GetByTaskID(ctx context.Context, clinicID, taskID string) (*CheckRecord, error) {
	return r.scanCheck(r.pool.QueryRow(ctx, `SELECT `+checkCols+` FROM eligibility_check WHERE clinic_id = $1 AND task_id = $2`, clinicID, taskID))
}

func (r *checkRepoPG) MutateByID(ctx context.Context, clinicID string, id uuid.UUID, fn MutateFunc) (*CheckRecord, error) {
	return r.mutate(ctx, `SELECT `+checkCols+` FROM eligibility_check WHERE clinic_id = $1 AND id = $2 FOR UPDATE`, fn, clinicID, id)
}

func (r *checkRepoPG) MutateByTaskID(ctx context.Context, clinicID, taskID string, fn MutateFunc) (*CheckRecord, error) {
	return r.mutate(ctx, `SELECT `+checkCols+` FROM eligibility_check WHERE clinic_id = $1 AND task_id = $2 FOR UPDATE`, fn, clinicID, taskID)
}

// mutate locks the row so concurrent pollers writing the same task id are
// serialized and each merge sees the latest committed state.
func (r *checkRepoPG) mutate(ctx context.Context, selectSQL string, fn MutateFunc, args ...interface{}) (*CheckRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := r.scanCheck(tx.QueryRow(ctx, selectSQL, args...))
	if err != nil {
		return nil, err
	}
	changed, err := fn(c, time.Now().UTC())
	if err != nil {
		return c, err
	}
	if !changed {
		return c, tx.Commit(ctx)
	}
	if err := r.update(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, tx.Commit(ctx)
}

func (r *checkRepoPG) update(ctx context.Context, q queryable, c *CheckRecord) error {
	interim, err := interimJSON(c.InterimResults)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		UPDATE eligibility_check SET patient_id=$2, patient_mpi=$3, appointment_id=$4, encounter_id=$5,
			status=$6, result=$7, enriched_result=$8, interim_results=$9, polling_attempts=$10,
			error=$11, updated_at=$12, completed_at=$13
		WHERE id = $1`,
		c.ID, c.PatientID, c.PatientMPI, c.AppointmentID, c.EncounterID,
		c.Status, nullableJSON(c.Result), nullableJSON(c.EnrichedResult), interim, c.PollingAttempts,
		c.Error, c.UpdatedAt, c.CompletedAt)
	return err
}

func (r *checkRepoPG) Delete(ctx context.Context, clinicID string, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM eligibility_check WHERE clinic_id = $1 AND id = $2`, clinicID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *checkRepoPG) DeleteAll(ctx context.Context, clinicID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM eligibility_check WHERE clinic_id = $1`, clinicID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *checkRepoPG) ActiveClinics(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT clinic_id FROM eligibility_check
		WHERE status IN ('pending', 'processing') ORDER BY clinic_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clinics []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		clinics = append(clinics, id)
	}
	return clinics, rows.Err()
}

func buildFilter(clinicID string, f Filter) (string, []interface{}) {
	where := []string{"clinic_id = $1"}
	args := []interface{}{clinicID}
	add := func(col string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.TaskID != "" {
		add("task_id", f.TaskID)
	}
	if f.PatientID != "" {
		add("patient_id", f.PatientID)
	}
	if f.PatientMPI != "" {
		add("patient_mpi", f.PatientMPI)
	}
	if f.AppointmentID != "" {
		add("appointment_id", f.AppointmentID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (r *checkRepoPG) List(ctx context.Context, clinicID string, f Filter, limit, offset int) ([]*CheckRecord, int, error) {
	where, args := buildFilter(clinicID, f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM eligibility_check WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + checkCols + ` FROM eligibility_check WHERE ` + where + ` ORDER BY created_at DESC, seq ASC`
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CheckRecord
	for rows.Next() {
		c, err := r.scanCheck(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
