package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
)

func (u *UnitOfWork) requireTask(ctx context.Context, kind, taskID string) (domain.Task, error) {
	t, err := u.GetTask(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return t, domain.Errorf(domain.ErrValidation, "%s: task %q not in catalog", kind, taskID)
	}
	return t, err
}

func (u *UnitOfWork) requireInstrument(ctx context.Context, kind, name string) error {
	_, err := getInstrument(ctx, u.tx, name)
	if errors.Is(err, ErrNotFound) {
		return domain.Errorf(domain.ErrValidation, "%s: instrument %q not in catalog", kind, name)
	}
	return err
}

// CreateReductionResult stores the output bundle of one task. A task has at most one result.
func (u *UnitOfWork) CreateReductionResult(ctx context.Context, res domain.ReductionResult) (domain.ReductionResult, error) {
	for _, f := range []struct{ name, value string }{
		{"task", res.TaskID}, {"instrument", res.Instrument}, {"pipeline", res.Pipeline},
		{"mode", res.Mode}, {"recipe", res.Recipe}, {"observing block", res.OBID},
	} {
		if err := required("reduction result", f.name, f.value); err != nil {
			return res, err
		}
	}
	kind := "reduction result for task " + res.TaskID
	if _, err := u.requireTask(ctx, kind, res.TaskID); err != nil {
		return res, err
	}
	if err := u.requireInstrument(ctx, kind, res.Instrument); err != nil {
		return res, err
	}
	if _, err := getObservingBlock(ctx, u.tx, res.OBID); errors.Is(err, ErrNotFound) {
		return res, domain.Errorf(domain.ErrValidation, "%s: observing block %q not in catalog", kind, res.OBID)
	} else if err != nil {
		return res, err
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.QC == 0 {
		res.QC = domain.QCUnknown
	}
	res.CreatedAt = u.Now()
	_, err := u.tx.ExecContext(ctx, `INSERT INTO reduction_results(id,instrument_id,pipeline,obs_mode,recipe,task_id,ob_id,qc,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		res.ID, res.Instrument, res.Pipeline, res.Mode, res.Recipe, res.TaskID, res.OBID, res.QC.String(), formatTime(res.CreatedAt))
	if err != nil {
		return res, mapErr(err, "reduction result for task %s", res.TaskID)
	}
	for i, v := range res.Values {
		if err := required(kind+" value", "name", v.Name); err != nil {
			return res, err
		}
		if _, err := u.tx.ExecContext(ctx, `INSERT INTO reduction_result_values(result_id,position,name,datatype,contents) VALUES (?,?,?,?,?)`,
			res.ID, i, v.Name, v.Datatype, v.Path); err != nil {
			return res, mapErr(err, "reduction result for task %s: value %s", res.TaskID, v.Name)
		}
	}
	return res, nil
}

const resultColumns = `id,instrument_id,pipeline,obs_mode,recipe,task_id,ob_id,qc,created_at`

func getResult(ctx context.Context, q querier, where string, arg any) (domain.ReductionResult, error) {
	var res domain.ReductionResult
	var qc, created string
	err := q.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM reduction_results WHERE `+where, arg).
		Scan(&res.ID, &res.Instrument, &res.Pipeline, &res.Mode, &res.Recipe, &res.TaskID, &res.OBID, &qc, &created)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if res.QC, err = domain.ParseQC(qc); err != nil {
		return res, err
	}
	if res.CreatedAt, err = parseTime(created); err != nil {
		return res, err
	}
	rows, err := q.QueryContext(ctx, `SELECT name,datatype,contents FROM reduction_result_values WHERE result_id=? ORDER BY position`, res.ID)
	if err != nil {
		return res, err
	}
	defer rows.Close()
	res.Values = []domain.ReductionResultValue{}
	for rows.Next() {
		var v domain.ReductionResultValue
		if err := rows.Scan(&v.Name, &v.Datatype, &v.Path); err != nil {
			return res, err
		}
		res.Values = append(res.Values, v)
	}
	return res, rows.Err()
}

func (u *UnitOfWork) GetResultByTask(ctx context.Context, taskID string) (domain.ReductionResult, error) {
	return getResult(ctx, u.tx, `task_id=?`, taskID)
}

func (r Repo) GetResultByTask(ctx context.Context, taskID string) (domain.ReductionResult, error) {
	return getResult(ctx, r.DB, `task_id=?`, taskID)
}

func (r Repo) GetResult(ctx context.Context, id string) (domain.ReductionResult, error) {
	return getResult(ctx, r.DB, `id=?`, id)
}

// CreateDataProduct stores a promoted output. Its UUID must be new to the catalog.
func (u *UnitOfWork) CreateDataProduct(ctx context.Context, p domain.DataProduct) (domain.DataProduct, error) {
	for _, f := range []struct{ name, value string }{
		{"task", p.TaskID}, {"instrument", p.Instrument}, {"datatype", p.Datatype}, {"uuid", p.UUID}, {"path", p.Path},
	} {
		if err := required("data product "+p.UUID, f.name, f.value); err != nil {
			return p, err
		}
	}
	kind := "data product " + p.UUID
	if _, err := u.requireTask(ctx, kind, p.TaskID); err != nil {
		return p, err
	}
	if err := u.requireInstrument(ctx, kind, p.Instrument); err != nil {
		return p, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.QC == 0 {
		p.QC = domain.QCUnknown
	}
	p.CreatedAt = u.Now()
	_, err := u.tx.ExecContext(ctx, `INSERT INTO products(id,instrument_id,datatype,task_id,result_id,uuid,observation_date,qc,priority,contents,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Instrument, p.Datatype, p.TaskID, nullable(p.ResultID), p.UUID, nullableTime(p.ObservationDate), p.QC.String(), p.Priority, p.Path, formatTime(p.CreatedAt))
	if err != nil {
		return p, mapErr(err, "data product %s of task %s", p.UUID, p.TaskID)
	}
	return p, nil
}

func (u *UnitOfWork) ProductFacts(id string) facts.Set {
	return u.Facts.For(facts.Owner{Kind: facts.OwnerProduct, ID: id})
}

func (r Repo) ProductFacts(id string) facts.Set {
	return r.facts().For(facts.Owner{Kind: facts.OwnerProduct, ID: id})
}

const productColumns = `id,instrument_id,datatype,task_id,COALESCE(result_id,''),uuid,observation_date,qc,priority,contents,created_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.DataProduct, error) {
	var p domain.DataProduct
	var obsDate sql.NullString
	var qc, created string
	if err := row.Scan(&p.ID, &p.Instrument, &p.Datatype, &p.TaskID, &p.ResultID, &p.UUID, &obsDate, &qc, &p.Priority, &p.Path, &created); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	var err error
	if p.ObservationDate, err = parseNullTime(obsDate); err != nil {
		return p, err
	}
	if p.QC, err = domain.ParseQC(qc); err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(created)
	return p, err
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.DataProduct, error) {
	return scanProduct(r.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id=?`, id))
}

func (r Repo) GetProductByUUID(ctx context.Context, productUUID string) (domain.DataProduct, error) {
	return scanProduct(r.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE uuid=?`, productUUID))
}

func (u *UnitOfWork) GetProductByUUID(ctx context.Context, productUUID string) (domain.DataProduct, error) {
	return scanProduct(u.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE uuid=?`, productUUID))
}

// FindProductsByFact returns the products carrying fact key with exactly value, of the same type.
func (r Repo) FindProductsByFact(ctx context.Context, key string, value any) ([]domain.DataProduct, error) {
	ids, err := r.facts().FindOwners(ctx, facts.OwnerProduct, key, value)
	if err != nil {
		return nil, err
	}
	res := make([]domain.DataProduct, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

type ProductFilters struct {
	Instrument string
	Datatype   string
	TaskID     string
	Limit      int
}

func (r Repo) ListProducts(ctx context.Context, f ProductFilters) ([]domain.DataProduct, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE 1=1`
	var args []any
	if f.Instrument != "" {
		query += ` AND instrument_id=?`
		args = append(args, f.Instrument)
	}
	if f.Datatype != "" {
		query += ` AND datatype=?`
		args = append(args, f.Datatype)
	}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	query += ` ORDER BY priority DESC, created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DataProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
