package repo

import (
	"context"
	"database/sql"
	"errors"

	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
)

const obColumns = `id,instrument_id,mode,COALESCE(object,''),parent_id,start_time,completion_time`

func scanObservingBlock(row interface{ Scan(...any) error }) (domain.ObservingBlock, error) {
	var ob domain.ObservingBlock
	var parent, completion sql.NullString
	var start string
	if err := row.Scan(&ob.ID, &ob.Instrument, &ob.Mode, &ob.Object, &parent, &start, &completion); err != nil {
		if err == sql.ErrNoRows {
			return ob, ErrNotFound
		}
		return ob, err
	}
	if parent.Valid {
		p := parent.String
		ob.ParentID = &p
	}
	var err error
	if ob.StartTime, err = parseTime(start); err != nil {
		return ob, err
	}
	ob.CompletionTime, err = parseNullTime(completion)
	return ob, err
}

// CreateObservingBlock inserts ob. The instrument and the parent, when set, must already exist.
func (u *UnitOfWork) CreateObservingBlock(ctx context.Context, ob domain.ObservingBlock) (domain.ObservingBlock, error) {
	if err := required("observing block", "id", ob.ID); err != nil {
		return ob, err
	}
	if err := required("observing block "+ob.ID, "instrument", ob.Instrument); err != nil {
		return ob, err
	}
	if err := required("observing block "+ob.ID, "mode", ob.Mode); err != nil {
		return ob, err
	}
	if _, err := getInstrument(ctx, u.tx, ob.Instrument); errors.Is(err, ErrNotFound) {
		return ob, domain.Errorf(domain.ErrValidation, "observing block %s: instrument %q not in catalog", ob.ID, ob.Instrument)
	} else if err != nil {
		return ob, err
	}
	if ob.ParentID != nil {
		if _, err := getObservingBlock(ctx, u.tx, *ob.ParentID); errors.Is(err, ErrNotFound) {
			return ob, domain.Errorf(domain.ErrValidation, "observing block %s: parent %q not in catalog", ob.ID, *ob.ParentID)
		} else if err != nil {
			return ob, err
		}
	}
	if ob.StartTime.IsZero() {
		ob.StartTime = u.Now()
	}
	var parent any
	if ob.ParentID != nil {
		parent = *ob.ParentID
	}
	_, err := u.tx.ExecContext(ctx, `INSERT INTO obs(id,instrument_id,mode,object,parent_id,start_time,completion_time) VALUES (?,?,?,?,?,?,?)`,
		ob.ID, ob.Instrument, ob.Mode, nullable(ob.Object), parent, formatTime(ob.StartTime), nullableTime(ob.CompletionTime))
	if err != nil {
		return ob, mapErr(err, "observing block %s", ob.ID)
	}
	return ob, nil
}

func (u *UnitOfWork) GetObservingBlock(ctx context.Context, id string) (domain.ObservingBlock, error) {
	return getObservingBlock(ctx, u.tx, id)
}

func (r Repo) GetObservingBlock(ctx context.Context, id string) (domain.ObservingBlock, error) {
	return getObservingBlock(ctx, r.DB, id)
}

func getObservingBlock(ctx context.Context, q querier, id string) (domain.ObservingBlock, error) {
	return scanObservingBlock(q.QueryRowContext(ctx, `SELECT `+obColumns+` FROM obs WHERE id=?`, id))
}

// CompleteObservingBlock stamps the completion time of a block whose children are all processed.
func (u *UnitOfWork) CompleteObservingBlock(ctx context.Context, id string) error {
	res, err := u.tx.ExecContext(ctx, `UPDATE obs SET completion_time=? WHERE id=?`, formatTime(u.Now()), id)
	if err != nil {
		return mapErr(err, "complete observing block %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteObservingBlock removes a block; children, frames, tasks and facts go with it.
func (r Repo) DeleteObservingBlock(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM obs WHERE id=?`, id)
	if err != nil {
		return mapErr(err, "delete observing block %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OBFilters struct {
	Instrument string
	ParentID   string
	Roots      bool
}

func (r Repo) ListObservingBlocks(ctx context.Context, f OBFilters) ([]domain.ObservingBlock, error) {
	query := `SELECT ` + obColumns + ` FROM obs WHERE 1=1`
	var args []any
	if f.Instrument != "" {
		query += ` AND instrument_id=?`
		args = append(args, f.Instrument)
	}
	if f.ParentID != "" {
		query += ` AND parent_id=?`
		args = append(args, f.ParentID)
	} else if f.Roots {
		query += ` AND parent_id IS NULL`
	}
	query += ` ORDER BY start_time, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ObservingBlock
	for rows.Next() {
		ob, err := scanObservingBlock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ob)
	}
	return res, rows.Err()
}

// ObservingBlockFacts is the dictionary view over the facts of an observing block.
func (u *UnitOfWork) ObservingBlockFacts(id string) facts.Set {
	return u.Facts.For(facts.Owner{Kind: facts.OwnerObservingBlock, ID: id})
}

func (r Repo) ObservingBlockFacts(id string) facts.Set {
	return r.facts().For(facts.Owner{Kind: facts.OwnerObservingBlock, ID: id})
}

const frameColumns = `id,name,ob_id,COALESCE(object,''),start_time,exposure_time,completion_time,COALESCE(uuid,'')`

func scanFrame(row interface{ Scan(...any) error }) (domain.Frame, error) {
	var fr domain.Frame
	var start, completion sql.NullString
	if err := row.Scan(&fr.ID, &fr.Name, &fr.OBID, &fr.Object, &start, &fr.ExposureTime, &completion, &fr.UUID); err != nil {
		if err == sql.ErrNoRows {
			return fr, ErrNotFound
		}
		return fr, err
	}
	var err error
	if fr.StartTime, err = parseNullTime(start); err != nil {
		return fr, err
	}
	fr.CompletionTime, err = parseNullTime(completion)
	return fr, err
}

// CreateFrame inserts fr under its observing block. Frame names are unique across the catalog.
func (u *UnitOfWork) CreateFrame(ctx context.Context, fr domain.Frame) (domain.Frame, error) {
	if err := required("frame", "name", fr.Name); err != nil {
		return fr, err
	}
	if err := required("frame "+fr.Name, "observing block", fr.OBID); err != nil {
		return fr, err
	}
	if fr.ExposureTime < 0 {
		return fr, domain.Errorf(domain.ErrValidation, "frame %s: negative exposure time %g", fr.Name, fr.ExposureTime)
	}
	if _, err := getObservingBlock(ctx, u.tx, fr.OBID); errors.Is(err, ErrNotFound) {
		return fr, domain.Errorf(domain.ErrValidation, "frame %s: observing block %q not in catalog", fr.Name, fr.OBID)
	} else if err != nil {
		return fr, err
	}
	res, err := u.tx.ExecContext(ctx, `INSERT INTO frames(name,ob_id,object,start_time,exposure_time,completion_time,uuid) VALUES (?,?,?,?,?,?,?)`,
		fr.Name, fr.OBID, nullable(fr.Object), nullableTime(fr.StartTime), fr.ExposureTime, nullableTime(fr.CompletionTime), nullable(fr.UUID))
	if err != nil {
		err = mapErr(err, "frame %s in observing block %s", fr.Name, fr.OBID)
		if errors.Is(err, domain.ErrConflict) {
			return fr, domain.Wrap(domain.ErrDuplicateFrame, err, "frame %s", fr.Name)
		}
		return fr, err
	}
	fr.ID, err = res.LastInsertId()
	return fr, err
}

func (u *UnitOfWork) GetFrameByName(ctx context.Context, name string) (domain.Frame, error) {
	return scanFrame(u.tx.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE name=?`, name))
}

func (r Repo) GetFrameByName(ctx context.Context, name string) (domain.Frame, error) {
	return scanFrame(r.DB.QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE name=?`, name))
}

// ListFrames returns the frames of an observing block in ingestion order.
func (r Repo) ListFrames(ctx context.Context, obID string) ([]domain.Frame, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE ob_id=? ORDER BY id`, obID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Frame
	for rows.Next() {
		fr, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

func (r Repo) CountFrames(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}
