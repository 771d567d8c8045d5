package repo

import (
	"context"
	"database/sql"

	"obcatalog/internal/domain"
)

// FindInstrument returns the instrument called name, creating it on first reference.
func (u *UnitOfWork) FindInstrument(ctx context.Context, name string) (domain.Instrument, error) {
	if err := required("instrument", "name", name); err != nil {
		return domain.Instrument{}, err
	}
	if _, err := u.tx.ExecContext(ctx, `INSERT OR IGNORE INTO instruments(name,created_at) VALUES (?,?)`, name, formatTime(u.Now())); err != nil {
		return domain.Instrument{}, mapErr(err, "instrument %q", name)
	}
	return getInstrument(ctx, u.tx, name)
}

func (r Repo) GetInstrument(ctx context.Context, name string) (domain.Instrument, error) {
	return getInstrument(ctx, r.DB, name)
}

func (r Repo) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,created_at FROM instruments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instrument
	for rows.Next() {
		var ins domain.Instrument
		var created string
		if err := rows.Scan(&ins.Name, &created); err != nil {
			return nil, err
		}
		if ins.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, ins)
	}
	return res, rows.Err()
}

func getInstrument(ctx context.Context, q querier, name string) (domain.Instrument, error) {
	var ins domain.Instrument
	var created string
	err := q.QueryRowContext(ctx, `SELECT name,created_at FROM instruments WHERE name=?`, name).Scan(&ins.Name, &created)
	if err == sql.ErrNoRows {
		return ins, ErrNotFound
	}
	if err != nil {
		return ins, err
	}
	ins.CreatedAt, err = parseTime(created)
	return ins, err
}
