package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"obcatalog/internal/domain"
)

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var start string
	var completion sql.NullString
	if err := row.Scan(&t.ID, &t.OBID, &t.State, &start, &completion); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	var err error
	if t.StartTime, err = parseTime(start); err != nil {
		return t, err
	}
	t.CompletionTime, err = parseNullTime(completion)
	return t, err
}

// CreateTask opens a RUNNING task against an observing block.
func (u *UnitOfWork) CreateTask(ctx context.Context, obID string) (domain.Task, error) {
	if err := required("task", "observing block", obID); err != nil {
		return domain.Task{}, err
	}
	if _, err := getObservingBlock(ctx, u.tx, obID); errors.Is(err, ErrNotFound) {
		return domain.Task{}, domain.Errorf(domain.ErrValidation, "task: observing block %q not in catalog", obID)
	} else if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{ID: uuid.NewString(), OBID: obID, State: domain.TaskRunning, StartTime: u.Now()}
	_, err := u.tx.ExecContext(ctx, `INSERT INTO tasks(id,ob_id,state,start_time) VALUES (?,?,?,?)`,
		t.ID, t.OBID, string(t.State), formatTime(t.StartTime))
	if err != nil {
		return domain.Task{}, mapErr(err, "task for observing block %s", obID)
	}
	return t, nil
}

// FinishTask moves a task to FINISHED. Finishing a finished task keeps its first completion time.
func (u *UnitOfWork) FinishTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := u.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if t.State == domain.TaskFinished {
		return t, nil
	}
	now := u.Now()
	if _, err := u.tx.ExecContext(ctx, `UPDATE tasks SET state=?, completion_time=? WHERE id=?`,
		string(domain.TaskFinished), formatTime(now), id); err != nil {
		return t, mapErr(err, "finish task %s", id)
	}
	t.State = domain.TaskFinished
	t.CompletionTime = &now
	return t, nil
}

func (u *UnitOfWork) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(u.tx.QueryRowContext(ctx, `SELECT id,ob_id,state,start_time,completion_time FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT id,ob_id,state,start_time,completion_time FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, obID string, state domain.TaskState) ([]domain.Task, error) {
	query := `SELECT id,ob_id,state,start_time,completion_time FROM tasks WHERE 1=1`
	var args []any
	if obID != "" {
		query += ` AND ob_id=?`
		args = append(args, obID)
	}
	if state != "" {
		query += ` AND state=?`
		args = append(args, string(state))
	}
	query += ` ORDER BY start_time, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
