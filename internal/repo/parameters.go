package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
)

const DefaultPipeline = "default"

// EnsureRecipeParameter returns the parameter definition for the 4-tuple, creating it if needed.
func (u *UnitOfWork) EnsureRecipeParameter(ctx context.Context, instrument, pipeline, mode, name string) (domain.RecipeParameter, error) {
	if pipeline == "" {
		pipeline = DefaultPipeline
	}
	for _, f := range []struct{ name, value string }{{"instrument", instrument}, {"mode", mode}, {"name", name}} {
		if err := required("recipe parameter", f.name, f.value); err != nil {
			return domain.RecipeParameter{}, err
		}
	}
	if _, err := u.tx.ExecContext(ctx, `INSERT OR IGNORE INTO recipe_parameters(instrument,pipeline,mode,name) VALUES (?,?,?,?)`,
		instrument, pipeline, mode, name); err != nil {
		return domain.RecipeParameter{}, mapErr(err, "recipe parameter %s/%s/%s/%s", instrument, pipeline, mode, name)
	}
	return getRecipeParameter(ctx, u.tx, instrument, pipeline, mode, name)
}

func (r Repo) GetRecipeParameter(ctx context.Context, instrument, pipeline, mode, name string) (domain.RecipeParameter, error) {
	if pipeline == "" {
		pipeline = DefaultPipeline
	}
	return getRecipeParameter(ctx, r.DB, instrument, pipeline, mode, name)
}

func getRecipeParameter(ctx context.Context, q querier, instrument, pipeline, mode, name string) (domain.RecipeParameter, error) {
	var p domain.RecipeParameter
	err := q.QueryRowContext(ctx, `SELECT id,instrument,pipeline,mode,name FROM recipe_parameters WHERE instrument=? AND pipeline=? AND mode=? AND name=?`,
		instrument, pipeline, mode, name).Scan(&p.ID, &p.Instrument, &p.Pipeline, &p.Mode, &p.Name)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// AddRecipeParameterValue appends a historical value to a parameter. Content must be JSON;
// valueFacts record why the value was chosen.
func (u *UnitOfWork) AddRecipeParameterValue(ctx context.Context, paramID int64, content string, valueFacts map[string]any) (domain.RecipeParameterValue, error) {
	if !json.Valid([]byte(content)) {
		return domain.RecipeParameterValue{}, domain.Errorf(domain.ErrValidation, "recipe parameter %d: value is not valid JSON", paramID)
	}
	var exists int
	err := u.tx.QueryRowContext(ctx, `SELECT 1 FROM recipe_parameters WHERE id=?`, paramID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecipeParameterValue{}, domain.Errorf(domain.ErrValidation, "recipe parameter %d not in catalog", paramID)
	} else if err != nil {
		return domain.RecipeParameterValue{}, err
	}
	v := domain.RecipeParameterValue{ID: uuid.NewString(), ParameterID: paramID, Content: content, CreatedAt: u.Now()}
	if _, err := u.tx.ExecContext(ctx, `INSERT INTO recipe_parameter_values(id,param_id,content,created_at) VALUES (?,?,?,?)`,
		v.ID, v.ParameterID, v.Content, formatTime(v.CreatedAt)); err != nil {
		return v, mapErr(err, "recipe parameter %d value", paramID)
	}
	if err := u.Facts.SetAll(ctx, facts.Owner{Kind: facts.OwnerParameterValue, ID: v.ID}, valueFacts); err != nil {
		return v, err
	}
	return v, nil
}

// ListRecipeParameterValues returns the values of a parameter, oldest first.
func (r Repo) ListRecipeParameterValues(ctx context.Context, paramID int64) ([]domain.RecipeParameterValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,param_id,content,created_at FROM recipe_parameter_values WHERE param_id=? ORDER BY created_at, rowid`, paramID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecipeParameterValue
	for rows.Next() {
		var v domain.RecipeParameterValue
		var created string
		if err := rows.Scan(&v.ID, &v.ParameterID, &v.Content, &created); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ParameterValueFacts(id string) facts.Set {
	return r.facts().For(facts.Owner{Kind: facts.OwnerParameterValue, ID: id})
}
