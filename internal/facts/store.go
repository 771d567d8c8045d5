// Package facts stores typed key/value tags privately per owner row
// (entity-attribute-value). Each owner kind has its own table so deleting the
// owner cascades to its facts.
package facts

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"obcatalog/internal/domain"
)

const maxKeyLen = 64

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type OwnerKind string

const (
	OwnerObservingBlock OwnerKind = "ob"
	OwnerProduct        OwnerKind = "product"
	OwnerParameterValue OwnerKind = "parameter"
)

func (k OwnerKind) table() (string, error) {
	switch k {
	case OwnerObservingBlock:
		return "ob_facts", nil
	case OwnerProduct:
		return "product_facts", nil
	case OwnerParameterValue:
		return "parameter_facts", nil
	}
	return "", domain.Errorf(domain.ErrValidation, "unknown fact owner kind %q", k)
}

type Owner struct {
	Kind OwnerKind
	ID   string
}

func (o Owner) String() string { return fmt.Sprintf("%s %s", o.Kind, o.ID) }

// Store reads and writes facts through Q, normally the transaction of a unit of work.
type Store struct {
	Q Querier
}

// Set stores value under key on owner, replacing any previous value.
// Writing an identical value leaves the row untouched.
func (s Store) Set(ctx context.Context, owner Owner, key string, value any) error {
	table, err := owner.Kind.table()
	if err != nil {
		return err
	}
	if owner.ID == "" {
		return domain.Errorf(domain.ErrValidation, "fact %q has no owner id", key)
	}
	if key == "" || len(key) > maxKeyLen {
		return domain.Errorf(domain.ErrValidation, "invalid fact key %q on %s", key, owner)
	}
	v, err := ValueOf(value)
	if err != nil {
		return fmt.Errorf("fact %q on %s: %w", key, owner, err)
	}
	args := append([]any{owner.ID, key, string(v.typ)}, v.columns().args()...)
	_, err = s.Q.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(owner_id,key,type,int_value,float_value,bool_value,text_value) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(owner_id,key) DO UPDATE SET type=excluded.type, int_value=excluded.int_value, float_value=excluded.float_value,
bool_value=excluded.bool_value, text_value=excluded.text_value
WHERE type IS NOT excluded.type OR int_value IS NOT excluded.int_value OR float_value IS NOT excluded.float_value
OR bool_value IS NOT excluded.bool_value OR text_value IS NOT excluded.text_value`, table), args...)
	if err != nil {
		return fmt.Errorf("set fact %q on %s: %w", key, owner, err)
	}
	return nil
}

// SetAll stores every entry of values in key order.
func (s Store) SetAll(ctx context.Context, owner Owner, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.Set(ctx, owner, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the fact stored under key, and false when there is none.
func (s Store) Get(ctx context.Context, owner Owner, key string) (Value, bool, error) {
	table, err := owner.Kind.table()
	if err != nil {
		return Value{}, false, err
	}
	var t string
	var c columns
	err = s.Q.QueryRowContext(ctx, fmt.Sprintf(`SELECT type,int_value,float_value,bool_value,text_value FROM %s WHERE owner_id=? AND key=?`, table),
		owner.ID, key).Scan(&t, &c.Int, &c.Float, &c.Bool, &c.Text)
	if err == sql.ErrNoRows {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	v, err := decode(Type(t), c)
	if err != nil {
		return Value{}, false, fmt.Errorf("fact %q on %s: %w", key, owner, err)
	}
	return v, true, nil
}

// All returns every fact of owner.
func (s Store) All(ctx context.Context, owner Owner) (map[string]Value, error) {
	table, err := owner.Kind.table()
	if err != nil {
		return nil, err
	}
	rows, err := s.Q.QueryContext(ctx, fmt.Sprintf(`SELECT key,type,int_value,float_value,bool_value,text_value FROM %s WHERE owner_id=? ORDER BY key`, table), owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]Value{}
	for rows.Next() {
		var key, t string
		var c columns
		if err := rows.Scan(&key, &t, &c.Int, &c.Float, &c.Bool, &c.Text); err != nil {
			return nil, err
		}
		v, err := decode(Type(t), c)
		if err != nil {
			return nil, fmt.Errorf("fact %q on %s: %w", key, owner, err)
		}
		res[key] = v
	}
	return res, rows.Err()
}

func (s Store) Delete(ctx context.Context, owner Owner, key string) error {
	table, err := owner.Kind.table()
	if err != nil {
		return err
	}
	_, err = s.Q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id=? AND key=?`, table), owner.ID, key)
	return err
}

// FindOwners returns the ids of owners of kind carrying key with exactly value, sorted.
func (s Store) FindOwners(ctx context.Context, kind OwnerKind, key string, value any) ([]string, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	v, err := ValueOf(value)
	if err != nil {
		return nil, err
	}
	column := map[Type]string{
		TypeInt:     "int_value",
		TypeFloat:   "float_value",
		TypeBool:    "bool_value",
		TypeString:  "text_value",
		TypeUnicode: "text_value",
	}[v.typ]
	c := v.columns()
	var arg any
	switch v.typ {
	case TypeInt:
		arg = c.Int.Int64
	case TypeFloat:
		arg = c.Float.Float64
	case TypeBool:
		arg = c.Bool.Int64
	default:
		arg = c.Text.String
	}
	rows, err := s.Q.QueryContext(ctx, fmt.Sprintf(`SELECT owner_id FROM %s WHERE key=? AND type=? AND %s=? ORDER BY owner_id`, table, column),
		key, string(v.typ), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Set is a dictionary view over the facts of one owner.
type Set struct {
	store Store
	owner Owner
}

func (s Store) For(owner Owner) Set {
	return Set{store: s, owner: owner}
}

func (fs Set) Owner() Owner { return fs.owner }

func (fs Set) Get(ctx context.Context, key string) (Value, bool, error) {
	return fs.store.Get(ctx, fs.owner, key)
}

func (fs Set) Set(ctx context.Context, key string, value any) error {
	return fs.store.Set(ctx, fs.owner, key, value)
}

func (fs Set) SetAll(ctx context.Context, values map[string]any) error {
	return fs.store.SetAll(ctx, fs.owner, values)
}

func (fs Set) Keys(ctx context.Context) ([]string, error) {
	items, err := fs.store.All(ctx, fs.owner)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (fs Set) Items(ctx context.Context) (map[string]Value, error) {
	return fs.store.All(ctx, fs.owner)
}
