package facts_test

import (
	"context"
	"database/sql"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obcatalog/internal/db"
	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
	"obcatalog/internal/migrate"
)

func openCatalog(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO instruments(name,created_at) VALUES ('TEST1','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	for _, id := range []string{"ob1", "ob2", "ob3"} {
		_, err = conn.ExecContext(ctx, `INSERT INTO obs(id,instrument_id,mode,start_time) VALUES (?,'TEST1','BIAS','2024-01-01T00:00:00Z')`, id)
		require.NoError(t, err)
	}
	return conn, ctx
}

func ob(id string) facts.Owner { return facts.Owner{Kind: facts.OwnerObservingBlock, ID: id} }

func TestRoundTripPerType(t *testing.T) {
	conn, ctx := openCatalog(t)
	s := facts.Store{Q: conn}
	values := map[string]facts.Value{
		"int":      facts.Int(math.MinInt64),
		"float":    facts.Float(0.1 + 0.2),
		"tiny":     facts.Float(math.SmallestNonzeroFloat64),
		"bool":     facts.Bool(true),
		"false":    facts.Bool(false),
		"string":   facts.String("BIAS"),
		"unicode":  facts.Unicode("Ångström ☉"),
		"empty":    facts.String(""),
		"maxint":   facts.Int(math.MaxInt64),
		"exptime0": facts.Float(0.0),
	}
	for k, v := range values {
		require.NoError(t, s.Set(ctx, ob("ob1"), k, v))
	}
	got, err := s.All(ctx, ob("ob1"))
	require.NoError(t, err)
	require.Len(t, got, len(values))
	for k, want := range values {
		assert.True(t, want.Equal(got[k]), "%s: want %v (%s) got %v (%s)", k, want, want.Type(), got[k], got[k].Type())
	}
}

func TestSetReplacesInsteadOfDuplicating(t *testing.T) {
	conn, ctx := openCatalog(t)
	s := facts.Store{Q: conn}
	require.NoError(t, s.Set(ctx, ob("ob1"), "object", "BIAS"))
	require.NoError(t, s.Set(ctx, ob("ob1"), "object", "BIAS"))
	require.NoError(t, s.Set(ctx, ob("ob1"), "object", 3))

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM ob_facts WHERE owner_id='ob1' AND key='object'`).Scan(&n))
	assert.Equal(t, 1, n)

	v, ok, err := s.Get(ctx, ob("ob1"), "object")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, facts.TypeInt, v.Type())
	assert.Equal(t, int64(3), v.Int())
}

func TestUnsupportedType(t *testing.T) {
	conn, ctx := openCatalog(t)
	s := facts.Store{Q: conn}
	for _, v := range []any{[]string{"a"}, map[string]any{}, nil, struct{}{}, math.NaN(), uint64(math.MaxUint64)} {
		err := s.Set(ctx, ob("ob1"), "k", v)
		require.ErrorIs(t, err, domain.ErrUnsupportedFactType, "%T", v)
	}
	_, ok, err := s.Get(ctx, ob("ob1"), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindOwnersMatchesTypeAndValue(t *testing.T) {
	conn, ctx := openCatalog(t)
	s := facts.Store{Q: conn}
	require.NoError(t, s.Set(ctx, ob("ob1"), "exptime", 10.0))
	require.NoError(t, s.Set(ctx, ob("ob2"), "exptime", 10.0))
	require.NoError(t, s.Set(ctx, ob("ob3"), "exptime", 10))
	require.NoError(t, s.Set(ctx, ob("ob3"), "filter", "10"))

	ids, err := s.FindOwners(ctx, facts.OwnerObservingBlock, "exptime", 10.0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ob1", "ob2"}, ids)

	ids, err = s.FindOwners(ctx, facts.OwnerObservingBlock, "exptime", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ob3"}, ids)

	ids, err = s.FindOwners(ctx, facts.OwnerProduct, "exptime", 10.0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFactsCascadeWithOwner(t *testing.T) {
	conn, ctx := openCatalog(t)
	s := facts.Store{Q: conn}
	require.NoError(t, s.SetAll(ctx, ob("ob2"), map[string]any{"a": 1, "b": true}))
	_, err := conn.ExecContext(ctx, `DELETE FROM obs WHERE id='ob2'`)
	require.NoError(t, err)
	got, err := s.All(ctx, ob("ob2"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFactOwnerMustExist(t *testing.T) {
	conn, ctx := openCatalog(t)
	err := facts.Store{Q: conn}.Set(ctx, ob("nope"), "k", 1)
	require.Error(t, err)
}

func TestSetView(t *testing.T) {
	conn, ctx := openCatalog(t)
	view := facts.Store{Q: conn}.For(ob("ob1"))
	require.NoError(t, view.Set(ctx, "zeta", "z"))
	require.NoError(t, view.Set(ctx, "alpha", 1.5))
	keys, err := view.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, keys)
	v, ok, err := view.Get(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.5, v.Float())
	items, err := view.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, ob("ob1"), view.Owner())

	require.NoError(t, facts.Store{Q: conn}.Delete(ctx, ob("ob1"), "zeta"))
	keys, err = view.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, keys)
}

func TestSetViewSetAll(t *testing.T) {
	conn, ctx := openCatalog(t)
	view := facts.Store{Q: conn}.For(ob("ob1"))
	require.NoError(t, view.SetAll(ctx, map[string]any{"exptime": 0.0, "object": "BIAS", "nexp": 3}))
	items, err := view.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, facts.Float(0), items["exptime"])
	assert.Equal(t, facts.String("BIAS"), items["object"])
	assert.Equal(t, facts.Int(3), items["nexp"])

	require.ErrorIs(t, view.SetAll(ctx, map[string]any{"bad": []int{1}}), domain.ErrUnsupportedFactType)
}

func TestInvalidKeys(t *testing.T) {
	conn, ctx := openCatalog(t)
	s := facts.Store{Q: conn}
	require.ErrorIs(t, s.Set(ctx, ob("ob1"), "", 1), domain.ErrValidation)
	require.ErrorIs(t, s.Set(ctx, facts.Owner{Kind: "frame", ID: "x"}, "k", 1), domain.ErrValidation)
	require.ErrorIs(t, s.Set(ctx, facts.Owner{Kind: facts.OwnerProduct}, "k", 1), domain.ErrValidation)
}
