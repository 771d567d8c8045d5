package migrate_test

import (
	"context"
	"testing"

	"obcatalog/internal/db"
	"obcatalog/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest < 1 {
		t.Fatalf("expected embedded migrations, got version %d", latest)
	}
	for i := 0; i < 2; i++ {
		v, err := migrate.Migrate(ctx, conn)
		if err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
		if v != latest {
			t.Fatalf("run %d: expected version %d, got %d", i, latest, v)
		}
	}
	for _, table := range []string{"instruments", "obs", "frames", "tasks", "products", "reduction_results", "ob_facts", "product_facts", "parameter_facts", "events", "api_keys"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestFactRowsHoldExactlyOneValue(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stmts := []string{
		`INSERT INTO instruments(name,created_at) VALUES ('I','2024-01-01T00:00:00Z')`,
		`INSERT INTO obs(id,instrument_id,mode,start_time) VALUES ('o','I','M','2024-01-01T00:00:00Z')`,
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO ob_facts(owner_id,key,type,int_value,text_value) VALUES ('o','k','int',1,'x')`); err == nil {
		t.Fatalf("expected check constraint failure for two populated columns")
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO ob_facts(owner_id,key,type,float_value) VALUES ('o','k','int',1.0)`); err == nil {
		t.Fatalf("expected check constraint failure for mismatched type tag")
	}
}
