package store

import (
	"context"
	"sync"
	"testing"
	"testing/fstest"
)

// sqlFS builds an in-memory migration set from name/SQL pairs.
func sqlFS(files map[string]string) fstest.MapFS {
	out := fstest.MapFS{}
	for name, body := range files {
		out[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return out
}

// forgetMigrations drops the given tables and their schema_migrations rows after the test.
func forgetMigrations(t *testing.T, tables []string, versions ...string) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		for _, tbl := range tables {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS "+tbl)
		}
		for _, v := range versions {
			testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", v)
		}
	})
}

func migrationRows(t *testing.T, versions ...string) int {
	t.Helper()
	var n int
	if err := testStore.pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ANY($1)", versions,
	).Scan(&n); err != nil {
		t.Fatalf("counting schema_migrations: %v", err)
	}
	return n
}

// --- Migrate ---

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("creates objects and records the file", func(t *testing.T) {
		forgetMigrations(t, []string{"mig_probe_clients"}, "950_probe.sql")
		err := testStore.Migrate(ctx, sqlFS(map[string]string{
			"950_probe.sql": "CREATE TABLE mig_probe_clients (client_id TEXT PRIMARY KEY);",
		}))
		if err != nil {
			t.Fatalf("Migrate: %v", err)
		}

		var reg *string
		if err := testStore.pool.QueryRow(ctx, "SELECT to_regclass('mig_probe_clients')::text").Scan(&reg); err != nil {
			t.Fatalf("to_regclass: %v", err)
		}
		if reg == nil {
			t.Error("mig_probe_clients missing after Migrate")
		}
		if got := migrationRows(t, "950_probe.sql"); got != 1 {
			t.Errorf("schema_migrations rows = %d, want 1", got)
		}
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		forgetMigrations(t, []string{"mig_probe_once"}, "951_once.sql")
		set := sqlFS(map[string]string{
			// Not IF NOT EXISTS: a re-run would fail loudly.
			"951_once.sql": "CREATE TABLE mig_probe_once (id INT);",
		})
		for i := range 3 {
			if err := testStore.Migrate(ctx, set); err != nil {
				t.Fatalf("run %d: %v", i+1, err)
			}
		}
		if got := migrationRows(t, "951_once.sql"); got != 1 {
			t.Errorf("schema_migrations rows = %d, want 1", got)
		}
	})

	t.Run("failed file leaves no trace", func(t *testing.T) {
		forgetMigrations(t, []string{"mig_probe_partial"}, "952_broken.sql")
		err := testStore.Migrate(ctx, sqlFS(map[string]string{
			"952_broken.sql": "CREATE TABLE mig_probe_partial (id INT); SELEKT nonsense;",
		}))
		if err == nil {
			t.Fatal("expected error from broken migration")
		}
		if got := migrationRows(t, "952_broken.sql"); got != 0 {
			t.Errorf("broken migration recorded %d times", got)
		}
		var reg *string
		testStore.pool.QueryRow(ctx, "SELECT to_regclass('mig_probe_partial')::text").Scan(&reg)
		if reg != nil {
			t.Error("statement before the syntax error was not rolled back")
		}
	})

	t.Run("files run in name order", func(t *testing.T) {
		forgetMigrations(t, []string{"mig_probe_family"}, "953_a_family.sql", "954_b_family_index.sql")
		// The index needs the table, so reverse order would fail.
		err := testStore.Migrate(ctx, sqlFS(map[string]string{
			"954_b_family_index.sql": "CREATE INDEX mig_probe_family_idx ON mig_probe_family (family_id);",
			"953_a_family.sql":       "CREATE TABLE mig_probe_family (family_id UUID);",
		}))
		if err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if got := migrationRows(t, "953_a_family.sql", "954_b_family_index.sql"); got != 2 {
			t.Errorf("schema_migrations rows = %d, want 2", got)
		}
	})

	t.Run("parallel instances apply once", func(t *testing.T) {
		forgetMigrations(t, []string{"mig_probe_race"}, "955_race.sql")
		set := sqlFS(map[string]string{
			"955_race.sql": "CREATE TABLE mig_probe_race (id INT);",
		})

		const instances = 5
		errs := make([]error, instances)
		var wg sync.WaitGroup
		for i := range instances {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = testStore.Migrate(ctx, set)
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Errorf("instance %d: %v", i, err)
			}
		}
		if got := migrationRows(t, "955_race.sql"); got != 1 {
			t.Errorf("schema_migrations rows = %d, want 1", got)
		}
	})

	t.Run("empty set", func(t *testing.T) {
		if err := testStore.Migrate(ctx, fstest.MapFS{}); err != nil {
			t.Errorf("Migrate(empty): %v", err)
		}
	})

	t.Run("ignores non-sql files", func(t *testing.T) {
		set := fstest.MapFS{"README.md": &fstest.MapFile{Data: []byte("not a migration")}}
		if err := testStore.Migrate(ctx, set); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if got := migrationRows(t, "README.md"); got != 0 {
			t.Errorf("README.md recorded as a migration")
		}
	})
}
