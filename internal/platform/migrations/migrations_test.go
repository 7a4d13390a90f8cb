package migrations

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := files.ReadDir(".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations")
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	for base := range ups {
		if !downs[base] {
			t.Fatalf("migration %s has no down counterpart", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Fatalf("migration %s has no up counterpart", base)
		}
	}
}

func TestInitialSchemaDeclaresCoreTables(t *testing.T) {
	raw, err := files.ReadFile("0001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("read initial schema: %v", err)
	}
	schema := string(raw)
	for _, table := range []string{"device", "state_snapshot", "state_snapshot_history", "device_config"} {
		if !strings.Contains(schema, "CREATE TABLE "+table) {
			t.Fatalf("schema missing table %s", table)
		}
	}
}
