package db

import "testing"

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/ledger?sslmode=disable":   "pgx5://u:p@localhost:5432/ledger?sslmode=disable",
		"postgresql://u:p@localhost:5432/ledger?sslmode=disable": "pgx5://u:p@localhost:5432/ledger?sslmode=disable",
		"pgx5://localhost/ledger":                                "pgx5://localhost/ledger",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 || len(entries)%2 != 0 {
		t.Fatalf("expected paired up/down migrations, got %d files", len(entries))
	}
}
