//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labinterface/internal/platform/db"
)

var (
	connStr       string
	migrationsDir string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var cleanup func()
	var err error
	connStr, cleanup, err = startPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}
	migrationsDir = findMigrationsDir()

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// newSchema migrates a fresh schema and returns a pool whose search_path
// points at it. The schema is dropped when the test ends.
func newSchema(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	schema := "lab_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")

	admin, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 2})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := db.NewMigrator(admin, migrationsDir, schema).Up(ctx); err != nil {
		admin.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 4, Schema: schema, AppName: "lab-interface-it"})
	if err != nil {
		admin.Close()
		t.Fatalf("connect to %s: %v", schema, err)
	}
	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})
	return pool
}

func mustExec(t *testing.T, pool *pgxpool.Pool, sql string, args ...interface{}) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

// seedClinical loads the records a REFPACS result for patient 3 needs.
func seedClinical(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	for _, sql := range []string{
		`INSERT INTO person (person_id, given_name, family_name) VALUES (1, 'Super', 'User'), (3, 'John', 'Doe')`,
		`SELECT setval(pg_get_serial_sequence('person', 'person_id'), 100)`,
		`INSERT INTO patient (patient_id) VALUES (3)`,
		`INSERT INTO patient_identifier_type (patient_identifier_type_id, name) VALUES (1, 'AMRS Universal ID')`,
		`INSERT INTO patient_identifier (patient_id, identifier, identifier_type) VALUES (3, '16-4', 1)`,
		`INSERT INTO provider (provider_id, person_id, identifier, name) VALUES (11, 1, '1-8', 'Super User')`,
		`INSERT INTO users (user_id, username, system_id, person_id) VALUES (1, 'admin', 'admin', 1)`,
		`INSERT INTO location (location_id, name) VALUES (1, 'Unknown Location'), (5, 'Module 2')`,
		`INSERT INTO encounter_type (encounter_type_id, name) VALUES (2, 'Lab')`,
		`INSERT INTO form (form_id, name, encounter_type_id) VALUES (16, 'Lab Results', 2)`,
		`INSERT INTO person_attribute_type (person_attribute_type_id, name) VALUES (7, 'Health Center')`,
		`INSERT INTO concept (concept_id, name, datatype, is_set) VALUES
			(1238, 'MEDICAL RECORD OBSERVATIONS', 'na', TRUE),
			(5497, 'CD4 COUNT', 'numeric', FALSE),
			(856, 'HIV VIRAL LOAD', 'numeric', FALSE),
			(1065, 'YES', 'na', FALSE),
			(1066, 'NO', 'na', FALSE),
			(1040, 'HIV RAPID TEST', 'coded', FALSE)`,
		`INSERT INTO concept_answer (concept_id, answer_concept) VALUES (1040, 1065), (1040, 1066)`,
		`INSERT INTO concept_map (source, code, concept_id) VALUES ('LOINC', '24467-3', 5497)`,
	} {
		mustExec(t, pool, sql)
	}
}

func intPtr(i int) *int { return &i }
