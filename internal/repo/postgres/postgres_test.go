package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"pkt.systems/schoold/internal/repo"
)

func TestMapWriteError(t *testing.T) {
	t.Parallel()
	if mapWriteError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	unique := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "assessments_unique_title_per_scope"}
	if err := mapWriteError(unique); !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for unique violation, got %v", err)
	}
	other := &pgconn.PgError{Code: "23503"}
	if err := mapWriteError(other); errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("foreign key violation must not map to ErrDuplicate")
	}
}

func TestEmbeddedDDLDeclaresBackstops(t *testing.T) {
	t.Parallel()
	for _, index := range []string{
		"school_configs_one_active_per_tenant",
		"assessments_unique_title_per_scope",
		"assessments_one_exam_per_scope",
	} {
		if !strings.Contains(ddl, index) {
			t.Fatalf("schema.sql is missing index %s", index)
		}
	}
}
