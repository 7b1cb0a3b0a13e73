// Package repo defines the persistence contracts the service depends on. The
// relational store behind these interfaces is the single source of truth;
// implementations live in repo/memory and repo/postgres.
package repo

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"pkt.systems/schoold/internal/schema"
)

// ErrDuplicate is returned by Create operations when a uniqueness backstop
// rejects the row (duplicate CA title, second active EXAM in a scope).
var ErrDuplicate = errors.New("repo: duplicate record")

// ErrNotFound is returned by Update operations when the targeted row does not
// exist.
var ErrNotFound = errors.New("repo: record not found")

// Tenants resolves tenant records.
type Tenants interface {
	Find(ctx context.Context, tenantID string) (schema.Tenant, bool, error)
}

// Reference reads the immutable reference data configuration is validated
// against.
type Reference interface {
	LevelsByName(ctx context.Context, names []string) ([]schema.Level, error)
	GradeLevelsByLevel(ctx context.Context, levelIDs []string) ([]schema.GradeLevel, error)
	SubjectsByLevel(ctx context.Context, levelIDs []string) ([]schema.Subject, error)
	SchoolType(ctx context.Context, id string) (schema.SchoolType, bool, error)
}

// Children bundles the destructive-replace child set of a config root.
type Children struct {
	Levels      []schema.ConfigLevel      `json:"levels"`
	GradeLevels []schema.ConfigGradeLevel `json:"grade_levels"`
	Subjects    []schema.ConfigSubject    `json:"subjects"`
	Streams     []schema.ConfigStream     `json:"streams"`
}

// SchoolConfigs manages configuration roots and their child records.
type SchoolConfigs interface {
	FindActiveByTenant(ctx context.Context, tenantID string) (schema.SchoolConfig, bool, error)
	Create(ctx context.Context, cfg schema.SchoolConfig) error
	Update(ctx context.Context, cfg schema.SchoolConfig) error
	DeleteChildren(ctx context.Context, configID string) error
	AddChildren(ctx context.Context, configID string, children Children) error
	Children(ctx context.Context, configID string) (Children, error)
}

// Assessments manages CA and EXAM records.
type Assessments interface {
	FindByScope(ctx context.Context, scope schema.Scope) ([]schema.Assessment, error)
	MaxCAOrdinal(ctx context.Context, scope schema.Scope) (int64, error)
	FindExam(ctx context.Context, scope schema.Scope) (schema.Assessment, bool, error)
	Create(ctx context.Context, assessment schema.Assessment) error
}

// Store aggregates the repositories and runs blocks inside one transaction.
// The ctx passed to fn carries the transaction; repository calls made with it
// join that transaction, and fn's error rolls everything back.
type Store interface {
	Tenants() Tenants
	Reference() Reference
	SchoolConfigs() SchoolConfigs
	Assessments() Assessments
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}

// CAOrdinal extracts the ordinal from a CA title ("CA 7" → 7). It returns
// zero for titles that do not follow the convention.
func CAOrdinal(title string) int64 {
	rest, ok := strings.CutPrefix(title, "CA ")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 1 {
		return 0
	}
	return n
}
