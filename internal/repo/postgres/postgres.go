// Package postgres implements repo.Store on PostgreSQL via pgx. Repository
// calls made with the ctx passed into WithinTx join that transaction; outside
// a transaction they run directly against the pool.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/schoold/internal/repo"
	"pkt.systems/schoold/internal/schema"
)

//go:embed schema.sql
var ddl string

const uniqueViolation = "23505"

// Store implements repo.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and returns a Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded DDL. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type txKey struct{}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithinTx runs fn inside one transaction: begin, rollback on error, commit
// on success. The transaction handle rides in fn's ctx.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Tenants implements repo.Store.
func (s *Store) Tenants() repo.Tenants { return (*tenants)(s) }

// Reference implements repo.Store.
func (s *Store) Reference() repo.Reference { return (*reference)(s) }

// SchoolConfigs implements repo.Store.
func (s *Store) SchoolConfigs() repo.SchoolConfigs { return (*schoolConfigs)(s) }

// Assessments implements repo.Store.
func (s *Store) Assessments() repo.Assessments { return (*assessments)(s) }

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repo.ErrDuplicate
	}
	return err
}

type tenants Store

func (t *tenants) Find(ctx context.Context, tenantID string) (schema.Tenant, bool, error) {
	s := (*Store)(t)
	var out schema.Tenant
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, name, active, created_at FROM tenants WHERE id = $1`,
		tenantID,
	).Scan(&out.ID, &out.Name, &out.Active, &out.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Tenant{}, false, nil
	}
	if err != nil {
		return schema.Tenant{}, false, fmt.Errorf("postgres: find tenant: %w", err)
	}
	return out, true, nil
}

type reference Store

func (r *reference) LevelsByName(ctx context.Context, names []string) ([]schema.Level, error) {
	s := (*Store)(r)
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, name, school_type_id FROM levels WHERE name = ANY($1)`,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: levels by name: %w", err)
	}
	defer rows.Close()
	var out []schema.Level
	for rows.Next() {
		var level schema.Level
		if err := rows.Scan(&level.ID, &level.Name, &level.SchoolTypeID); err != nil {
			return nil, fmt.Errorf("postgres: scan level: %w", err)
		}
		out = append(out, level)
	}
	return out, rows.Err()
}

func (r *reference) GradeLevelsByLevel(ctx context.Context, levelIDs []string) ([]schema.GradeLevel, error) {
	s := (*Store)(r)
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, name, level_id FROM grade_levels WHERE level_id = ANY($1)`,
		levelIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: grade levels: %w", err)
	}
	defer rows.Close()
	var out []schema.GradeLevel
	for rows.Next() {
		var grade schema.GradeLevel
		if err := rows.Scan(&grade.ID, &grade.Name, &grade.LevelID); err != nil {
			return nil, fmt.Errorf("postgres: scan grade level: %w", err)
		}
		out = append(out, grade)
	}
	return out, rows.Err()
}

func (r *reference) SubjectsByLevel(ctx context.Context, levelIDs []string) ([]schema.Subject, error) {
	s := (*Store)(r)
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, name, level_id FROM subjects WHERE level_id = ANY($1)`,
		levelIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: subjects: %w", err)
	}
	defer rows.Close()
	var out []schema.Subject
	for rows.Next() {
		var subject schema.Subject
		if err := rows.Scan(&subject.ID, &subject.Name, &subject.LevelID); err != nil {
			return nil, fmt.Errorf("postgres: scan subject: %w", err)
		}
		out = append(out, subject)
	}
	return out, rows.Err()
}

func (r *reference) SchoolType(ctx context.Context, id string) (schema.SchoolType, bool, error) {
	s := (*Store)(r)
	var out schema.SchoolType
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, name FROM school_types WHERE id = $1`, id,
	).Scan(&out.ID, &out.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.SchoolType{}, false, nil
	}
	if err != nil {
		return schema.SchoolType{}, false, fmt.Errorf("postgres: school type: %w", err)
	}
	return out, true, nil
}

type schoolConfigs Store

func (c *schoolConfigs) FindActiveByTenant(ctx context.Context, tenantID string) (schema.SchoolConfig, bool, error) {
	s := (*Store)(c)
	var out schema.SchoolConfig
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, school_type_id, active, created_at, updated_at
		   FROM school_configs WHERE tenant_id = $1 AND active`,
		tenantID,
	).Scan(&out.ID, &out.TenantID, &out.SchoolTypeID, &out.Active, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.SchoolConfig{}, false, nil
	}
	if err != nil {
		return schema.SchoolConfig{}, false, fmt.Errorf("postgres: find config: %w", err)
	}
	return out, true, nil
}

func (c *schoolConfigs) Create(ctx context.Context, cfg schema.SchoolConfig) error {
	s := (*Store)(c)
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO school_configs (id, tenant_id, school_type_id, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cfg.ID, cfg.TenantID, cfg.SchoolTypeID, cfg.Active, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err := mapWriteError(err); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		return fmt.Errorf("postgres: create config: %w", err)
	}
	return nil
}

func (c *schoolConfigs) Update(ctx context.Context, cfg schema.SchoolConfig) error {
	s := (*Store)(c)
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE school_configs SET school_type_id = $2, active = $3, updated_at = $4 WHERE id = $1`,
		cfg.ID, cfg.SchoolTypeID, cfg.Active, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (c *schoolConfigs) DeleteChildren(ctx context.Context, configID string) error {
	s := (*Store)(c)
	for _, table := range []string{"config_levels", "config_grade_levels", "config_subjects", "config_streams"} {
		if _, err := s.q(ctx).Exec(ctx,
			`DELETE FROM `+table+` WHERE config_id = $1`, configID,
		); err != nil {
			return fmt.Errorf("postgres: delete %s: %w", table, err)
		}
	}
	return nil
}

func (c *schoolConfigs) AddChildren(ctx context.Context, configID string, children repo.Children) error {
	s := (*Store)(c)
	q := s.q(ctx)
	for _, level := range children.Levels {
		if _, err := q.Exec(ctx,
			`INSERT INTO config_levels (id, config_id, level_id) VALUES ($1, $2, $3)`,
			level.ID, configID, level.LevelID,
		); err != nil {
			return fmt.Errorf("postgres: insert config level: %w", mapWriteError(err))
		}
	}
	for _, grade := range children.GradeLevels {
		if _, err := q.Exec(ctx,
			`INSERT INTO config_grade_levels (id, config_id, grade_level_id) VALUES ($1, $2, $3)`,
			grade.ID, configID, grade.GradeLevelID,
		); err != nil {
			return fmt.Errorf("postgres: insert config grade level: %w", mapWriteError(err))
		}
	}
	for _, subject := range children.Subjects {
		if _, err := q.Exec(ctx,
			`INSERT INTO config_subjects (id, config_id, subject_id) VALUES ($1, $2, $3)`,
			subject.ID, configID, subject.SubjectID,
		); err != nil {
			return fmt.Errorf("postgres: insert config subject: %w", mapWriteError(err))
		}
	}
	for _, stream := range children.Streams {
		if _, err := q.Exec(ctx,
			`INSERT INTO config_streams (id, config_id, grade_level_id, name) VALUES ($1, $2, $3, $4)`,
			stream.ID, configID, stream.GradeLevelID, stream.Name,
		); err != nil {
			return fmt.Errorf("postgres: insert config stream: %w", mapWriteError(err))
		}
	}
	return nil
}

func (c *schoolConfigs) Children(ctx context.Context, configID string) (repo.Children, error) {
	s := (*Store)(c)
	q := s.q(ctx)
	var out repo.Children

	rows, err := q.Query(ctx, `SELECT id, level_id FROM config_levels WHERE config_id = $1`, configID)
	if err != nil {
		return repo.Children{}, fmt.Errorf("postgres: config levels: %w", err)
	}
	for rows.Next() {
		child := schema.ConfigLevel{ConfigID: configID}
		if err := rows.Scan(&child.ID, &child.LevelID); err != nil {
			rows.Close()
			return repo.Children{}, fmt.Errorf("postgres: scan config level: %w", err)
		}
		out.Levels = append(out.Levels, child)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return repo.Children{}, err
	}

	rows, err = q.Query(ctx, `SELECT id, grade_level_id FROM config_grade_levels WHERE config_id = $1`, configID)
	if err != nil {
		return repo.Children{}, fmt.Errorf("postgres: config grade levels: %w", err)
	}
	for rows.Next() {
		child := schema.ConfigGradeLevel{ConfigID: configID}
		if err := rows.Scan(&child.ID, &child.GradeLevelID); err != nil {
			rows.Close()
			return repo.Children{}, fmt.Errorf("postgres: scan config grade level: %w", err)
		}
		out.GradeLevels = append(out.GradeLevels, child)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return repo.Children{}, err
	}

	rows, err = q.Query(ctx, `SELECT id, subject_id FROM config_subjects WHERE config_id = $1`, configID)
	if err != nil {
		return repo.Children{}, fmt.Errorf("postgres: config subjects: %w", err)
	}
	for rows.Next() {
		child := schema.ConfigSubject{ConfigID: configID}
		if err := rows.Scan(&child.ID, &child.SubjectID); err != nil {
			rows.Close()
			return repo.Children{}, fmt.Errorf("postgres: scan config subject: %w", err)
		}
		out.Subjects = append(out.Subjects, child)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return repo.Children{}, err
	}

	rows, err = q.Query(ctx, `SELECT id, grade_level_id, name FROM config_streams WHERE config_id = $1`, configID)
	if err != nil {
		return repo.Children{}, fmt.Errorf("postgres: config streams: %w", err)
	}
	for rows.Next() {
		child := schema.ConfigStream{ConfigID: configID}
		if err := rows.Scan(&child.ID, &child.GradeLevelID, &child.Name); err != nil {
			rows.Close()
			return repo.Children{}, fmt.Errorf("postgres: scan config stream: %w", err)
		}
		out.Streams = append(out.Streams, child)
	}
	rows.Close()
	return out, rows.Err()
}

type assessments Store

const assessmentColumns = `id, type, title, tenant_id, subject_id, grade_level_id, term, status, created_at`

func scanAssessment(row pgx.Row) (schema.Assessment, error) {
	var out schema.Assessment
	err := row.Scan(&out.ID, &out.Type, &out.Title, &out.TenantID, &out.SubjectID,
		&out.GradeLevelID, &out.Term, &out.Status, &out.CreatedAt)
	return out, err
}

func (a *assessments) FindByScope(ctx context.Context, scope schema.Scope) ([]schema.Assessment, error) {
	s := (*Store)(a)
	rows, err := s.q(ctx).Query(ctx,
		`SELECT `+assessmentColumns+` FROM assessments
		  WHERE tenant_id = $1 AND subject_id = $2 AND grade_level_id = $3 AND term = $4
		    AND status = 'ACTIVE'
		  ORDER BY created_at`,
		scope.TenantID, scope.SubjectID, scope.GradeLevelID, string(scope.Term),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: assessments by scope: %w", err)
	}
	defer rows.Close()
	var out []schema.Assessment
	for rows.Next() {
		row, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan assessment: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *assessments) MaxCAOrdinal(ctx context.Context, scope schema.Scope) (int64, error) {
	s := (*Store)(a)
	var max int64
	err := s.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX((substring(title FROM 4))::bigint), 0) FROM assessments
		  WHERE tenant_id = $1 AND subject_id = $2 AND grade_level_id = $3 AND term = $4
		    AND type = 'CA' AND status = 'ACTIVE' AND title ~ '^CA [0-9]+$'`,
		scope.TenantID, scope.SubjectID, scope.GradeLevelID, string(scope.Term),
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres: max ca ordinal: %w", err)
	}
	return max, nil
}

func (a *assessments) FindExam(ctx context.Context, scope schema.Scope) (schema.Assessment, bool, error) {
	s := (*Store)(a)
	row := s.q(ctx).QueryRow(ctx,
		`SELECT `+assessmentColumns+` FROM assessments
		  WHERE tenant_id = $1 AND subject_id = $2 AND grade_level_id = $3 AND term = $4
		    AND type = 'EXAM' AND status = 'ACTIVE'`,
		scope.TenantID, scope.SubjectID, scope.GradeLevelID, string(scope.Term),
	)
	out, err := scanAssessment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Assessment{}, false, nil
	}
	if err != nil {
		return schema.Assessment{}, false, fmt.Errorf("postgres: find exam: %w", err)
	}
	return out, true, nil
}

func (a *assessments) Create(ctx context.Context, assessment schema.Assessment) error {
	s := (*Store)(a)
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO assessments (`+assessmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		assessment.ID, string(assessment.Type), assessment.Title, assessment.TenantID,
		assessment.SubjectID, assessment.GradeLevelID, string(assessment.Term),
		string(assessment.Status), assessment.CreatedAt,
	)
	if err := mapWriteError(err); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		return fmt.Errorf("postgres: create assessment: %w", err)
	}
	return nil
}
