// Package memory implements repo.Store on mutex-guarded maps. It backs tests
// and mem:// dev deployments. WithinTx serializes writers and restores a
// snapshot when the block fails, which is enough isolation for a single
// process; multi-process deployments use repo/postgres.
package memory

import (
	"context"
	"maps"
	"sync"

	"pkt.systems/schoold/internal/repo"
	"pkt.systems/schoold/internal/schema"
)

// Store implements repo.Store in memory.
type Store struct {
	txMu sync.Mutex

	mu          sync.Mutex
	tenants     map[string]schema.Tenant
	schoolTypes map[string]schema.SchoolType
	levels      map[string]schema.Level
	gradeLevels map[string]schema.GradeLevel
	subjects    map[string]schema.Subject
	configs     map[string]schema.SchoolConfig
	children    map[string]repo.Children
	assessments map[string]schema.Assessment
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants:     make(map[string]schema.Tenant),
		schoolTypes: make(map[string]schema.SchoolType),
		levels:      make(map[string]schema.Level),
		gradeLevels: make(map[string]schema.GradeLevel),
		subjects:    make(map[string]schema.Subject),
		configs:     make(map[string]schema.SchoolConfig),
		children:    make(map[string]repo.Children),
		assessments: make(map[string]schema.Assessment),
	}
}

// Seeding helpers for tests and dev deployments.

// AddTenant registers a tenant.
func (s *Store) AddTenant(t schema.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// AddSchoolType registers reference data.
func (s *Store) AddSchoolType(st schema.SchoolType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schoolTypes[st.ID] = st
}

// AddLevel registers reference data.
func (s *Store) AddLevel(l schema.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[l.ID] = l
}

// AddGradeLevel registers reference data.
func (s *Store) AddGradeLevel(g schema.GradeLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gradeLevels[g.ID] = g
}

// AddSubject registers reference data.
func (s *Store) AddSubject(sub schema.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[sub.ID] = sub
}

// Tenants implements repo.Store.
func (s *Store) Tenants() repo.Tenants { return (*tenants)(s) }

// Reference implements repo.Store.
func (s *Store) Reference() repo.Reference { return (*reference)(s) }

// SchoolConfigs implements repo.Store.
func (s *Store) SchoolConfigs() repo.SchoolConfigs { return (*schoolConfigs)(s) }

// Assessments implements repo.Store.
func (s *Store) Assessments() repo.Assessments { return (*assessments)(s) }

// WithinTx serializes the block against other transactions and rolls the
// whole store back to its pre-block snapshot when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	snapshot := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// Close implements repo.Store and is a no-op.
func (s *Store) Close() error { return nil }

type snapshotState struct {
	configs     map[string]schema.SchoolConfig
	children    map[string]repo.Children
	assessments map[string]schema.Assessment
}

func (s *Store) snapshot() snapshotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshotState{
		configs:     maps.Clone(s.configs),
		children:    make(map[string]repo.Children, len(s.children)),
		assessments: maps.Clone(s.assessments),
	}
	for id, c := range s.children {
		snap.children[id] = cloneChildren(c)
	}
	return snap
}

func (s *Store) restore(snap snapshotState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = snap.configs
	s.children = snap.children
	s.assessments = snap.assessments
}

func cloneChildren(c repo.Children) repo.Children {
	return repo.Children{
		Levels:      append([]schema.ConfigLevel(nil), c.Levels...),
		GradeLevels: append([]schema.ConfigGradeLevel(nil), c.GradeLevels...),
		Subjects:    append([]schema.ConfigSubject(nil), c.Subjects...),
		Streams:     append([]schema.ConfigStream(nil), c.Streams...),
	}
}

type tenants Store

func (t *tenants) Find(_ context.Context, tenantID string) (schema.Tenant, bool, error) {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.tenants[tenantID]
	return tenant, ok, nil
}

type reference Store

func (r *reference) LevelsByName(_ context.Context, names []string) ([]schema.Level, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Level
	for _, name := range names {
		for _, level := range s.levels {
			if level.Name == name {
				out = append(out, level)
				break
			}
		}
	}
	return out, nil
}

func (r *reference) GradeLevelsByLevel(_ context.Context, levelIDs []string) ([]schema.GradeLevel, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(levelIDs))
	for _, id := range levelIDs {
		wanted[id] = struct{}{}
	}
	var out []schema.GradeLevel
	for _, grade := range s.gradeLevels {
		if _, ok := wanted[grade.LevelID]; ok {
			out = append(out, grade)
		}
	}
	return out, nil
}

func (r *reference) SubjectsByLevel(_ context.Context, levelIDs []string) ([]schema.Subject, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(levelIDs))
	for _, id := range levelIDs {
		wanted[id] = struct{}{}
	}
	var out []schema.Subject
	for _, subject := range s.subjects {
		if _, ok := wanted[subject.LevelID]; ok {
			out = append(out, subject)
		}
	}
	return out, nil
}

func (r *reference) SchoolType(_ context.Context, id string) (schema.SchoolType, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.schoolTypes[id]
	return st, ok, nil
}

type schoolConfigs Store

func (c *schoolConfigs) FindActiveByTenant(_ context.Context, tenantID string) (schema.SchoolConfig, bool, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.TenantID == tenantID && cfg.Active {
			return cfg, true, nil
		}
	}
	return schema.SchoolConfig{}, false, nil
}

func (c *schoolConfigs) Create(_ context.Context, cfg schema.SchoolConfig) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Active {
		for _, existing := range s.configs {
			if existing.TenantID == cfg.TenantID && existing.Active {
				return repo.ErrDuplicate
			}
		}
	}
	s.configs[cfg.ID] = cfg
	return nil
}

func (c *schoolConfigs) Update(_ context.Context, cfg schema.SchoolConfig) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.ID]; !ok {
		return repo.ErrNotFound
	}
	s.configs[cfg.ID] = cfg
	return nil
}

func (c *schoolConfigs) DeleteChildren(_ context.Context, configID string) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, configID)
	return nil
}

func (c *schoolConfigs) AddChildren(_ context.Context, configID string, children repo.Children) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.children[configID]
	existing.Levels = append(existing.Levels, children.Levels...)
	existing.GradeLevels = append(existing.GradeLevels, children.GradeLevels...)
	existing.Subjects = append(existing.Subjects, children.Subjects...)
	existing.Streams = append(existing.Streams, children.Streams...)
	s.children[configID] = existing
	return nil
}

func (c *schoolConfigs) Children(_ context.Context, configID string) (repo.Children, error) {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneChildren(s.children[configID]), nil
}

type assessments Store

func (a *assessments) FindByScope(_ context.Context, scope schema.Scope) ([]schema.Assessment, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Assessment
	for _, row := range s.assessments {
		if row.Status == schema.AssessmentActive && row.Scope() == scope {
			out = append(out, row)
		}
	}
	return out, nil
}

func (a *assessments) MaxCAOrdinal(_ context.Context, scope schema.Scope) (int64, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, row := range s.assessments {
		if row.Status != schema.AssessmentActive || row.Type != schema.AssessmentCA || row.Scope() != scope {
			continue
		}
		if n := repo.CAOrdinal(row.Title); n > max {
			max = n
		}
	}
	return max, nil
}

func (a *assessments) FindExam(_ context.Context, scope schema.Scope) (schema.Assessment, bool, error) {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.assessments {
		if row.Status == schema.AssessmentActive && row.Type == schema.AssessmentExam && row.Scope() == scope {
			return row, true, nil
		}
	}
	return schema.Assessment{}, false, nil
}

func (a *assessments) Create(_ context.Context, assessment schema.Assessment) error {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.assessments {
		if row.Status != schema.AssessmentActive || row.Scope() != assessment.Scope() {
			continue
		}
		if row.Title == assessment.Title {
			return repo.ErrDuplicate
		}
		if assessment.Type == schema.AssessmentExam && row.Type == schema.AssessmentExam {
			return repo.ErrDuplicate
		}
	}
	s.assessments[assessment.ID] = assessment
	return nil
}
