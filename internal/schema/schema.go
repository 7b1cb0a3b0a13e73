// Package schema holds the persisted domain records shared by the repository
// layer and the service. These are the authoritative shapes; everything the
// kv layer holds is derived from them.
package schema

import (
	"fmt"
	"time"
)

// Term identifies one of the three school terms.
type Term string

const (
	Term1 Term = "TERM_1"
	Term2 Term = "TERM_2"
	Term3 Term = "TERM_3"
)

// Valid reports whether t is one of the known terms.
func (t Term) Valid() bool {
	switch t {
	case Term1, Term2, Term3:
		return true
	}
	return false
}

// Terms lists the known terms in order.
func Terms() []Term {
	return []Term{Term1, Term2, Term3}
}

// AssessmentType distinguishes continuous assessments from term examinations.
type AssessmentType string

const (
	AssessmentCA   AssessmentType = "CA"
	AssessmentExam AssessmentType = "EXAM"
)

// Valid reports whether a is a known assessment type.
func (a AssessmentType) Valid() bool {
	return a == AssessmentCA || a == AssessmentExam
}

// AssessmentStatus is the lifecycle state of an assessment record.
type AssessmentStatus string

const (
	AssessmentActive  AssessmentStatus = "ACTIVE"
	AssessmentDeleted AssessmentStatus = "DELETED"
)

// Tenant is one school on the platform.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SchoolType is reference data: the kind of school a level belongs to
// (e.g. primary, secondary).
type SchoolType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Level is reference data: a named education level within one school type.
type Level struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SchoolTypeID string `json:"school_type_id"`
}

// GradeLevel is reference data: a grade within a level.
type GradeLevel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LevelID string `json:"level_id"`
}

// Subject is reference data: a subject taught within a level.
type Subject struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LevelID string `json:"level_id"`
}

// SchoolConfig is the configuration root. Exactly one active config exists
// per tenant; reconfiguration keeps the root and replaces its children.
type SchoolConfig struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	SchoolTypeID string    `json:"school_type_id"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConfigLevel links a config root to a selected level.
type ConfigLevel struct {
	ID       string `json:"id"`
	ConfigID string `json:"config_id"`
	LevelID  string `json:"level_id"`
}

// ConfigGradeLevel links a config root to an offered grade level.
type ConfigGradeLevel struct {
	ID           string `json:"id"`
	ConfigID     string `json:"config_id"`
	GradeLevelID string `json:"grade_level_id"`
}

// ConfigSubject links a config root to an offered subject.
type ConfigSubject struct {
	ID        string `json:"id"`
	ConfigID  string `json:"config_id"`
	SubjectID string `json:"subject_id"`
}

// ConfigStream is an optional class stream within a configured grade level.
type ConfigStream struct {
	ID           string `json:"id"`
	ConfigID     string `json:"config_id"`
	GradeLevelID string `json:"grade_level_id"`
	Name         string `json:"name"`
}

// Scope identifies a counting or singleton domain for assessments.
type Scope struct {
	TenantID     string `json:"tenant_id"`
	SubjectID    string `json:"subject_id"`
	GradeLevelID string `json:"grade_level_id"`
	Term         Term   `json:"term"`
}

// Validate checks that every field of the scope is present and the term is
// known.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("scope: tenant id is required")
	}
	if s.SubjectID == "" {
		return fmt.Errorf("scope: subject id is required")
	}
	if s.GradeLevelID == "" {
		return fmt.Errorf("scope: grade level id is required")
	}
	if !s.Term.Valid() {
		return fmt.Errorf("scope: unknown term %q", s.Term)
	}
	return nil
}

// Assessment is a persisted CA or EXAM record. CA titles carry the ordinal
// ("CA 1", "CA 2", …); at most one active EXAM exists per scope.
type Assessment struct {
	ID           string           `json:"id"`
	Type         AssessmentType   `json:"type"`
	Title        string           `json:"title"`
	TenantID     string           `json:"tenant_id"`
	SubjectID    string           `json:"subject_id"`
	GradeLevelID string           `json:"grade_level_id"`
	Term         Term             `json:"term"`
	Status       AssessmentStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Scope returns the counting/singleton scope this assessment belongs to.
func (a Assessment) Scope() Scope {
	return Scope{
		TenantID:     a.TenantID,
		SubjectID:    a.SubjectID,
		GradeLevelID: a.GradeLevelID,
		Term:         a.Term,
	}
}

// CATitle renders the title for a CA ordinal.
func CATitle(ordinal int64) string {
	return fmt.Sprintf("CA %d", ordinal)
}
