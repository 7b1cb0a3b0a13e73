// Package api defines the JSON request/response shapes of the HTTP surface.
package api

import "time"

// ErrorResponse is the uniform error body. RetryAfterSeconds is set for
// retryable contention errors and mirrors the Retry-After header.
type ErrorResponse struct {
	ErrorCode         string `json:"error"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// Stream is an optional class stream within a configured grade level.
type Stream struct {
	GradeLevelID string `json:"grade_level_id"`
	Name         string `json:"name"`
}

// ConfigureSchoolRequest selects the levels a school offers. Grade levels and
// subjects are derived server-side from the selection.
type ConfigureSchoolRequest struct {
	LevelNames []string `json:"level_names"`
	Streams    []Stream `json:"streams,omitempty"`
}

// ConfigLevel is one configured level.
type ConfigLevel struct {
	ID      string `json:"id"`
	LevelID string `json:"level_id"`
}

// ConfigGradeLevel is one configured grade level.
type ConfigGradeLevel struct {
	ID           string `json:"id"`
	GradeLevelID string `json:"grade_level_id"`
}

// ConfigSubject is one configured subject.
type ConfigSubject struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
}

// ConfigStream is one configured class stream.
type ConfigStream struct {
	ID           string `json:"id"`
	GradeLevelID string `json:"grade_level_id"`
	Name         string `json:"name"`
}

// SchoolConfigResponse is the assembled configuration of one tenant.
type SchoolConfigResponse struct {
	ConfigID       string             `json:"config_id"`
	TenantID       string             `json:"tenant_id"`
	SchoolTypeID   string             `json:"school_type_id"`
	SchoolTypeName string             `json:"school_type_name"`
	Levels         []ConfigLevel      `json:"levels"`
	GradeLevels    []ConfigGradeLevel `json:"grade_levels"`
	Subjects       []ConfigSubject    `json:"subjects"`
	Streams        []ConfigStream     `json:"streams,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// CreateAssessmentRequest creates a CA or EXAM in one
// (subject, grade level, term) scope of the tenant.
type CreateAssessmentRequest struct {
	Type         string `json:"type"`
	SubjectID    string `json:"subject_id"`
	GradeLevelID string `json:"grade_level_id"`
	Term         string `json:"term"`
	Title        string `json:"title,omitempty"`
}

// Assessment is one CA or EXAM record.
type Assessment struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	SubjectID    string    `json:"subject_id"`
	GradeLevelID string    `json:"grade_level_id"`
	Term         string    `json:"term"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAssessmentResponse reports the assessment and whether this request
// created it. Created is false when an existing singleton exam was returned.
type CreateAssessmentResponse struct {
	Assessment Assessment `json:"assessment"`
	Created    bool       `json:"created"`
}

// ListAssessmentsResponse lists a scope's active assessments, oldest first.
type ListAssessmentsResponse struct {
	Assessments []Assessment `json:"assessments"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status string `json:"status"`
}
