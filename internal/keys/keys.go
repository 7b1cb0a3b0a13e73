// Package keys builds the lock and cache key templates shared by every
// process instance. The exact formats are load-bearing: other services and
// operational tooling match on them, so they must not drift.
package keys

import "fmt"

// Lock keys.

// SchoolConfigLock serializes configuration writes for one tenant.
func SchoolConfigLock(tenantID string) string {
	return fmt.Sprintf("school_config_lock:%s", tenantID)
}

// ExamLock guards term-exam creation for one (tenant, subject, grade, term)
// scope.
func ExamLock(tenantID, subjectID, gradeLevelID, term string) string {
	return fmt.Sprintf("exam_lock:%s:%s:%s:%s", tenantID, subjectID, gradeLevelID, term)
}

// CALock guards CA numbering for one scope. CA creation runs under the same
// lease discipline as exams so two concurrent creates cannot compute the
// same ordinal.
func CALock(tenantID, subjectID, gradeLevelID, term string) string {
	return fmt.Sprintf("ca_lock:%s:%s:%s:%s", tenantID, subjectID, gradeLevelID, term)
}

// Cache keys.

// Tenant caches the tenant record.
func Tenant(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// TenantExists caches the tenant-existence check.
func TenantExists(tenantID string) string {
	return fmt.Sprintf("tenant:exists:%s", tenantID)
}

// SchoolConfigComplete caches the assembled configuration by config ID.
func SchoolConfigComplete(configID string) string {
	return fmt.Sprintf("school_config:complete:%s", configID)
}

// SchoolConfigCompleteTenant caches the assembled configuration by tenant.
func SchoolConfigCompleteTenant(tenantID string) string {
	return fmt.Sprintf("school_config:complete:tenant:%s", tenantID)
}

// AssessmentScope caches the per-scope assessment map, keyed inside the map
// by "{type}:{assessmentID}".
func AssessmentScope(tenantID, subjectID, gradeLevelID, term string) string {
	return fmt.Sprintf("assessment:%s:%s:%s:%s", tenantID, subjectID, gradeLevelID, term)
}

// AssessmentTenantPrefix covers every assessment cache entry for a tenant,
// used for wide invalidation after a configuration replace.
func AssessmentTenantPrefix(tenantID string) string {
	return fmt.Sprintf("assessment:%s:", tenantID)
}

// CACount is the counter scope for CA ordinals.
func CACount(tenantID, subjectID, gradeLevelID, term string) string {
	return fmt.Sprintf("ca_count:%s:%s:%s:%s", tenantID, subjectID, gradeLevelID, term)
}

// ExamSeq caches the identity of the singleton exam for a scope.
func ExamSeq(tenantID, subjectID, gradeID, term string) string {
	return fmt.Sprintf("exam-seq:%s:%s:%s:%s", tenantID, subjectID, gradeID, term)
}
