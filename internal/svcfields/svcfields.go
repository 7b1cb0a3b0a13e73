// Package svcfields standardizes structured-log field names shared across
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// TenantKey is the canonical key for tenant identifiers.
const TenantKey = pslog.TrustedString("tenant")

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTenant attaches the tenant identifier to every log entry.
func WithTenant(logger pslog.Logger, tenantID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if tenantID == "" {
		return logger
	}
	return logger.With(TenantKey, tenantID)
}
