package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes forming the failure taxonomy. lock_contention is
// caller-retryable; the rest are terminal for the request.
const (
	CodeLockContention = "lock_contention"
	CodeNotFound       = "not_found"
	CodeValidation     = "validation"
	CodeConflict       = "conflict"
	CodeInfrastructure = "infrastructure"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// AsFailure extracts a Failure from err when one is present.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}

func failLockContention(detail string) Failure {
	return Failure{
		Code:       CodeLockContention,
		Detail:     detail,
		RetryAfter: 1,
		HTTPStatus: http.StatusConflict,
	}
}

func failNotFound(detail string) Failure {
	return Failure{Code: CodeNotFound, Detail: detail, HTTPStatus: http.StatusNotFound}
}

func failValidation(detail string) Failure {
	return Failure{Code: CodeValidation, Detail: detail, HTTPStatus: http.StatusBadRequest}
}

func failConflict(detail string) Failure {
	return Failure{Code: CodeConflict, Detail: detail, HTTPStatus: http.StatusConflict}
}

func failInfrastructure(err error) Failure {
	detail := "shared or persisted store unavailable"
	if err != nil {
		detail = err.Error()
	}
	return Failure{Code: CodeInfrastructure, Detail: detail, HTTPStatus: http.StatusServiceUnavailable}
}
