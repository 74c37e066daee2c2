package app

import "fmt"

// DomainError is the one error shape the service hands the HTTP layer.
// Code is a stable machine-readable tag (VALIDATION_ERROR, UNAUTHORIZED,
// FORBIDDEN, NOT_FOUND, CONFLICT, INTERNAL); Status is the HTTP status
// it maps to. Store-level sentinel errors are translated into these by
// mapError before leaving the process.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
