package app

import (
	"fmt"
	"net/http"
)

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

// Is matches any DomainError carrying the same code, so callers can test
// errors.Is(err, app.ErrTerminalState).
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e != nil && t.Code == e.Code
}

var (
	ErrValidation        = &DomainError{Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: "Validation failed"}
	ErrInvalidLocation   = &DomainError{Status: http.StatusUnprocessableEntity, Code: "INVALID_LOCATION", Message: "Location is not a valid coordinate"}
	ErrTerminalState     = &DomainError{Status: http.StatusConflict, Code: "TERMINAL_STATE", Message: "Report is already resolved"}
	ErrNotFound          = &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Not found"}
	ErrOffline           = &DomainError{Status: http.StatusServiceUnavailable, Code: "OFFLINE", Message: "Device is offline"}
	ErrSafeUploadPending = &DomainError{Status: http.StatusConflict, Code: "SAFE_UPLOAD_PENDING", Message: "Report is held until it is safe to send"}
)

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, fields ...string) *DomainError {
	return domainError(ErrValidation.Status, ErrValidation.Code, message, map[string]any{"fields": fields})
}

func notFound(what, id string) *DomainError {
	return domainError(ErrNotFound.Status, ErrNotFound.Code, fmt.Sprintf("%s %s not found", what, id), nil)
}
