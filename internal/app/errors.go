package app

import (
	"fmt"
	"net/http"
)

// DomainError carries an HTTP status and a stable machine code through
// the service layer; mapError unpacks it at the edge.
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

func errValidation(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func errConflict(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}
