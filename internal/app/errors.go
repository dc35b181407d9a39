package app

import (
	"fmt"
	"net/http"
)

const (
	codeValidation   = "VALIDATION_ERROR"
	codeForbidden    = "FORBIDDEN"
	codeUnauthorized = "UNAUTHORIZED"
)

// DomainError is a failure the client caused. It is written to the response
// as-is, unlike store and transport errors which mapError classifies.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

// invalidField rejects one field of a request body.
func invalidField(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, message, map[string]string{"field": field})
}

// notAllowed rejects a member acting on something that is not theirs.
func notAllowed(message string) *DomainError {
	return domainError(http.StatusForbidden, codeForbidden, message, nil)
}
