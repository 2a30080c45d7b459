package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}

func validationError(message string) *DomainError {
	return domainError(400, "VALIDATION_ERROR", message)
}

func authError(message string) *DomainError {
	return domainError(401, "AUTH_ERROR", message)
}

func forbiddenError(message string) *DomainError {
	return domainError(403, "FORBIDDEN", message)
}

func notFoundError(message string) *DomainError {
	return domainError(404, "NOT_FOUND", message)
}

// conflictError takes the status explicitly: duplicate emails surface as 400
// to match the public contract, duplicate project names and pending invites
// as 409.
func conflictError(status int, message string) *DomainError {
	return domainError(status, "CONFLICT", message)
}

func upstreamError(message string) *DomainError {
	return domainError(502, "UPSTREAM_ERROR", message)
}
