package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

const (
	codeValidation = "VALIDATION_ERROR"
	codeInternal   = "INTERNAL_CONSISTENCY"

	codeSurveyReleased    = "SURVEY_RELEASED"
	codeAlreadyReleased   = "ALREADY_RELEASED"
	codeNameIDImmutable   = "NAME_ID_IMMUTABLE"
	codeNameIDTaken       = "NAME_ID_TAKEN"
	codeNotVersionable    = "NOT_VERSIONABLE"
	codeHasDependents     = "HAS_DEPENDENTS"
	codeNoEditableVersion = "NO_EDITABLE_VERSION"
	codeEditVersionExists = "EDIT_VERSION_EXISTS"
	codeConcurrentUpdate  = "CONCURRENT_UPDATE"
	codeNotArchived       = "NOT_ARCHIVED"
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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// validationError rejects bad or missing input. Nothing has been written.
func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, message, details)
}

// conflictError rejects an operation that is invalid for the current state of
// the survey family. The caller may retry after changing that state.
func conflictError(code, message string, details any) *DomainError {
	return domainError(http.StatusConflict, code, message, details)
}

// internalError reports a broken invariant in stored data.
func internalError(format string, args ...any) *DomainError {
	return domainError(http.StatusInternalServerError, codeInternal, fmt.Sprintf(format, args...), nil)
}

func IsValidation(err error) bool {
	return hasStatus(err, http.StatusUnprocessableEntity)
}

func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func IsInternal(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == codeInternal
}

func hasStatus(err error, status int) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Status == status
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
