// Package outcome holds the closed set of result variants every entry point
// reports: success, validation, not_found, conflict and system_error.
package outcome

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindSuccess    Kind = "success"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindSystem     Kind = "system_error"
)

const (
	CodeInvalidRequest     = "InvalidRequest"
	CodeCardNotFound       = "CardNotFound"
	CodeNoActiveAssignment = "NoActiveAssignment"
	CodeStudentInactive    = "StudentInactive"
	CodeStudentNotFound    = "StudentNotFound"
	CodeDriverNotFound     = "DriverNotFound"
	CodeIncidentNotFound   = "IncidentNotFound"
	CodeDuplicateScan      = "DuplicateScan"
	CodeInvalidTransition  = "InvalidTransition"
	CodeAssignmentOverlap  = "AssignmentOverlap"
	CodeSystemError        = "SystemError"
)

type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(code, detail string) *Error {
	return &Error{Kind: KindValidation, Code: code, Detail: detail}
}

func NotFound(code string) *Error {
	return &Error{Kind: KindNotFound, Code: code}
}

func Conflict(code string) *Error {
	return &Error{Kind: KindConflict, Code: code}
}

// System wraps a data-store or transport failure. The cause is kept for logs
// and never shown to callers.
func System(op string, err error) *Error {
	return &Error{Kind: KindSystem, Code: CodeSystemError, Err: fmt.Errorf("%s: %w", op, err)}
}

// From classifies any error. Errors that are not *Error are system errors.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Kind: KindSystem, Code: CodeSystemError, Err: err}
}

// KindOf returns KindSuccess for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	return From(err).Kind
}

func IsCode(err error, code string) bool {
	oe := From(err)
	return oe != nil && oe.Code == code
}
