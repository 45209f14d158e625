// Package apperrors defines the EMPI error taxonomy (§7): validation errors,
// concurrency errors, and not-found errors, each surfaced to callers with a
// structured kind and message rather than a bare wrapped error.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel concurrency error. Compare with errors.Is.
var ErrConcurrentMatchUpdates = errors.New("concurrent match updates: MATCH_UPDATE is held exclusively")

// ValidationError covers InvalidPotentialMatch, InvalidPersonUpdate, and
// InvalidPersonRecordFileFormat — all surfaced without state change.
type ValidationError struct {
	Kind    string // e.g. "InvalidPotentialMatch", "InvalidPersonUpdate"
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewInvalidPotentialMatch builds the §4.6 InvalidPotentialMatch error.
func NewInvalidPotentialMatch(format string, args ...any) error {
	return &ValidationError{Kind: "InvalidPotentialMatch", Message: fmt.Sprintf(format, args...)}
}

// NewInvalidPersonUpdate builds the §4.6 InvalidPersonUpdate error.
func NewInvalidPersonUpdate(format string, args ...any) error {
	return &ValidationError{Kind: "InvalidPersonUpdate", Message: fmt.Sprintf(format, args...)}
}

// NewInvalidPersonRecordFileFormat builds the §4.4 staging format error.
func NewInvalidPersonRecordFileFormat(format string, args ...any) error {
	return &ValidationError{Kind: "InvalidPersonRecordFileFormat", Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError,
// optionally narrowed to a specific kind when kind != "".
func IsValidationError(err error, kind string) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return kind == "" || ve.Kind == kind
}

// NotFoundError covers MatchGroup.DoesNotExist and Person.DoesNotExist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s.DoesNotExist: %s", e.Entity, e.Key)
}

// NewMatchGroupNotFound builds a MatchGroup.DoesNotExist error.
func NewMatchGroupNotFound(key string) error {
	return &NotFoundError{Entity: "MatchGroup", Key: key}
}

// NewPersonNotFound builds a Person.DoesNotExist error.
func NewPersonNotFound(key string) error {
	return &NotFoundError{Entity: "Person", Key: key}
}

// IsNotFound reports whether err is (or wraps) a *NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// VersionMismatchError is the optimistic-concurrency failure on Person or
// MatchGroup updates (§4.5.1, §4.6).
type VersionMismatchError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s %s version mismatch: expected %d, actual %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// IsVersionMismatch reports whether err is (or wraps) a *VersionMismatchError.
func IsVersionMismatch(err error) bool {
	var vme *VersionMismatchError
	return errors.As(err, &vme)
}

// FatalJobError wraps any database error, linker failure, or invariant
// violation encountered during Matcher execution (§7). The Matcher's
// orchestrator catches this, rolls back, and marks the Job failed.
type FatalJobError struct {
	Stage string
	Err   error
}

func (e *FatalJobError) Error() string {
	return fmt.Sprintf("matcher fatal error at stage %q: %v", e.Stage, e.Err)
}

func (e *FatalJobError) Unwrap() error { return e.Err }

// NewFatalJobError wraps err with the pipeline stage it occurred in.
func NewFatalJobError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalJobError{Stage: stage, Err: err}
}
