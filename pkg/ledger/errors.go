package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation matches every input error, including unknown member or loan references.
var ErrValidation = errors.New("validation failed")

var (
	ErrMemberNotFound error = &referenceError{entity: "member"}
	ErrLoanNotFound   error = &referenceError{entity: "loan"}

	ErrLoanClosed       = errors.New("loan is already paid")
	ErrMemberInactive   = errors.New("member is inactive")
	ErrMemberHasRecords = errors.New("member has savings transactions or loans")
)

type referenceError struct {
	entity string
}

func (e *referenceError) Error() string { return e.entity + " not found" }

func (e *referenceError) Is(target error) bool { return target == ErrValidation }

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidationErrors collects every rejected field of one request.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

// Details renders the errors as field -> message.
func (v ValidationErrors) Details() map[string]string {
	out := make(map[string]string, len(v))
	for _, e := range v {
		out[e.Field] = e.Message
	}
	return out
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a store failure. Nothing the operation wrote was kept.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConsistencyViolation is an aggregate field that disagrees with its log.
type ConsistencyViolation struct {
	Entity   string `json:"entity"`
	ID       string `json:"id"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Stored   string `json:"stored"`
	Expected string `json:"expected"`
}

func (v ConsistencyViolation) Error() string {
	return fmt.Sprintf("%s %s %s: stored %s, log says %s", v.Entity, v.Code, v.Field, v.Stored, v.Expected)
}

// isDomainError reports errors that come from ledger rules rather than the store.
func isDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrLoanClosed) ||
		errors.Is(err, ErrMemberInactive) ||
		errors.Is(err, ErrMemberHasRecords)
}
