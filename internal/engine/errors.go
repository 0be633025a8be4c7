package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a failure detected while evaluating rules.
//
// Runtime errors include:
//   - Guard failure: a guard returned an error or panicked for a frame
//   - Dispatch failure: a then-template could not be substituted or its
//     concept invocation failed
//   - Unknown concept/action: a template referenced something no
//     registered concept provides
//   - Depth exceeded: a chain of rule firings passed the depth limit
//   - Duplicate resolution: a respond targeted an already-settled request
//
// RuntimeError includes structured fields for diagnostics. Evaluation is
// log-and-continue: a RuntimeError for one frame or rule never aborts its
// siblings.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RequestID identifies the affected request, when known.
	RequestID string

	// Rule names the rule being evaluated, when known.
	Rule string

	// TriggerSeq is the sequence number of the record whose wave
	// surfaced the error, when known.
	TriggerSeq int64

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeGuardFailure indicates a guard errored or panicked for a frame.
	ErrCodeGuardFailure RuntimeErrorCode = "ERR_GUARD_FAILURE"

	// ErrCodeDispatchFailure indicates a then-template failed to
	// substitute or its invocation returned an error.
	ErrCodeDispatchFailure RuntimeErrorCode = "ERR_DISPATCH_FAILURE"

	// ErrCodeUnknownConcept indicates a referenced concept isn't registered.
	ErrCodeUnknownConcept RuntimeErrorCode = "ERR_UNKNOWN_CONCEPT"

	// ErrCodeUnknownAction indicates a referenced action doesn't exist.
	ErrCodeUnknownAction RuntimeErrorCode = "ERR_UNKNOWN_ACTION"

	// ErrCodeDepthExceeded indicates a firing chain passed the depth limit.
	ErrCodeDepthExceeded RuntimeErrorCode = "ERR_DEPTH_EXCEEDED"

	// ErrCodeDuplicateResolution indicates a respond targeted a request
	// that was already resolved or timed out.
	ErrCodeDuplicateResolution RuntimeErrorCode = "ERR_DUPLICATE_RESOLUTION"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Rule != "" && e.TriggerSeq > 0 {
		return fmt.Sprintf("%s: %s (rule=%s, trigger_seq=%d)", e.Code, e.Message, e.Rule, e.TriggerSeq)
	}
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (rule=%s)", e.Code, e.Message, e.Rule)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request=%s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsGuardError returns true if the error is a guard failure.
// Uses errors.As to handle wrapped errors.
func IsGuardError(err error) bool {
	return hasCode(err, ErrCodeGuardFailure)
}

// IsDispatchError returns true if the error is a dispatch failure.
// Uses errors.As to handle wrapped errors.
func IsDispatchError(err error) bool {
	return hasCode(err, ErrCodeDispatchFailure)
}

// IsDepthError returns true if the error is a chain depth error.
// Uses errors.As to handle wrapped errors.
func IsDepthError(err error) bool {
	return hasCode(err, ErrCodeDepthExceeded)
}

// IsUnknownActionError returns true if the error reports an unregistered
// concept or a missing action on a registered concept.
func IsUnknownActionError(err error) bool {
	return hasCode(err, ErrCodeUnknownConcept) || hasCode(err, ErrCodeUnknownAction)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewGuardError creates a RuntimeError for a failed guard invocation.
func NewGuardError(ruleName string, triggerSeq int64, cause error) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeGuardFailure,
		Message:    "guard failed for frame",
		Rule:       ruleName,
		TriggerSeq: triggerSeq,
		Err:        cause,
	}
}

// NewDispatchError creates a RuntimeError for a failed dispatch.
func NewDispatchError(ruleName string, triggerSeq int64, cause error) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeDispatchFailure,
		Message:    "dispatch failed for frame",
		Rule:       ruleName,
		TriggerSeq: triggerSeq,
		Err:        cause,
	}
}

// NewUnknownConceptError creates a RuntimeError for an unregistered concept.
func NewUnknownConceptError(concept string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownConcept,
		Message: fmt.Sprintf("concept %q is not registered", concept),
		Details: map[string]string{"concept": concept},
		Err:     cause,
	}
}

// NewUnknownActionError creates a RuntimeError for a missing action.
func NewUnknownActionError(ref string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownAction,
		Message: fmt.Sprintf("action %q does not exist", ref),
		Details: map[string]string{"action": ref},
		Err:     cause,
	}
}

// NewDepthError creates a RuntimeError for an exceeded chain depth.
func NewDepthError(depth, limit int, triggerSeq int64) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeDepthExceeded,
		Message:    fmt.Sprintf("firing chain depth %d exceeds limit %d", depth, limit),
		TriggerSeq: triggerSeq,
		Details: map[string]string{
			"depth": fmt.Sprintf("%d", depth),
			"limit": fmt.Sprintf("%d", limit),
		},
	}
}

// NewDuplicateResolutionError creates a RuntimeError for a respond that
// arrived after its request was already settled.
func NewDuplicateResolutionError(requestID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeDuplicateResolution,
		Message:   "request already settled; response dropped",
		RequestID: requestID,
		Err:       cause,
	}
}
