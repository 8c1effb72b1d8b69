package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter is a caller or configuration error (bad k, empty query, unknown mode).
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrSourceUnavailable means a candidate source failed or timed out.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMissingQuery means a retrieval record references an unknown question id.
	ErrMissingQuery = errors.New("missing query")
	// ErrEmptyGroup means a requested metrics group has no queries.
	ErrEmptyGroup = errors.New("empty group")
	// ErrJudgmentUnavailable means the LLM judge call failed or returned no verdict.
	ErrJudgmentUnavailable = errors.New("judgment unavailable")
)

// WrapError attaches an operation name to err while keeping kind matchable with errors.Is.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

// Reason codes recorded on failed or skipped retrieval records.
const (
	ReasonSourceUnavailable = "source_unavailable"
	ReasonTimeout           = "timeout"
	ReasonInvalidQuery      = "invalid_query"
	ReasonResumed           = "resumed"
	ReasonCanceled          = "canceled"
	ReasonError             = "error"
)

// ReasonFor maps an error to the reason code stored on a record.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrSourceUnavailable):
		return ReasonSourceUnavailable
	case errors.Is(err, ErrInvalidParameter):
		return ReasonInvalidQuery
	default:
		return ReasonError
	}
}
