package job

import (
	"errors"
	"fmt"
)

// ErrorKind classifies submission failures.
type ErrorKind string

const (
	// KindMalformed means the definition can never be submitted as-is.
	KindMalformed ErrorKind = "malformed"
	// KindUnavailable means the service could not accept the job right now.
	KindUnavailable ErrorKind = "unavailable"
)

// SubmissionError reports why a job could not be submitted.
type SubmissionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submit (%s): %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("submission %s: %v", e.Kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting could succeed.
func (e *SubmissionError) Retryable() bool {
	return e.Kind == KindUnavailable
}

// AsSubmissionError extracts a SubmissionError from err.
func AsSubmissionError(err error) (*SubmissionError, bool) {
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return subErr, true
	}
	return nil, false
}
