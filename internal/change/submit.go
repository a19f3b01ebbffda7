package change

import (
	"context"
	"errors"
	"fmt"
)

// SubmissionResult describes where an artifact ended up.
type SubmissionResult struct {
	Submitter string `json:"submitter"`
	Reference string `json:"reference"` // e.g. branch name or archive prefix
	Location  string `json:"location"`  // e.g. commit hash or bucket URL
}

// Submitter hands an artifact to an external change-management system.
// A submission either succeeds as a whole or returns an error.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, a Artifact) (SubmissionResult, error)
}

// SubmissionError wraps a collaborator failure without hiding it.
type SubmissionError struct {
	Submitter string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission via %s failed: %v", e.Submitter, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Submit calls s once and normalizes any failure into a *SubmissionError.
// There are no retries. Cancellation is not a collaborator failure: once ctx
// is done its error is returned as is.
func Submit(ctx context.Context, s Submitter, a Artifact) (SubmissionResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmissionResult{}, err
	}

	result, err := s.Submit(ctx, a)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return SubmissionResult{}, ctxErr
		}
		var subErr *SubmissionError
		if errors.As(err, &subErr) {
			return SubmissionResult{}, err
		}
		return SubmissionResult{}, &SubmissionError{Submitter: s.Name(), Err: err}
	}
	if result.Submitter == "" {
		result.Submitter = s.Name()
	}
	return result, nil
}
