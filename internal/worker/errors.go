package worker

import "errors"

var (
	// ErrJobCancelled is returned by the executor when a cancellation
	// request was observed between test cases. Not a failure: the job's
	// status is already Cancelled and partial results stay in the report.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrNoTestCases is returned when a job expands to zero test cases.
	ErrNoTestCases = errors.New("job expands to no test cases")

	// ErrUnresolvedPlaceholder is returned when a template token has no
	// matching parameter in the test case's parameter map.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
)

// RetryableError wraps job-level infrastructure faults that should send
// the job back through the retry path.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError anywhere in its
// chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
