// Package lifecycle implements the lifecycle controller, the sole writer
// of Task state: task creation, merge-patch updates, execution, and
// session-keyed upsert, plus the typed view over Task.Context.
package lifecycle

import "fmt"

// ErrNotFound indicates no task or runner exists with the given id.
var ErrNotFound = fmt.Errorf("lifecycle: not found")

// ErrInvalidInput wraps a validation failure with a human-readable detail
// list, surfaced by the HTTP layer as 422.
type ErrInvalidInput struct {
	Detail []string
}

func (e *ErrInvalidInput) Error() string {
	if len(e.Detail) == 0 {
		return "invalid input"
	}
	msg := "invalid input: " + e.Detail[0]
	for _, d := range e.Detail[1:] {
		msg += "; " + d
	}
	return msg
}

// NewInvalidInput builds an ErrInvalidInput from one or more detail strings.
func NewInvalidInput(detail ...string) *ErrInvalidInput {
	return &ErrInvalidInput{Detail: detail}
}

// ErrClaimFailed indicates a claim (transition to running) lost a race or
// was rejected by the store.
var ErrClaimFailed = fmt.Errorf("lifecycle: claim failed")

// ErrStatusInvalid indicates a requested status transition is not allowed
// from the task's current status.
var ErrStatusInvalid = fmt.Errorf("lifecycle: status transition not allowed")

// ErrStorageUnavailable and ErrStorageSchema are re-exported wrappers over
// the store package's errors so callers needn't import internal/store just
// to compare with errors.Is.
var (
	ErrStorageUnavailable = fmt.Errorf("lifecycle: storage unavailable")
	ErrStorageSchema      = fmt.Errorf("lifecycle: storage schema mismatch")
)
