package recovery

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Recovery errors
var (
	ErrRecoveryFailed     = errors.New("recovery failed")
	ErrRecoveryTimeout    = errors.New("recovery timed out")
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrUnverifiedState    = errors.New("recovered state failed verification")
	ErrNeedsResync        = errors.New("validator must re-sync before rejoining")
	ErrNotPartitioned     = errors.New("no partition to recover from")
	ErrBufferFull         = errors.New("message buffer full")
	ErrInvalidConfig      = errors.New("invalid recovery config")
)

// RecoveryError reports the partition recovery step that failed. It matches
// ErrRecoveryFailed as well as the underlying error.
type RecoveryError struct {
	Step   Step
	PlanID uuid.UUID
	Err    error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("%v: plan %s: step %s: %v", ErrRecoveryFailed, e.PlanID, e.Step, e.Err)
}

// Unwrap returns the underlying error
func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching
func (e *RecoveryError) Is(target error) bool {
	return target == ErrRecoveryFailed
}
