package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidInput wraps proposal and context validation failures.
var ErrInvalidInput = errors.New("invalid input")

// Fault kinds.
const (
	FaultTransform = "transform"
	FaultScorer    = "scorer"
	FaultApproval  = "approval"
)

// FaultError is an internal engine failure. It is never a business verdict:
// when Evaluate returns a FaultError it returns no Decision.
type FaultError struct {
	Kind       string
	ProposalID string
	Err        error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("engine fault (%s) on proposal %s: %v", e.Kind, e.ProposalID, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// IsFault reports whether err is a FaultError.
func IsFault(err error) bool {
	var f *FaultError
	return errors.As(err, &f)
}
