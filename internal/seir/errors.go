package seir

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParams marks configuration rejected before a run starts.
	ErrInvalidParams = errors.New("seir: invalid parameters")

	// ErrNumerical marks a run aborted because a compartment left its domain.
	ErrNumerical = errors.New("seir: numerical domain violation")
)

// NumericalError reports the step at which a compartment became NaN, infinite
// or negative beyond tolerance.
type NumericalError struct {
	Step        int
	T           float64
	Compartment string
	Value       float64
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("seir: step %d (t=%.4f): compartment %s = %v", e.Step, e.T, e.Compartment, e.Value)
}

func (e *NumericalError) Unwrap() error {
	return ErrNumerical
}
