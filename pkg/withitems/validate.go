package withitems

import (
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

const (
	msgNotSequence   = "List type is expected for each value."
	msgUnequalLength = "All arrays must have the same length."
	msgNoVariables   = "At least one with-items variable is required."
)

// Validate checks that every value is a sequence and that all sequences
// share one length. It returns an *errors.InputError otherwise.
func Validate(values Values) error {
	if len(values) == 0 {
		return errors.NewInputError(values.String(), msgNoVariables)
	}

	expected := -1
	for _, b := range values {
		n, ok := seqLen(b.Value)
		if !ok {
			return errors.NewInputError(values.String(), msgNotSequence)
		}
		if expected >= 0 && n != expected {
			return errors.NewInputError(values.String(), msgUnequalLength)
		}
		expected = n
	}
	return nil
}
