package withitems

// IsIncomplete reports whether iterations of taskName are still outstanding.
// The expected count is the length of the first declared variable's
// collection in input; all collections share it once validated.
func IsIncomplete(out TaskOutput, taskName string, spec Spec, input Values) bool {
	return out.Count(taskName, spec.Key()) < expectedCount(spec, input)
}

// Completed is the negation of IsIncomplete
func Completed(out TaskOutput, taskName string, spec Spec, input Values) bool {
	return !IsIncomplete(out, taskName, spec, input)
}

func expectedCount(spec Spec, input Values) int {
	if len(spec.Variables) > 0 {
		if v, ok := input.Get(spec.Variables[0].Name); ok {
			n, _ := seqLen(v)
			return n
		}
	}
	return input.Len()
}
