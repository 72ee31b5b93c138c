package withitems

// Expand validates values and returns one IterationInput per index, where
// iteration i binds every variable to the i-th item of its collection.
func Expand(values Values) ([]IterationInput, error) {
	if err := Validate(values); err != nil {
		return nil, err
	}

	n := values.Len()
	inputs := make([]IterationInput, n)
	for i := 0; i < n; i++ {
		inputs[i] = At(values, i)
	}
	return inputs, nil
}

// At returns the IterationInput for index i without expanding the rest.
// values must already be valid.
func At(values Values, i int) IterationInput {
	in := make(IterationInput, len(values))
	for _, b := range values {
		in[b.Name] = seqAt(b.Value, i)
	}
	return in
}
