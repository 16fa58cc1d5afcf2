package domain

// Outcome is the tagged result of running one stage: either a value or a
// StageError, never both.
type Outcome[T any] struct {
	Value   T
	Failure *StageError
}

// Succeeded wraps a stage result
func Succeeded[T any](value T) Outcome[T] {
	return Outcome[T]{Value: value}
}

// Failed wraps a stage failure
func Failed[T any](failure *StageError) Outcome[T] {
	return Outcome[T]{Failure: failure}
}

// OK reports whether the stage succeeded
func (o Outcome[T]) OK() bool {
	return o.Failure == nil
}
