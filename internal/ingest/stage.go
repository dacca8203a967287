package ingest

type outcome int

const (
	outcomeOK outcome = iota
	outcomeSoft
	outcomeHard
)

// stageResult is the tagged result of one pipeline step: a value, or a soft or
// hard failure carrying its cause.
type stageResult[T any] struct {
	value   T
	outcome outcome
	err     error
}

func ok[T any](v T) stageResult[T] {
	return stageResult[T]{value: v, outcome: outcomeOK}
}

func softFail[T any](err error) stageResult[T] {
	return stageResult[T]{outcome: outcomeSoft, err: err}
}

func hardFail[T any](err error) stageResult[T] {
	return stageResult[T]{outcome: outcomeHard, err: err}
}

func (r stageResult[T]) ok() bool { return r.outcome == outcomeOK }
