package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a run stopped.
type Kind string

const (
	KindConfig     Kind = "config"
	KindDataAccess Kind = "data_access"
	KindGeneration Kind = "generation"
	KindOutput     Kind = "output"
)

var ErrUnknownDatabase = errors.New("unknown database")

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}
