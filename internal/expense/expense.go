// Package expense runs receipts through extraction, categorization and
// persistence, and serves the stored expenses over HTTP.
package expense

import (
	"errors"
	"fmt"

	"github.com/zombor/expense-tracker/internal/model"
)

var (
	// ErrExtraction marks a failure reading fields from the receipt image.
	ErrExtraction = errors.New("extraction failed")
	// ErrCategorization marks a failure classifying or refining the category.
	ErrCategorization = errors.New("categorization failed")
	// ErrPersistence marks a failure storing the finished expense.
	ErrPersistence = errors.New("persistence failed")
	// ErrNotFound is returned when an expense does not exist for the user.
	ErrNotFound = errors.New("expense not found")
)

// Stage names a step of the pipeline
type Stage int

const (
	StageExtraction Stage = iota + 1
	StageCategorization
	StagePersistence
)

func (s Stage) String() string {
	switch s {
	case StageExtraction:
		return "extraction"
	case StageCategorization:
		return "categorization"
	case StagePersistence:
		return "persistence"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) sentinel() error {
	switch s {
	case StageExtraction:
		return ErrExtraction
	case StageCategorization:
		return ErrCategorization
	default:
		return ErrPersistence
	}
}

// StageError reports which stage of the pipeline failed.
// It matches both the stage's sentinel and the underlying cause with errors.Is.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage.sentinel(), e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Stage.sentinel(), e.Err}
}

// State is a point in the life of one receipt
type State int

const (
	StateReceived State = iota
	StateExtracted
	StateCategorized
	StatePersisted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateExtracted:
		return "extracted"
	case StateCategorized:
		return "categorized"
	case StatePersisted:
		return "persisted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Run is the record of one receipt moving through the pipeline.
// A Run only moves forward and ends in StatePersisted or StateFailed.
type Run struct {
	Expense *model.Expense
	Err     error

	state State
	trace []State
}

func newRun() *Run {
	return &Run{state: StateReceived, trace: []State{StateReceived}}
}

// State returns the current state
func (r *Run) State() State {
	return r.state
}

// Trace returns every state the run has passed through, in order
func (r *Run) Trace() []State {
	return append([]State(nil), r.trace...)
}

// FailedStage returns the stage that failed, or 0 if none did
func (r *Run) FailedStage() Stage {
	var se *StageError
	if errors.As(r.Err, &se) {
		return se.Stage
	}
	return 0
}

func (r *Run) advance(next State) {
	if r.state == StateFailed || r.state == StatePersisted || next <= r.state {
		panic(fmt.Sprintf("invalid pipeline transition %s -> %s", r.state, next))
	}
	r.state = next
	r.trace = append(r.trace, next)
}

func (r *Run) fail(stage Stage, err error) *Run {
	r.Err = &StageError{Stage: stage, Err: err}
	r.advance(StateFailed)
	return r
}
