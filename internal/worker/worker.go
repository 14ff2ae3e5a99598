// Package worker holds the two migration phases. A worker mutates the job it
// is given and reports what the scheduler should do with it; persisting the
// job is left to the scheduler.
package worker

import (
	"context"
	"time"

	"github.com/activity-migrator/internal/models"
)

// Outcome tells the scheduler how to write the job back
type Outcome int

const (
	// OutcomeContinue returns the job to pending with its updated cursor
	OutcomeContinue Outcome = iota
	// OutcomeWait parks the job until its WaitUntil
	OutcomeWait
	// OutcomeReplace swaps the job for Result.Next
	OutcomeReplace
	// OutcomeComplete deletes the job and finalizes the user's migration
	OutcomeComplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeWait:
		return "wait"
	case OutcomeReplace:
		return "replace"
	case OutcomeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Input is one dispatch of a claimed job
type Input struct {
	Job         *models.Job
	AccessToken string
	BudgetHint  int
	Now         time.Time
}

// Result is what one dispatch consumed and decided. CallsUsed is set even
// when Process returns an error.
type Result struct {
	CallsUsed   int
	Pressure    bool
	Outcome     Outcome
	Next        *models.Job
	ItemsFailed int
}

// Worker processes one job kind
type Worker interface {
	Process(ctx context.Context, in Input) (*Result, error)
}
