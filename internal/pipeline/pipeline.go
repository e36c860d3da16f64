// Package pipeline drives an ordered list of named stages over a value,
// stopping at the first failure and recording which stage failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrHalt may be returned by a stage to end the run successfully after that stage.
var ErrHalt = errors.New("pipeline halted")

// StageError identifies the stage that failed and its cause.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stage is one named step. Run returns the next state or an error.
type Stage[S any] struct {
	Name string
	Run  func(ctx context.Context, state S) (S, error)
}

// Record captures how a stage ended.
type Record struct {
	Name     string
	Duration time.Duration
	Err      error
	Halted   bool
}

// Run executes stages in order. The returned state is the last successful one.
// A stage error is wrapped in *StageError unless it already is one.
func Run[S any](ctx context.Context, logger zerolog.Logger, state S, stages []Stage[S]) (S, []Record, error) {
	records := make([]Record, 0, len(stages))

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return state, records, &StageError{Stage: stage.Name, Err: err}
		}

		logger.Info().Str("stage", stage.Name).Msg("stage started")
		start := time.Now()
		next, err := stage.Run(ctx, state)
		record := Record{Name: stage.Name, Duration: time.Since(start)}

		if errors.Is(err, ErrHalt) {
			record.Halted = true
			records = append(records, record)
			logger.Info().Str("stage", stage.Name).Dur("duration", record.Duration).Msg("pipeline halted after stage")
			return next, records, nil
		}
		if err != nil {
			record.Err = err
			records = append(records, record)
			logger.Error().Err(err).Str("stage", stage.Name).Dur("duration", record.Duration).Msg("stage failed")

			var stageErr *StageError
			if errors.As(err, &stageErr) {
				return state, records, err
			}
			return state, records, &StageError{Stage: stage.Name, Err: err}
		}

		records = append(records, record)
		logger.Info().Str("stage", stage.Name).Dur("duration", record.Duration).Msg("stage finished")
		state = next
	}

	return state, records, nil
}

// FailedStage returns the stage named in err, or "" when err carries none.
func FailedStage(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
