// Package pipeline - Runs one image through loading, preprocessing, inference
// and postprocessing while reporting progress.
package pipeline

import (
	"fmt"
	"time"

	"github.com/nvr-ai/derm-screen/errs"
)

// State is a step of a pipeline run.
type State string

// Run states, in order. A run ends in StateDone or StateFailed.
const (
	StateIdle           State = "idle"
	StateLoading        State = "loading"
	StatePreprocessing  State = "preprocessing"
	StateInferring      State = "inferring"
	StatePostprocessing State = "postprocessing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Terminal reports whether no further updates follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// milestones is the progress a run reaches on entering each state.
var milestones = map[State]int{
	StateIdle:           0,
	StateLoading:        5,
	StatePreprocessing:  25,
	StateInferring:      50,
	StatePostprocessing: 90,
	StateDone:           100,
}

// Update is one progress notification.
type Update struct {
	// RunID identifies the run.
	RunID string
	// State is the current state.
	State State
	// Stage is the failing stage when State is StateFailed.
	Stage State
	// Progress is in [0, 100] and never decreases within a run.
	Progress int
	// Err is set when State is StateFailed.
	Err error
}

// Observer receives updates in order. It is called synchronously and must
// not block for long.
type Observer func(Update)

// StageError is the failure of a run at a given stage.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Kind returns the failure kind of the underlying error.
func (e *StageError) Kind() errs.Kind { return errs.KindOf(e.Err) }

// ProgressConfig controls the periodic progress ticker.
type ProgressConfig struct {
	// Interval between ticks; <= 0 disables the ticker.
	Interval time.Duration `mapstructure:"interval"`
	// Step is added to progress on every tick.
	Step int `mapstructure:"step"`
	// Cap bounds tick-driven progress until the run completes.
	Cap int `mapstructure:"cap"`
}

// DefaultProgressConfig ticks every 200ms by 5, up to 95.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		Interval: 200 * time.Millisecond,
		Step:     5,
		Cap:      95,
	}
}

// Validate rejects a negative step or a cap outside [0, 99].
func (c ProgressConfig) Validate() error {
	if c.Step < 0 {
		return fmt.Errorf("progress step must not be negative, got %d", c.Step)
	}
	if c.Cap < 0 || c.Cap > 99 {
		return fmt.Errorf("progress cap must be within [0, 99], got %d", c.Cap)
	}
	return nil
}
