// Package runner sequences the stages of one benchmark configuration:
// dataset and query preparation, partition generation, query adaptation,
// engine execution, result recording and cleanup.
package runner

import (
	"fmt"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

// State is a stage of the configuration lifecycle.
type State int

const (
	StateCreated State = iota
	StateDatasetReady
	StateQueriesReady
	StatePartitioned
	StateQueryAdapted
	StateExecuted
	StateRecorded
	StateCleaned
)

var stateNames = map[State]string{
	StateCreated:      "CREATED",
	StateDatasetReady: "DATASET_READY",
	StateQueriesReady: "QUERIES_READY",
	StatePartitioned:  "PARTITIONED",
	StateQueryAdapted: "QUERY_ADAPTED",
	StateExecuted:     "EXECUTED",
	StateRecorded:     "RECORDED",
	StateCleaned:      "CLEANED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transition moves the runner from one of the allowed states to next.
func (r *Runner) transition(next State, from ...State) error {
	for _, s := range from {
		if r.state == s {
			r.state = next
			return nil
		}
	}
	return bencherrors.NewValidationError(bencherrors.CodeInvalidTransition,
		fmt.Sprintf("cannot move from %s to %s", r.state, next))
}

// expect checks the current state without moving.
func (r *Runner) expect(next State, from ...State) error {
	for _, s := range from {
		if r.state == s {
			return nil
		}
	}
	return bencherrors.NewValidationError(bencherrors.CodeInvalidTransition,
		fmt.Sprintf("cannot move from %s to %s", r.state, next))
}
