package store

import (
	"fmt"
	"time"
)

// RunConfig holds the request that produced a run (stored copy).
// This avoids import cycles with the server package.
type RunConfig struct {
	Problem       string    `json:"problem"`
	Solver        string    `json:"solver"` // newton, mayfly, polish
	Inputs        []float64 `json:"inputs"`
	Multipliers   []float64 `json:"multipliers,omitempty"`
	Tolerance     float64   `json:"tolerance,omitempty"`
	MaxIterations int       `json:"maxIterations,omitempty"`
	Seed          int64     `json:"seed,omitempty"` // stochastic solvers only
}

// Run is the persisted record of one grey-box evaluation: the request, the
// resolved external variables, and the derivative results.
//
// The record holds RESULTS, not solver internals. The nested solver's
// population, step history and factorizations are not serialized; re-running
// the same RunConfig reproduces them (stochastic solvers via Seed). The
// per-iteration convergence history lives in a separate trace file next to
// the run, written through TraceWriter, so a large trace never has to be
// parsed to inspect a result.
type Run struct {
	// ID is the unique identifier for this run
	ID string `json:"id"`

	// Status is "completed" or "failed"
	Status string `json:"status"`

	// Config is the request that produced this run
	Config RunConfig `json:"config"`

	// Externals are the resolved external variables y(x); nil on failure
	Externals []float64 `json:"externals,omitempty"`

	// Residuals is F(x) = f(x, y(x)); nil on failure
	Residuals []float64 `json:"residuals,omitempty"`

	// Jacobian is dF/dx as dense rows, one per residual; nil on failure
	Jacobian [][]float64 `json:"jacobian,omitempty"`

	// Hessian is the multiplier-weighted lower triangle as dense rows,
	// present only when the request carried multipliers
	Hessian [][]float64 `json:"hessian,omitempty"`

	// Iterations is the number of nested-solve iterations reported
	Iterations int `json:"iterations"`

	// Error carries the failure reason when Status is "failed"
	Error string `json:"error,omitempty"`

	// Timestamp records when this run finished
	Timestamp time.Time `json:"timestamp"`

	// Duration is the wall-clock solve-and-evaluate time
	Duration time.Duration `json:"duration"`
}

// Run status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunInfo contains metadata about a run without the result arrays.
// Used for listing runs efficiently.
type RunInfo struct {
	// ID is the unique identifier for this run
	ID string `json:"id"`

	// Status is "completed" or "failed"
	Status string `json:"status"`

	// Problem is the problem name from the run config
	Problem string `json:"problem"`

	// Solver is the solver name from the run config
	Solver string `json:"solver"`

	// Iterations is the number of nested-solve iterations reported
	Iterations int `json:"iterations"`

	// Timestamp records when this run finished
	Timestamp time.Time `json:"timestamp"`
}

// ToInfo converts a full Run to RunInfo (metadata only).
func (r *Run) ToInfo() RunInfo {
	return RunInfo{
		ID:         r.ID,
		Status:     r.Status,
		Problem:    r.Config.Problem,
		Solver:     r.Config.Solver,
		Iterations: r.Iterations,
		Timestamp:  r.Timestamp,
	}
}

// Validate checks if the run has valid data.
// Returns an error if any required field is missing or inconsistent.
func (r *Run) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if r.Status != StatusCompleted && r.Status != StatusFailed {
		return &ValidationError{Field: "Status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Config.Problem == "" {
		return &ValidationError{Field: "Config.Problem", Reason: "cannot be empty"}
	}
	if r.Config.Solver == "" {
		return &ValidationError{Field: "Config.Solver", Reason: "cannot be empty"}
	}
	if len(r.Config.Inputs) == 0 {
		return &ValidationError{Field: "Config.Inputs", Reason: "cannot be empty"}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	switch r.Status {
	case StatusCompleted:
		if r.Residuals == nil {
			return &ValidationError{Field: "Residuals", Reason: "required for a completed run"}
		}
		if len(r.Jacobian) != len(r.Residuals) {
			return &ValidationError{
				Field:  "Jacobian",
				Reason: fmt.Sprintf("%d rows for %d residuals", len(r.Jacobian), len(r.Residuals)),
			}
		}
		for i, row := range r.Jacobian {
			if len(row) != len(r.Config.Inputs) {
				return &ValidationError{
					Field:  "Jacobian",
					Reason: fmt.Sprintf("row %d has %d columns for %d inputs", i, len(row), len(r.Config.Inputs)),
				}
			}
		}
		if r.Hessian != nil && len(r.Config.Multipliers) != len(r.Residuals) {
			return &ValidationError{
				Field:  "Hessian",
				Reason: fmt.Sprintf("present with %d multipliers for %d residuals", len(r.Config.Multipliers), len(r.Residuals)),
			}
		}
	case StatusFailed:
		if r.Error == "" {
			return &ValidationError{Field: "Error", Reason: "required for a failed run"}
		}
	}
	return nil
}

// ValidationError represents a run validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
