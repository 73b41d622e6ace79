package store

// Store defines the interface for run persistence operations.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if the run doesn't exist (for Load/Delete)
//   - Return descriptive errors for I/O, serialization, or validation failures
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRun atomically saves a run record.
	// If a run already exists under this ID, it is overwritten.
	// The implementation should use atomic write strategies (e.g., temp file
	// + rename) to prevent corruption in case of failures.
	SaveRun(id string, run *Run) error

	// LoadRun retrieves the run with the given ID.
	// Returns ErrNotFound if no run exists under this ID.
	// Returns an error if the run exists but cannot be read or deserialized.
	LoadRun(id string) (*Run, error)

	// ListRuns returns metadata for all stored runs.
	// The returned slice may be empty if no runs exist.
	// Returns an error if the run directory cannot be scanned.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes the run record and all associated artifacts for the
	// given ID, including the convergence trace.
	// Returns ErrNotFound if no run exists under this ID.
	DeleteRun(id string) error

	// TraceWriter opens the run's iteration trace for writing, replacing
	// any previous trace.
	TraceWriter(id string) (*TraceWriter, error)

	// TraceReader opens the run's iteration trace for reading.
	// Returns ErrNotFound if no trace has been written for this ID.
	TraceReader(id string) (*TraceReader, error)
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run error.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
