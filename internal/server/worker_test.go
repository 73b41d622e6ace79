package server

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cwbudde/implicitfit/internal/store"
)

func newTestStore(t *testing.T) *store.FSStore {
	t.Helper()

	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return st
}

func TestRunJob_Success(t *testing.T) {
	jm := NewJobManager()
	st := newTestStore(t)

	config := JobConfig{
		Problem:       "quadratic",
		Solver:        "newton",
		Inputs:        []float64{2},
		Multipliers:   []float64{1},
		Tolerance:     1e-10,
		MaxIterations: 50,
	}

	job := jm.CreateJob(config)

	if err := runJob(context.Background(), jm, st, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Fatalf("Job should be completed, got %s (error %q)", updated.State, updated.Error)
	}
	if math.Abs(updated.Externals[0]-1.41421356) > 1e-5 {
		t.Errorf("Expected external near sqrt(2), got %v", updated.Externals[0])
	}
	if math.Abs(updated.Residuals[0]-0.41421356) > 1e-5 {
		t.Errorf("Expected residual near sqrt(2)-1, got %v", updated.Residuals[0])
	}
	if updated.Iterations < 1 {
		t.Errorf("Iterations should be reported, got %d", updated.Iterations)
	}
	if updated.ResidualNorm > 1e-10 {
		t.Errorf("Final residual norm should meet tolerance, got %v", updated.ResidualNorm)
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}

	run, err := st.LoadRun(job.ID)
	if err != nil {
		t.Fatalf("Run should be persisted: %v", err)
	}
	if run.Status != store.StatusCompleted {
		t.Errorf("Persisted run should be completed, got %s", run.Status)
	}
	if err := run.Validate(); err != nil {
		t.Errorf("Persisted run should validate: %v", err)
	}
	if math.Abs(run.Jacobian[0][0]-0.35355339) > 1e-5 {
		t.Errorf("Expected dF/dx near 0.35355, got %v", run.Jacobian[0][0])
	}
	if math.Abs(run.Hessian[0][0]-(-0.08838835)) > 1e-5 {
		t.Errorf("Expected Hessian near -0.08839, got %v", run.Hessian[0][0])
	}
	if run.Duration <= 0 {
		t.Error("Duration should be positive")
	}

	tr, err := st.TraceReader(job.ID)
	if err != nil {
		t.Fatalf("Trace should be written: %v", err)
	}
	defer tr.Close()

	entries, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("Trace should contain at least one entry")
	}
	if entries[0].Iteration != 1 {
		t.Errorf("First trace entry should be iteration 1, got %d", entries[0].Iteration)
	}
	if last := entries[len(entries)-1]; last.ResidualNorm > 1e-10 {
		t.Errorf("Last trace entry should meet tolerance, got %v", last.ResidualNorm)
	}
}

func TestRunJob_SkipsHessianWithoutMultipliers(t *testing.T) {
	jm := NewJobManager()
	st := newTestStore(t)

	job := jm.CreateJob(JobConfig{Problem: "quadratic", Solver: "newton", Inputs: []float64{2}})

	if err := runJob(context.Background(), jm, st, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	run, err := st.LoadRun(job.ID)
	if err != nil {
		t.Fatalf("Run should be persisted: %v", err)
	}
	if run.Hessian != nil {
		t.Errorf("Hessian should be absent without multipliers, got %v", run.Hessian)
	}
	if err := run.Validate(); err != nil {
		t.Errorf("Persisted run should validate: %v", err)
	}
}

func TestRunJob_MayflySolver(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{
		Problem:       "quadratic",
		Solver:        "mayfly",
		Inputs:        []float64{2},
		Tolerance:     0.05,
		MaxIterations: 500,
		Seed:          42,
	})

	if err := runJob(context.Background(), jm, nil, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Fatalf("Job should be completed, got %s (error %q)", updated.State, updated.Error)
	}
	if math.Abs(updated.Externals[0]-math.Sqrt2) > 0.05 {
		t.Errorf("Swarm result should be within tolerance of sqrt(2), got %v", updated.Externals[0])
	}
}

func TestRunJob_UnknownProblem(t *testing.T) {
	jm := NewJobManager()
	st := newTestStore(t)

	job := jm.CreateJob(JobConfig{Problem: "no-such-problem", Inputs: []float64{1}})

	if err := runJob(context.Background(), jm, st, job.ID); err == nil {
		t.Error("runJob should fail for an unknown problem")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
	if updated.Error == "" {
		t.Error("Error message should be set")
	}

	run, err := st.LoadRun(job.ID)
	if err != nil {
		t.Fatalf("Failed run should still be persisted: %v", err)
	}
	if run.Status != store.StatusFailed {
		t.Errorf("Persisted run should be failed, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("Persisted run should carry the error")
	}
}

func TestRunJob_ConvergenceFailure(t *testing.T) {
	jm := NewJobManager()
	st := newTestStore(t)

	// y^2 = -1 has no real solution, so the nested solve cannot converge.
	job := jm.CreateJob(JobConfig{
		Problem:       "quadratic",
		Solver:        "newton",
		Inputs:        []float64{-1},
		MaxIterations: 8,
	})

	if err := runJob(context.Background(), jm, st, job.ID); err == nil {
		t.Error("runJob should fail when the solve diverges")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}

	run, err := st.LoadRun(job.ID)
	if err != nil {
		t.Fatalf("Failed run should still be persisted: %v", err)
	}
	if err := run.Validate(); err != nil {
		t.Errorf("Persisted failed run should validate: %v", err)
	}
}

func TestRunJob_CancelledBeforeSolve(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{Problem: "quadratic", Solver: "newton", Inputs: []float64{2}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runJob(ctx, jm, nil, job.ID)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Job should be cancelled, got %s", updated.State)
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}
}

func TestRunJob_NilStore(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{Problem: "quadratic", Solver: "newton", Inputs: []float64{2}})

	if err := runJob(context.Background(), jm, nil, job.ID); err != nil {
		t.Fatalf("runJob without a store should still succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Errorf("Job should be completed, got %s", updated.State)
	}
}

func TestRunJob_Metrics(t *testing.T) {
	jm := NewJobManager()

	completedBefore := testutil.ToFloat64(evaluationsTotal.WithLabelValues("quadratic", store.StatusCompleted))
	gaugeBefore := testutil.ToFloat64(activeJobs)

	job := jm.CreateJob(JobConfig{Problem: "quadratic", Solver: "newton", Inputs: []float64{2}})
	if err := runJob(context.Background(), jm, nil, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	completedAfter := testutil.ToFloat64(evaluationsTotal.WithLabelValues("quadratic", store.StatusCompleted))
	if completedAfter != completedBefore+1 {
		t.Errorf("Expected completed counter to advance by 1, got %v -> %v", completedBefore, completedAfter)
	}

	gaugeAfter := testutil.ToFloat64(activeJobs)
	if gaugeAfter != gaugeBefore {
		t.Errorf("Active jobs gauge should return to baseline, got %v -> %v", gaugeBefore, gaugeAfter)
	}
}
