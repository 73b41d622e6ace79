package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/implicitfit/internal/expr"
	"github.com/cwbudde/implicitfit/internal/greybox"
	"github.com/cwbudde/implicitfit/internal/problems"
	"github.com/cwbudde/implicitfit/internal/solve"
	"github.com/cwbudde/implicitfit/internal/store"
)

// runJob executes one grey-box evaluation in the background: build the
// problem, resolve the externals, run every derivative query the request
// asked for, and persist the outcome. A nil store skips persistence.
// Cancellation is honored between phases, not inside the nested solve.
func runJob(ctx context.Context, jm *JobManager, st store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	jobStarted()
	defer jobFinished()
	defer jm.Cancel(jobID) // release the context once the worker exits

	cfg := job.Config
	slog.Info("Starting job", "job_id", jobID, "problem", cfg.Problem, "solver", cfg.Solver)

	start := time.Now()
	var last solve.Iteration

	fail := func(err error) error {
		persistRun(st, &store.Run{
			ID:         jobID,
			Status:     store.StatusFailed,
			Config:     cfg,
			Iterations: last.N,
			Error:      err.Error(),
			Timestamp:  time.Now(),
			Duration:   time.Since(start),
		})
		markJobFailed(jm, jobID, err)
		recordEvaluation(cfg.Problem, store.StatusFailed, time.Since(start))
		return err
	}

	prob, err := problems.Get(cfg.Problem)
	if err != nil {
		return fail(err)
	}

	var tw *store.TraceWriter
	if st != nil {
		tw, err = st.TraceWriter(jobID)
		if err != nil {
			slog.Warn("Trace disabled", "job_id", jobID, "error", err)
			tw = nil
		} else {
			defer tw.Close()
		}
	}

	hook := func(it solve.Iteration) {
		last = it
		jm.UpdateJob(jobID, func(j *Job) {
			j.Iterations = it.N
			j.ResidualNorm = it.ResidualNorm
		})
		jm.broadcaster.Broadcast(ProgressEvent{
			JobID:        jobID,
			State:        StateRunning,
			Iteration:    it.N,
			ResidualNorm: it.ResidualNorm,
			StepNorm:     it.StepNorm,
			Timestamp:    time.Now(),
		})
		if tw != nil {
			if err := tw.Write(store.TraceEntry{
				Iteration:    it.N,
				ResidualNorm: it.ResidualNorm,
				StepNorm:     it.StepNorm,
				Timestamp:    time.Now(),
			}); err != nil {
				slog.Warn("Trace write failed", "job_id", jobID, "error", err)
			}
		}
	}

	solver, err := solve.New(cfg.Solver, expr.Symbolic{}, solve.Options{
		Tolerance:     cfg.Tolerance,
		MaxIterations: cfg.MaxIterations,
		Lower:         prob.Lower,
		Upper:         prob.Upper,
		Seed:          cfg.Seed,
		OnIteration:   hook,
	})
	if err != nil {
		return fail(err)
	}
	model, err := greybox.New(prob.Partition, expr.Symbolic{}, solver)
	if err != nil {
		return fail(err)
	}

	// Check for cancellation before the expensive phase
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	if err := model.SetInputs(cfg.Inputs); err != nil {
		return fail(err)
	}

	// Check again between the solve and the derivative queries
	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	res, err := collectResults(model, prob, cfg)
	if err != nil {
		return fail(err)
	}
	elapsed := time.Since(start)
	endTime := time.Now()

	// Persist before flipping the state so a client that sees "completed"
	// can immediately load the run
	persistRun(st, &store.Run{
		ID:         jobID,
		Status:     store.StatusCompleted,
		Config:     cfg,
		Externals:  res.externals,
		Residuals:  res.residuals,
		Jacobian:   res.jacobian,
		Hessian:    res.hessian,
		Iterations: last.N,
		Timestamp:  endTime,
		Duration:   elapsed,
	})

	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Externals = res.externals
		j.Residuals = res.residuals
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	recordEvaluation(cfg.Problem, store.StatusCompleted, elapsed)
	recordIterations(cfg.Problem, cfg.Solver, last.N)

	slog.Info("Job completed",
		"job_id", jobID,
		"problem", cfg.Problem,
		"solver", cfg.Solver,
		"iterations", last.N,
		"residual_norm", last.ResidualNorm,
		"elapsed", elapsed,
	)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:        jobID,
		State:        StateCompleted,
		Iteration:    last.N,
		ResidualNorm: last.ResidualNorm,
		Timestamp:    time.Now(),
	})

	return nil
}

// results carries everything a completed evaluation reports.
type results struct {
	externals []float64
	residuals []float64
	jacobian  [][]float64
	hessian   [][]float64
}

// collectResults reads the resolved externals and runs the derivative
// queries. The Hessian is computed only when the request carried
// multipliers.
func collectResults(model *greybox.Model, prob problems.Problem, cfg JobConfig) (*results, error) {
	res := &results{
		externals: make([]float64, len(prob.Partition.Externals)),
	}
	for i, v := range prob.Partition.Externals {
		res.externals[i] = v.Value()
	}

	var err error
	res.residuals, err = model.Residuals()
	if err != nil {
		return nil, fmt.Errorf("residuals: %w", err)
	}

	jac, err := model.Jacobian()
	if err != nil {
		return nil, fmt.Errorf("jacobian: %w", err)
	}
	res.jacobian = cooRows(jac)

	if len(cfg.Multipliers) > 0 {
		if err := model.SetMultipliers(cfg.Multipliers); err != nil {
			return nil, err
		}
		hes, err := model.Hessian()
		if err != nil {
			return nil, fmt.Errorf("hessian: %w", err)
		}
		res.hessian = cooRows(hes)
	}
	return res, nil
}

// persistRun saves the run record. Store errors are logged rather than
// failing the job; the in-memory record still carries the outcome.
func persistRun(st store.Store, run *store.Run) {
	if st == nil {
		return
	}
	if err := st.SaveRun(run.ID, run); err != nil {
		slog.Error("Failed to persist run", "run_id", run.ID, "error", err)
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateFailed,
		Timestamp: endTime,
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateCancelled,
		Timestamp: endTime,
	})
	slog.Info("Job cancelled", "job_id", jobID)
}
