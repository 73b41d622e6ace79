package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir() // Automatically cleaned up after test
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}

	return store, tempDir
}

// createTestRun creates a run record with test data.
func createTestRun(id string) *Run {
	return &Run{
		ID:     id,
		Status: StatusCompleted,
		Config: RunConfig{
			Problem:       "quadratic",
			Solver:        "newton",
			Inputs:        []float64{2},
			Multipliers:   []float64{1},
			Tolerance:     1e-10,
			MaxIterations: 50,
		},
		Externals:  []float64{1.41421356},
		Residuals:  []float64{0.41421356},
		Jacobian:   [][]float64{{0.35355339}},
		Hessian:    [][]float64{{-0.08838835}},
		Iterations: 5,
		Timestamp:  time.Now(),
		Duration:   12 * time.Millisecond,
	}
}

func TestNewFSStore(t *testing.T) {
	tempDir := t.TempDir()

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	if store == nil {
		t.Fatal("Expected non-nil store")
	}

	// Verify base directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	id := "test-run-123"
	run := createTestRun(id)

	err := store.SaveRun(id, run)
	if err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	// Verify run file exists
	expectedPath := filepath.Join(tempDir, "runs", id, "run.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Fatalf("Run file was not created at %s", expectedPath)
	}

	// Verify no temp file remains
	tempPath := expectedPath + ".tmp"
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Errorf("Temp file should not exist after save: %s", tempPath)
	}
}

func TestSaveRun_EmptyID(t *testing.T) {
	store, _ := setupTestStore(t)
	run := createTestRun("any-id")

	err := store.SaveRun("", run)
	if err == nil {
		t.Fatal("Expected error for empty ID")
	}
}

func TestSaveRun_NilRun(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.SaveRun("test-run", nil)
	if err == nil {
		t.Fatal("Expected error for nil run")
	}
}

func TestSaveRun_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	id := "test-run-overwrite"
	run1 := createTestRun(id)
	run1.Iterations = 5

	run2 := createTestRun(id)
	run2.Iterations = 9

	if err := store.SaveRun(id, run1); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	if err := store.SaveRun(id, run2); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	// Load and verify it's the second run
	loaded, err := store.LoadRun(id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Iterations != 9 {
		t.Errorf("Expected Iterations=9, got %d", loaded.Iterations)
	}
}

func TestLoadRun(t *testing.T) {
	store, _ := setupTestStore(t)

	id := "test-run-load"
	original := createTestRun(id)

	if err := store.SaveRun(id, original); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.LoadRun(id)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}

	// Verify loaded run matches original
	if loaded.ID != original.ID {
		t.Errorf("ID mismatch: expected %s, got %s", original.ID, loaded.ID)
	}
	if loaded.Status != original.Status {
		t.Errorf("Status mismatch: expected %s, got %s", original.Status, loaded.Status)
	}
	if loaded.Iterations != original.Iterations {
		t.Errorf("Iterations mismatch: expected %d, got %d", original.Iterations, loaded.Iterations)
	}
	if len(loaded.Residuals) != len(original.Residuals) {
		t.Errorf("Residuals length mismatch: expected %d, got %d", len(original.Residuals), len(loaded.Residuals))
	}
	if len(loaded.Jacobian) != 1 || loaded.Jacobian[0][0] != original.Jacobian[0][0] {
		t.Errorf("Jacobian mismatch: expected %v, got %v", original.Jacobian, loaded.Jacobian)
	}
	if loaded.Config.Problem != original.Config.Problem {
		t.Errorf("Config.Problem mismatch: expected %s, got %s", original.Config.Problem, loaded.Config.Problem)
	}
}

func TestLoadRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadRun("nonexistent-run")
	if err == nil {
		t.Fatal("Expected error for nonexistent run")
	}

	var notFoundErr *NotFoundError
	if !isErrorType(err, &notFoundErr) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestLoadRun_EmptyID(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadRun("")
	if err == nil {
		t.Fatal("Expected error for empty ID")
	}
}

func TestListRuns_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}

	if len(infos) != 0 {
		t.Errorf("Expected empty list, got %d runs", len(infos))
	}
}

func TestListRuns_Multiple(t *testing.T) {
	store, _ := setupTestStore(t)

	ids := []string{"run-1", "run-2", "run-3"}
	for _, id := range ids {
		run := createTestRun(id)
		if err := store.SaveRun(id, run); err != nil {
			t.Fatalf("Failed to save run %s: %v", id, err)
		}
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}

	if len(infos) != len(ids) {
		t.Errorf("Expected %d runs, got %d", len(ids), len(infos))
	}

	// Verify all IDs are present
	found := make(map[string]bool)
	for _, info := range infos {
		found[info.ID] = true
	}

	for _, id := range ids {
		if !found[id] {
			t.Errorf("Run %s not found in list", id)
		}
	}
}

func TestListRuns_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	validID := "valid-run"
	run := createTestRun(validID)
	if err := store.SaveRun(validID, run); err != nil {
		t.Fatalf("Failed to save valid run: %v", err)
	}

	// Create directory without run.json
	invalidDir := filepath.Join(tempDir, "runs", "invalid-run")
	if err := os.MkdirAll(invalidDir, 0755); err != nil {
		t.Fatalf("Failed to create invalid run directory: %v", err)
	}

	// Create non-directory file in runs directory
	runsDir := filepath.Join(tempDir, "runs")
	dummyFile := filepath.Join(runsDir, "dummy.txt")
	if err := os.WriteFile(dummyFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create dummy file: %v", err)
	}

	// List should only return the valid run
	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}

	if len(infos) != 1 {
		t.Errorf("Expected 1 run, got %d", len(infos))
	}

	if len(infos) > 0 && infos[0].ID != validID {
		t.Errorf("Expected ID %s, got %s", validID, infos[0].ID)
	}
}

func TestDeleteRun(t *testing.T) {
	store, _ := setupTestStore(t)

	id := "test-run-delete"
	run := createTestRun(id)

	if err := store.SaveRun(id, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	err := store.DeleteRun(id)
	if err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}

	// Verify run no longer exists
	_, err = store.LoadRun(id)
	if err == nil {
		t.Fatal("Expected error when loading deleted run")
	}

	var notFoundErr *NotFoundError
	if !isErrorType(err, &notFoundErr) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestDeleteRun_RemovesTrace(t *testing.T) {
	store, tempDir := setupTestStore(t)

	id := "test-run-delete-trace"
	if err := store.SaveRun(id, createTestRun(id)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	writer, err := NewTraceWriter(tempDir, id, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	writer.Write(TraceEntry{Iteration: 1, ResidualNorm: 0.5, Timestamp: time.Now()})
	writer.Close()

	if err := store.DeleteRun(id); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}

	tracePath := filepath.Join(tempDir, "runs", id, "trace.jsonl")
	if _, err := os.Stat(tracePath); !os.IsNotExist(err) {
		t.Error("Trace file still exists after run deletion")
	}
}

func TestDeleteRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteRun("nonexistent-run")
	if err == nil {
		t.Fatal("Expected error for nonexistent run")
	}

	var notFoundErr *NotFoundError
	if !isErrorType(err, &notFoundErr) {
		t.Errorf("Expected NotFoundError, got %T: %v", err, err)
	}
}

func TestDeleteRun_EmptyID(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.DeleteRun("")
	if err == nil {
		t.Fatal("Expected error for empty ID")
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	// Save multiple runs concurrently
	const numRuns = 10
	done := make(chan bool, numRuns)

	for i := 0; i < numRuns; i++ {
		go func(idx int) {
			id := fmt.Sprintf("concurrent-run-%d", idx)
			run := createTestRun(id)
			if err := store.SaveRun(id, run); err != nil {
				t.Errorf("Concurrent save failed for run %s: %v", id, err)
			}
			done <- true
		}(i)
	}

	// Wait for all goroutines
	for i := 0; i < numRuns; i++ {
		<-done
	}

	// Verify all runs were saved
	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}

	if len(infos) != numRuns {
		t.Errorf("Expected %d runs, got %d", numRuns, len(infos))
	}
}

// Helper function to check error type (workaround for errors.As in tests)
func isErrorType(err error, target interface{}) bool {
	if err == nil {
		return false
	}
	// Simple type check for NotFoundError
	_, ok := err.(*NotFoundError)
	return ok
}
