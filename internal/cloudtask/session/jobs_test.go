package session

import (
	"os"
	"path/filepath"
	"testing"

	"cloudtask/pkg/cloudtask"
)

func TestLoadJobsMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	j, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if j.Len() != 0 {
		t.Errorf("Len() = %d, want 0", j.Len())
	}
}

func TestUpdateMarksSubmittedPendingAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	j, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}

	submitted := []cloudtask.Job{{Command: "echo a"}, {Command: "echo b"}}
	if err := j.Update(submitted, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending := j.Pending(0)
	if len(pending) != 2 {
		t.Fatalf("Pending() = %+v, want 2 entries", pending)
	}

	reloaded, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs (reload): %v", err)
	}
	if len(reloaded.Pending(0)) != 2 {
		t.Fatalf("reloaded Pending() = %+v, want 2 entries", reloaded.Pending(0))
	}
}

func TestUpdateMovesResultsToFinished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	j, _ := LoadJobs(path)

	submitted := []cloudtask.Job{{Command: "echo a"}, {Command: "echo b"}}
	if err := j.Update(submitted, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	results := []Outcome{
		{Job: cloudtask.Job{Command: "echo a"}, Result: cloudtask.JobResult{Command: "echo a", Kind: cloudtask.ResultExit, ExitCode: 0}},
	}
	if err := j.Update(nil, results); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending := j.Pending(0)
	if len(pending) != 1 || pending[0].Command != "echo b" {
		t.Fatalf("Pending() = %+v, want only echo b", pending)
	}
	if j.AllSucceeded() {
		t.Error("AllSucceeded() = true, want false (echo b still pending)")
	}
}

func TestAllSucceededRequiresEveryJobExitZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	j, _ := LoadJobs(path)

	submitted := []cloudtask.Job{{Command: "a"}, {Command: "b"}}
	j.Update(submitted, nil)
	results := []Outcome{
		{Job: cloudtask.Job{Command: "a"}, Result: cloudtask.JobResult{Command: "a", Kind: cloudtask.ResultExit, ExitCode: 0}},
		{Job: cloudtask.Job{Command: "b"}, Result: cloudtask.JobResult{Command: "b", Kind: cloudtask.ResultExit, ExitCode: 1}},
	}
	j.Update(nil, results)

	if j.AllSucceeded() {
		t.Error("AllSucceeded() = true, want false (one job exited 1)")
	}
}

func TestPendingAppliesGivenRetryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	j, _ := LoadJobs(path)

	if err := j.Update([]cloudtask.Job{{Command: "a"}}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	pending := j.Pending(3)
	if len(pending) != 1 || pending[0].RetryLimit != 3 {
		t.Fatalf("Pending(3) = %+v, want RetryLimit 3", pending)
	}
}

func TestRetryFailedMovesNonZeroBackToPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	j, _ := LoadJobs(path)

	submitted := []cloudtask.Job{{Command: "a"}, {Command: "b"}}
	j.Update(submitted, nil)
	j.Update(nil, []Outcome{
		{Job: cloudtask.Job{Command: "a"}, Result: cloudtask.JobResult{Command: "a", Kind: cloudtask.ResultExit, ExitCode: 0}},
		{Job: cloudtask.Job{Command: "b"}, Result: cloudtask.JobResult{Command: "b", Kind: cloudtask.ResultExit, ExitCode: 1}},
	})

	if err := j.RetryFailed(); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}

	pending := j.Pending(0)
	if len(pending) != 1 || pending[0].Command != "b" {
		t.Fatalf("Pending() after RetryFailed = %+v, want only b", pending)
	}
}

func TestLoadJobsTreatsUnknownStateAsFinished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs")
	if err := os.WriteFile(path, []byte("GARBAGE\tweird command\nPENDING\tnormal\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	j, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	pending := j.Pending(0)
	if len(pending) != 1 || pending[0].Command != "normal" {
		t.Fatalf("Pending() = %+v, want only the PENDING line", pending)
	}
}
