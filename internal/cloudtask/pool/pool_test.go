package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloudtask/internal/cloudtask/worker"
	"cloudtask/pkg/cloudtask"
)

// fakeRunner is a hand-rolled Runner fake: each call to RunJob is
// satisfied by calling runFunc, guarded by a mutex since multiple Pool
// goroutines may hold distinct fakeRunner instances but a single
// instance is only ever driven by one worker goroutine at a time.
type fakeRunner struct {
	mu       sync.Mutex
	runFunc  func(job cloudtask.Job) worker.Outcome
	tornDown bool
	runCount int
}

func (f *fakeRunner) RunJob(ctx context.Context, job cloudtask.Job) worker.Outcome {
	f.mu.Lock()
	f.runCount++
	fn := f.runFunc
	f.mu.Unlock()
	return fn(job)
}

func (f *fakeRunner) Teardown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = true
}

func alwaysSucceeds(job cloudtask.Job) worker.Outcome {
	return worker.Outcome{
		Kind:   worker.OutcomeDone,
		Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: 0},
	}
}

func drainResults(t *testing.T, p *Pool, n int, timeout time.Duration) []Result {
	t.Helper()
	var got []Result
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case r := <-p.Results():
			got = append(got, r)
		case <-deadline:
			t.Fatalf("timed out waiting for results: got %d, want %d", len(got), n)
		}
	}
	return got
}

func TestPoolRunsAllJobsToCompletion(t *testing.T) {
	p := New(Config{Size: 2, QueueCapacity: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spawn := func(ctx context.Context) (Runner, error) {
		return &fakeRunner{runFunc: alwaysSucceeds}, nil
	}
	launched := p.Start(ctx, spawn)
	if launched != 2 {
		t.Fatalf("launched = %d, want 2", launched)
	}

	jobs := []cloudtask.Job{{Command: "a"}, {Command: "b"}, {Command: "c"}, {Command: "d"}}
	p.PutAll(jobs)

	results := drainResults(t, p, len(jobs), time.Second)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	p.Wait(waitCtx)
	if waitCtx.Err() != nil {
		t.Fatal("Wait did not return before its timeout")
	}

	p.Stop()
	p.WaitAllExited()
}

func TestPoolRequeuesRetryOutcomes(t *testing.T) {
	p := New(Config{Size: 1, QueueCapacity: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	spawn := func(ctx context.Context) (Runner, error) {
		return &fakeRunner{runFunc: func(job cloudtask.Job) worker.Outcome {
			n := attempts.Add(1)
			if n == 1 {
				return worker.Outcome{Kind: worker.OutcomeRetry, NextJob: cloudtask.Job{Command: job.Command, RetryCount: 1, RetryLimit: 1}}
			}
			return worker.Outcome{Kind: worker.OutcomeDone, Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: 0}}
		}}, nil
	}
	p.Start(ctx, spawn)
	p.Put(cloudtask.Job{Command: "flaky", RetryLimit: 1})

	results := drainResults(t, p, 1, time.Second)
	if results[0].Result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", results[0].Result.ExitCode)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}

	p.Stop()
	p.WaitAllExited()
}

func TestPoolKeepaliveRespawnsRetiredWorker(t *testing.T) {
	p := New(Config{Size: 1, KeepaliveSpares: 1, QueueCapacity: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var spawnCount atomic.Int32
	var teardownCount atomic.Int32
	spawn := func(ctx context.Context) (Runner, error) {
		spawnCount.Add(1)
		first := spawnCount.Load() == 1
		return &fakeRunner{runFunc: func(job cloudtask.Job) worker.Outcome {
			if first {
				return worker.Outcome{
					Kind:   worker.OutcomeDone,
					Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: 1},
					Retire: worker.RetireStruckOut,
				}
			}
			return alwaysSucceeds(job)
		}}, nil
	}

	// wrap Teardown tracking via a second fake layer is unnecessary:
	// count retirements indirectly through spawnCount reaching 2.
	_ = teardownCount

	p.Start(ctx, spawn)
	p.Put(cloudtask.Job{Command: "strikeout"})
	p.Put(cloudtask.Job{Command: "after-respawn"})

	results := drainResults(t, p, 2, time.Second)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	deadline := time.Now().Add(time.Second)
	for spawnCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if spawnCount.Load() < 2 {
		t.Fatalf("spawnCount = %d, want >= 2 (keep-alive should have respawned)", spawnCount.Load())
	}

	p.Stop()
	p.WaitAllExited()
}

func TestPoolWithoutKeepaliveDoesNotRespawn(t *testing.T) {
	p := New(Config{Size: 1, QueueCapacity: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var spawnCount atomic.Int32
	spawn := func(ctx context.Context) (Runner, error) {
		spawnCount.Add(1)
		return &fakeRunner{runFunc: func(job cloudtask.Job) worker.Outcome {
			return worker.Outcome{
				Kind:   worker.OutcomeDone,
				Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: 1},
				Retire: worker.RetireStruckOut,
			}
		}}, nil
	}
	p.Start(ctx, spawn)
	p.Put(cloudtask.Job{Command: "strikeout"})

	drainResults(t, p, 1, time.Second)
	p.WaitAllExited()

	if spawnCount.Load() != 1 {
		t.Errorf("spawnCount = %d, want 1 (no keep-alive configured)", spawnCount.Load())
	}
	if p.ActiveWorkers() != 0 {
		t.Errorf("ActiveWorkers() = %d, want 0", p.ActiveWorkers())
	}
}

func TestPoolWaitReturnsWhenAllWorkersStrikeOutWithJobsStillQueued(t *testing.T) {
	p := New(Config{Size: 1, QueueCapacity: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spawn := func(ctx context.Context) (Runner, error) {
		return &fakeRunner{runFunc: func(job cloudtask.Job) worker.Outcome {
			return worker.Outcome{
				Kind:   worker.OutcomeDone,
				Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: 1},
				Retire: worker.RetireStruckOut,
			}
		}}, nil
	}
	p.Start(ctx, spawn)

	// Queue two jobs for a single, never-replaced worker: it strikes
	// out on the first job and retires, stranding the second in p.jobs
	// forever since keep-alive is disabled.
	p.Put(cloudtask.Job{Command: "first"})
	p.Put(cloudtask.Job{Command: "stranded"})

	drainResults(t, p, 1, time.Second)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	p.Wait(waitCtx)
	if waitCtx.Err() != nil {
		t.Fatal("Wait hung instead of returning once ActiveWorkers() reached 0")
	}

	p.Stop()
	p.WaitAllExited()
}

func TestPoolStopPreemptsIdleWorkers(t *testing.T) {
	p := New(Config{Size: 3, QueueCapacity: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spawn := func(ctx context.Context) (Runner, error) {
		return &fakeRunner{runFunc: alwaysSucceeds}, nil
	}
	p.Start(ctx, spawn)

	p.Stop()
	done := make(chan struct{})
	go func() {
		p.WaitAllExited()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit promptly after Stop")
	}
}
