// Package pool implements C4 of SPEC_FULL.md: a fixed-width dispatch
// pool that runs Workers over a shared job queue, drains results to a
// single consumer, and honors a one-shot stop signal.
//
// Grounded on the teacher's internal/provisioner/jobs.Worker.Run: that
// loop is already a single long-lived goroutine driven by a
// context.Context, polling its job source until told to stop. Pool
// generalizes that shape to N concurrent goroutines pulling from a
// shared Go channel instead of one goroutine leasing from a SQL table —
// the put-counter/drain-barrier algorithm itself has no teacher
// analogue and is built directly from spec.md §4.4.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloudtask/internal/cloudtask/metrics"
	"cloudtask/internal/cloudtask/worker"
	"cloudtask/pkg/cloudtask"
)

// Runner is the subset of *worker.Worker the Pool drives. Pool depends
// on this interface rather than the concrete worker type so its drain
// and keep-alive bookkeeping can be exercised against a hand-rolled
// fake instead of a live SSH session.
type Runner interface {
	RunJob(ctx context.Context, job cloudtask.Job) worker.Outcome
	Teardown(ctx context.Context)
}

// Result is one terminal job attempt, handed to the Pool's consumer.
type Result struct {
	Job    cloudtask.Job
	Result cloudtask.JobResult
}

// Spawn constructs and fully provisions a new Runner (address
// acquisition, connect, configure) ready to accept jobs. The Pool calls
// it once per initial worker slot and again for each keep-alive
// replacement; it never calls it concurrently with itself more than
// Config.Size times at once.
type Spawn func(ctx context.Context) (Runner, error)

// Config controls Pool sizing and keep-alive behavior (spec.md §4.4).
type Config struct {
	Size            int // worker count (= --split)
	KeepaliveSpares int // floor the Pool respawns down to; 0 disables keep-alive
	QueueCapacity   int // job-queue buffer; should be >= total submitted jobs
}

// Pool is a fixed-width set of Workers draining a shared job queue.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	jobs    chan cloudtask.Job
	results chan Result

	stopOnce sync.Once
	stop     chan struct{}

	putCount atomic.Int64
	busy     atomic.Int32
	active   atomic.Int32

	wg sync.WaitGroup
}

// New constructs a Pool. Start must be called to actually launch workers.
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		jobs:    make(chan cloudtask.Job, capacity),
		results: make(chan Result, capacity),
		stop:    make(chan struct{}),
	}
}

// Results is the channel the Controller drains terminal job attempts
// from. It is never closed by the Pool (a Pool may be reused across a
// retry run); callers stop reading once Wait returns.
func (p *Pool) Results() <-chan Result { return p.results }

// Put enqueues job, incrementing the put-counter the drain barrier
// watches. It blocks if the queue is at capacity.
func (p *Pool) Put(job cloudtask.Job) {
	p.putCount.Add(1)
	p.jobs <- job
}

// PutAll enqueues every job in jobs.
func (p *Pool) PutAll(jobs []cloudtask.Job) {
	for _, j := range jobs {
		p.Put(j)
	}
}

// ActiveWorkers reports how many worker goroutines are currently alive.
func (p *Pool) ActiveWorkers() int32 { return p.active.Load() }

// Start launches cfg.Size worker goroutines, each built by calling
// spawn. A worker whose spawn call fails is logged and simply not
// started; Start returns the number that launched successfully.
func (p *Pool) Start(ctx context.Context, spawn Spawn) int {
	launched := 0
	for i := 0; i < p.cfg.Size; i++ {
		r, err := spawn(ctx)
		if err != nil {
			p.logger.Error("worker spawn failed", "err", err)
			continue
		}
		p.launch(ctx, r, spawn)
		launched++
	}
	return launched
}

func (p *Pool) launch(ctx context.Context, r Runner, spawn Spawn) {
	p.active.Add(1)
	p.reportOccupancy()
	p.wg.Add(1)
	go p.runWorker(ctx, r, spawn)
}

func (p *Pool) reportOccupancy() {
	metrics.SetPoolOccupancy(int(p.active.Load()), int(p.busy.Load()))
}

// runWorker is the per-worker dispatch loop from spec.md §4.4: pull a
// job (or observe the stop signal / context cancellation), run it,
// requeue on Retry, emit a Result on a terminal outcome, and exit the
// loop (optionally respawning a replacement) when the Runner retires.
func (p *Pool) runWorker(ctx context.Context, r Runner, spawn Spawn) {
	defer p.wg.Done()
	defer func() {
		p.active.Add(-1)
		p.reportOccupancy()
	}()
	// A panic in this worker's loop is recovered here so it retires only
	// this worker; the in-flight job, if any, stays unrecorded.
	inJob := false
	defer func() {
		if v := recover(); v != nil {
			if inJob {
				p.busy.Add(-1)
			}
			p.logger.Error("worker panicked; retiring it", "panic", v)
		}
	}()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.busy.Add(1)
			inJob = true
			p.reportOccupancy()
			outcome := r.RunJob(ctx, job)
			inJob = false
			p.busy.Add(-1)
			p.reportOccupancy()

			switch outcome.Kind {
			case worker.OutcomeRetry:
				p.Put(outcome.NextJob)
			case worker.OutcomeDone:
				p.results <- Result{Job: job, Result: outcome.Result}
			case worker.OutcomeCancelled:
				// job stays unrecorded; it remains "pending" from the
				// session's point of view and is picked up on resume.
			}

			if outcome.Retire != worker.RetireNone {
				r.Teardown(ctx)
				p.onRetire(ctx, spawn)
				return
			}
		}
	}
}

// onRetire applies keep-alive: if configured and the active worker
// count has dropped below the floor while jobs may still remain, spawn
// a replacement. Spawn failures are logged and accepted as a permanent
// fleet shrink (e.g. the provisioner itself has stopped).
func (p *Pool) onRetire(ctx context.Context, spawn Spawn) {
	if p.cfg.KeepaliveSpares <= 0 {
		return
	}
	select {
	case <-p.stop:
		return
	case <-ctx.Done():
		return
	default:
	}
	// The retiring worker is still counted in p.active until its
	// runWorker returns, so leave it out when comparing with the floor.
	if int(p.active.Load())-1 >= p.cfg.KeepaliveSpares {
		return
	}
	r, err := spawn(ctx)
	if err != nil {
		p.logger.Warn("keep-alive respawn failed", "err", err)
		return
	}
	p.launch(ctx, r, spawn)
}

// Stop broadcasts the one-shot stop signal; every worker loop observes
// it on its next select and exits without starting a new job.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// drainPollInterval is how often Wait re-checks the barrier condition.
const drainPollInterval = 50 * time.Millisecond

// Wait blocks until the drain barrier from spec.md §4.4 is satisfied:
// the job queue is empty, no worker is busy, and a full quiescent pass
// produced no further Put activity (workers may have requeued a Retry
// after the first check). It also returns, without waiting for the
// queue to empty, once every worker has retired (ActiveWorkers() == 0)
// with keep-alive unable to replace them: any jobs still sitting in
// p.jobs at that point can never be claimed, and would otherwise hang
// Wait forever. Those jobs stay recorded as PENDING in the session's
// ledger (Jobs.Update only promotes a submitted job out of PENDING
// when a result actually arrives for it), so a later --resume picks
// them back up. It returns early if ctx is done.
func (p *Pool) Wait(ctx context.Context) {
	lastPut := p.putCount.Load()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
		if len(p.jobs) == 0 && p.busy.Load() == 0 {
			current := p.putCount.Load()
			if current == lastPut {
				return
			}
			lastPut = current
		}
		if p.ActiveWorkers() == 0 {
			return
		}
	}
}

// WaitAllExited blocks until every worker goroutine has returned,
// e.g. after Stop has been called and Wait has observed the drain.
func (p *Pool) WaitAllExited() {
	p.wg.Wait()
}

// Exited returns a channel closed once every worker goroutine has
// returned. Unlike WaitAllExited it does not block the caller, so the
// watchdog can race it against its SIGTERM grace timer.
func (p *Pool) Exited() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(ch)
	}()
	return ch
}
