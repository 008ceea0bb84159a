package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cloudtask/internal/cloudtask/remoteshell"
	"cloudtask/pkg/cloudtask"
)

// pollInterval is how often RunJob's monitor loop checks the
// cmd-timeout and read-idle-timeout deadlines against the clock.
const pollInterval = 200 * time.Millisecond

// tailTarget is how many trailing bytes of output RunJob keeps around
// to feed remoteshell.IsTransportFailure's stderr match.
const tailTarget = 4096

// tailBuffer keeps the last tailTarget bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) append(p []byte) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailTarget {
		t.buf = t.buf[len(t.buf)-tailTarget:]
	}
}

func (t *tailBuffer) bytes() []byte { return t.buf }

// RunJob executes one Job to completion (or until a cmd-timeout,
// read-idle timeout, transport failure, or cancellation preempts it),
// per spec.md §4.3's job execution contract: two independent timers
// (cmd-timeout, read-idle) and up to PingRetries liveness probes before
// a stalled stream is classified as a dead peer.
func (w *Worker) RunJob(ctx context.Context, job cloudtask.Job) Outcome {
	w.state = StateRunning
	start := time.Now()

	cmd, err := w.shell.Run(job.Command, false)
	if err != nil {
		return w.finish(w.classifyPeerDead(job, fmt.Errorf("start command: %w", err)))
	}

	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())
	var tail tailBuffer

	stopReading := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		remoteshell.ReadStream(cmd, func(rc *remoteshell.RunningCommand, chunk []byte) bool {
			select {
			case <-stopReading:
				return false
			default:
			}
			lastActivity.Store(time.Now().UnixNano())
			_, _ = w.log.Write(chunk)
			tail.append(chunk)
			return true
		})
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			code, _ := cmd.ExitCode()
			return w.finish(w.finishExited(job, code, tail.bytes()))

		case <-ctx.Done():
			cmd.Terminate()
			close(stopReading)
			<-readDone
			return w.finish(Outcome{Kind: OutcomeCancelled, Retire: RetireCancelled})

		case <-ticker.C:
			if time.Since(start) >= w.cfg.CmdTimeout {
				cmd.Terminate()
				close(stopReading)
				<-readDone
				return w.finish(Outcome{
					Kind:   OutcomeDone,
					Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultTimeout},
				})
			}

			idleSince := time.Unix(0, lastActivity.Load())
			if time.Since(idleSince) >= w.cfg.ProbeTimeout {
				if w.probeAlive() {
					lastActivity.Store(time.Now().UnixNano())
					continue
				}
				cmd.Terminate()
				close(stopReading)
				<-readDone
				return w.finish(w.classifyPeerDead(job, fmt.Errorf("no response after %d pings", w.cfg.PingRetries)))
			}
		}
	}
}

// probeAlive issues up to PingRetries successive liveness probes,
// returning true on the first success.
func (w *Worker) probeAlive() bool {
	for i := 0; i < w.cfg.PingRetries; i++ {
		if err := w.shell.Ping(w.cfg.ProbeTimeout); err == nil {
			return true
		}
	}
	return false
}

func (w *Worker) finishExited(job cloudtask.Job, code int, tail []byte) Outcome {
	if remoteshell.IsTransportFailure(code, tail) {
		return w.classifyPeerDead(job, fmt.Errorf("transport failure: exit %d", code))
	}

	if code == 0 {
		w.strikeCount = 0
		return Outcome{
			Kind:   OutcomeDone,
			Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: 0},
		}
	}

	w.strikeCount++
	result := cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultExit, ExitCode: code}

	retire := RetireNone
	if w.cfg.StrikeLimit > 0 && w.strikeCount >= w.cfg.StrikeLimit {
		retire = RetireStruckOut
	}

	if next, ok := job.Retry(); ok {
		return Outcome{Kind: OutcomeRetry, NextJob: next, Retire: retire}
	}
	return Outcome{Kind: OutcomeDone, Result: result, Retire: retire}
}

// classifyPeerDead builds the Outcome for a worker that can no longer
// be trusted to run jobs: spec.md §4.3 "peer death during read ->
// worker retires; in-flight job is requeued" (subject to retry-limit).
func (w *Worker) classifyPeerDead(job cloudtask.Job, cause error) Outcome {
	w.logger.Warn("worker peer dead", "worker", w.cfg.ID, "addr", w.Addr, "err", cause)
	if next, ok := job.Retry(); ok {
		return Outcome{Kind: OutcomeRetry, NextJob: next, Retire: RetirePeerDead}
	}
	return Outcome{
		Kind:   OutcomeDone,
		Result: cloudtask.JobResult{Command: job.Command, Kind: cloudtask.ResultError},
		Retire: RetirePeerDead,
	}
}

// finish applies the post-job state transition: back to Ready unless
// the Outcome also retires the worker, per spec.md §4.3's
// Running->Ready / Running->Teardown transitions.
func (w *Worker) finish(o Outcome) Outcome {
	if o.Retire == RetireNone {
		w.state = StateReady
	}
	return o
}
