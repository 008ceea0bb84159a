// Package watchdog implements C6 of SPEC_FULL.md: a supervising
// goroutine that polls the session's worker logs for idleness, forces
// the fleet to terminate when the whole run stalls, and reaps any
// cloud instance a worker launched but never recorded as destroyed.
//
// Grounded on the teacher's bmc.ReconcileState (tolerant-of-error,
// log-and-continue polling) for the poll loop's error handling, and on
// the teacher's oci.GarbageCollector (ticker-driven background loop
// over a stopCh/doneCh pair, with the scan-then-sweep logic factored
// into a plain method so it can also run once on demand) for the
// overall Start/Stop/run shape and for the reap-on-exit pattern
// (GarbageCollector sweeps on its own ticker; Watchdog sweeps once,
// on exit, since zombie instances only accumulate across one run).
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"cloudtask/internal/cloudtask/metrics"
	"cloudtask/internal/cloudtask/provisioner"
	"cloudtask/internal/cloudtask/session"
)

// Terminator is the subset of Pool the watchdog drives during
// escalation: ask every worker to stop taking new jobs, and learn once
// they actually have. Pool satisfies this via Stop/Exited.
type Terminator interface {
	Stop()
	Exited() <-chan struct{}
}

// Config controls watchdog timing, per spec.md §4.6/§5.
type Config struct {
	PollInterval  time.Duration // default cloudtask.WatchdogPollInterval
	IdleThreshold time.Duration // 2x the run's job timeout
	SIGTERMGrace  time.Duration // the Controller passes cloudtask.WatchdogSIGTERMGrace; 0 means 1s

	// The Controller passes cloudtask.ZombieDestroyTimeout and
	// cloudtask.ZombieDestroySleep; if either is 0 the reaper makes a
	// single destroy attempt.
	ZombieDestroyTimeout time.Duration
	ZombieDestroySleep   time.Duration

	ControllerPID int // os.Getpid() of the controller; 0 uses the real pid
}

// Watchdog polls sess's workers/ directory for idleness and, on exit,
// destroys any instance a worker log shows as launched but never
// destroyed.
type Watchdog struct {
	cfg    Config
	sess   *session.Session
	term   Terminator
	prov   provisioner.Provisioner
	procs  ProcessTable
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	escalated   bool
	reapedCount atomic.Int64
}

// ReapedCount reports how many zombie instances the reaper destroyed,
// the Controller's signal for the "partial destroy" exit code
// (spec.md §4.7's exit-status rule).
func (w *Watchdog) ReapedCount() int64 { return w.reapedCount.Load() }

// New constructs a Watchdog. prov may be nil if this run uses only
// static worker addresses (nothing for the reaper to destroy).
func New(cfg Config, sess *session.Session, term Terminator, prov provisioner.Provisioner, procs ProcessTable, logger *slog.Logger) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ControllerPID == 0 {
		cfg.ControllerPID = os.Getpid()
	}
	if procs == nil {
		procs = NewProcessTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		cfg:    cfg,
		sess:   sess,
		term:   term,
		prov:   prov,
		procs:  procs,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the watchdog's poll loop in its own goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the poll loop to exit and blocks until it has reaped
// zombie instances and returned. Safe to call once; idempotent calls
// after the first are no-ops since stopCh is only closed here and
// Controller is expected to call Stop exactly once per run.
func (w *Watchdog) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.reapZombies(context.Background())
	// A panic in the poll loop is recovered here, so the zombie reaper
	// above still runs and Stop still returns.
	defer func() {
		if v := recover(); v != nil {
			w.logger.Error("watchdog panicked; stopping its poll loop", "panic", v)
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.tick(); err != nil {
				// Tolerate transient read errors (e.g. a worker log file
				// mid-rotation) and keep polling, per the reconciliation
				// loop's tolerant-of-error shape.
				w.logger.Warn("watchdog poll error", "err", err)
			}
		}
	}
}

// tick runs one poll cycle: sanity-check the controller is still
// alive, compute idle time from worker log mtimes, and escalate once
// if the session has stalled.
func (w *Watchdog) tick() error {
	if !w.procs.Exists(w.cfg.ControllerPID) {
		return fmt.Errorf("controller pid %d no longer exists", w.cfg.ControllerPID)
	}
	if w.escalated {
		return nil
	}

	idle, err := w.idleTime()
	if err != nil {
		return err
	}
	if idle < w.cfg.IdleThreshold {
		return nil
	}

	w.logger.Warn("session idle beyond threshold, escalating", "idle", idle, "threshold", w.cfg.IdleThreshold)
	metrics.IncWatchdogEviction("idle-timeout")
	w.escalated = true
	w.escalate()
	return nil
}

// idleTime is now - the most recent mtime across every worker log
// file, per spec.md §4.6. A session with no worker logs yet (startup
// race) reports zero idle time.
func (w *Watchdog) idleTime() (time.Duration, error) {
	entries, err := os.ReadDir(w.sess.WorkersDir())
	if err != nil {
		return 0, fmt.Errorf("read workers directory: %w", err)
	}

	var latest time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue // not a worker log file
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	if latest.IsZero() {
		return 0, nil
	}
	return time.Since(latest), nil
}

// escalate asks every worker to stop taking new jobs (the
// goroutine-based analogue of SIGTERM) and waits up to SIGTERMGrace
// for them to exit. Go has no primitive to forcibly kill a stuck
// goroutine the way the source sends SIGKILL to a survivor process, so
// past the grace period escalate only logs and returns; the run's
// exit status and the zombie reaper cover the residual risk, per
// spec.md §4.6's "escalation must not destroy instances directly."
func (w *Watchdog) escalate() {
	w.term.Stop()

	grace := w.cfg.SIGTERMGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-w.term.Exited():
		w.logger.Info("all workers exited after escalation")
	case <-time.After(grace):
		w.logger.Error("workers did not exit within grace period; proceeding without forced termination", "grace", grace)
	}
}

// statusLineRe matches the "# <ts> [<addr>] launched
// instance=<id>" / "destroyed instance=<id>" status lines WorkerLog
// writes (session/workerlog.go), so the reaper can tell which
// addresses a worker launched but never recorded as destroyed.
var statusLineRe = regexp.MustCompile(`^# \S+ \S+ \[([^\]]*)\] (launched|destroyed) instance=(\S+)`)

// reapZombies is spec.md §4.6's zombie reaping: on watchdog exit, scan
// every worker log for instances launched but never destroyed,
// batch-destroy them with a long-retry Retrier, and append a
// destruction line to each owning worker's log.
func (w *Watchdog) reapZombies(ctx context.Context) {
	if w.prov == nil {
		return
	}

	launched := map[string]string{} // addr -> instance id
	destroyed := map[string]bool{}

	dir := w.sess.WorkersDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("zombie reap: read workers directory", "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			w.logger.Warn("zombie reap: read worker log", "file", e.Name(), "err", err)
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			m := statusLineRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			addr, verb, instanceID := m[1], m[2], m[3]
			if verb == "launched" {
				launched[addr] = instanceID
			} else {
				destroyed[addr] = true
			}
		}
	}

	var leaked []string
	for addr := range launched {
		if !destroyed[addr] {
			leaked = append(leaked, addr)
		}
	}
	if len(leaked) == 0 {
		return
	}
	w.logger.Warn("reaping zombie instances", "count", len(leaked), "addrs", leaked)

	retrier := provisioner.Retrier{
		MaxAttempts: zombieMaxAttempts(w.cfg),
		Backoff:     zombieSleep(w.cfg),
		Logger:      w.logger,
	}

	var destroyedNow []provisioner.Instance
	err = retrier.Do(ctx, "zombie-reap", func(ctx context.Context) error {
		result, derr := w.prov.Destroy(ctx, leaked)
		destroyedNow = result
		if derr != nil {
			return fmt.Errorf("%w: %v", provisioner.ErrTransient, derr)
		}
		return nil
	})
	if err != nil {
		w.logger.Error("zombie reap: destroy failed", "err", err)
	}

	destroyedAddrs := map[string]bool{}
	for _, inst := range destroyedNow {
		destroyedAddrs[inst.IP] = true
	}
	for addr, instanceID := range launched {
		if destroyed[addr] || !destroyedAddrs[addr] {
			continue
		}
		metrics.IncWorkerDestroyed("zombie-reaped")
		w.reapedCount.Add(1)
		w.appendDestroyLine(addr, instanceID)
	}
}

func (w *Watchdog) appendDestroyLine(addr, instanceID string) {
	dir := w.sess.WorkersDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	needle := "[" + addr + "]"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), needle) {
			continue
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.logger.Warn("zombie reap: append destroy line", "file", path, "err", err)
			continue
		}
		ts := time.Now().Format("2006-01-02 15:04:05")
		fmt.Fprintf(f, "# %s [%s] destroyed instance=%s (reaped by watchdog)\n", ts, addr, instanceID)
		f.Close()
	}
}

func zombieMaxAttempts(cfg Config) int {
	timeout := cfg.ZombieDestroyTimeout
	sleep := cfg.ZombieDestroySleep
	if timeout <= 0 || sleep <= 0 {
		return 1
	}
	n := int(timeout/sleep) + 1
	if n < 1 {
		n = 1
	}
	return n
}

func zombieSleep(cfg Config) time.Duration {
	if cfg.ZombieDestroySleep <= 0 {
		return time.Minute
	}
	return cfg.ZombieDestroySleep
}
