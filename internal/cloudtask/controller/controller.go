// Package controller implements C7 of SPEC_FULL.md: the top-level
// orchestrator that resolves config, loads or creates a session,
// builds the job list, wires the Provisioner/Pool/Watchdog together,
// feeds jobs, waits for the drain barrier, and persists results.
//
// Grounded on the teacher's cmd/provisioner-controller/main.go wiring
// order (config resolve -> component construction -> run -> drain) and
// internal/provisioner/dispatcher.Run's classified-error-to-exit-code
// shape, adapted from an HTTP service's request/response cycle to one
// batch run's start/execute/report cycle.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cloudtask/internal/cloudtask/config"
	"cloudtask/internal/cloudtask/metrics"
	"cloudtask/internal/cloudtask/pool"
	"cloudtask/internal/cloudtask/provisioner"
	"cloudtask/internal/cloudtask/report"
	"cloudtask/internal/cloudtask/session"
	"cloudtask/internal/cloudtask/sshkey"
	"cloudtask/internal/cloudtask/watchdog"
	"cloudtask/internal/cloudtask/worker"
	"cloudtask/pkg/cloudtask"
)

// Exit codes, per spec.md §4.7's exit-status rule.
const (
	ExitSuccess       = 0
	ExitJobFailure    = 1
	ExitPartialDestroy = 2
)

// Mode selects how the job list is built.
type Mode int

const (
	ModeNew Mode = iota
	ModeResume
	ModeRetry
)

// RunRequest is everything a Run call needs beyond the resolved config.
type RunRequest struct {
	Mode       Mode
	StdinLines []string // new-run job arguments, one per line
	Logger     *slog.Logger
}

// Run executes one complete session lifecycle and returns the process
// exit code spec.md §4.7 defines.
func Run(ctx context.Context, cfg cloudtask.TaskConfig, sess *session.Session, req RunRequest) (int, error) {
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mlog, err := session.OpenManagerLog(sess.LogPath())
	if err != nil {
		return ExitJobFailure, fmt.Errorf("open manager log: %w", err)
	}
	defer mlog.Close()

	if req.Mode != ModeNew {
		cfg = restoreConfigForResume(cfg, sess, mlog)
	}

	if err := sess.WriteConf(config.Redacted(cfg)); err != nil {
		mlog.Printf("warning: write conf failed: %v", err)
	}
	if data, merr := config.MarshalPersisted(cfg); merr != nil {
		mlog.Printf("warning: marshal persisted config failed: %v", merr)
	} else if err := sess.WriteStateConf(data); err != nil {
		mlog.Printf("warning: write persisted config failed: %v", err)
	}

	ledger, err := session.LoadJobs(sess.JobsPath())
	if err != nil {
		return ExitJobFailure, fmt.Errorf("load jobs ledger: %w", err)
	}

	jobs, err := buildJobList(cfg, req, ledger)
	if err != nil {
		return ExitJobFailure, err
	}
	if len(jobs) == 0 {
		mlog.Printf("nothing to do: job list is empty")
		return ExitSuccess, nil
	}

	split := cfg.Split
	if split > len(jobs) {
		split = len(jobs)
	}

	key, err := sshkey.Generate()
	if err != nil {
		return ExitJobFailure, fmt.Errorf("generate session key: %w", err)
	}
	identityPath := filepath.Join(sess.Root, ".id_ed25519")
	if err := key.WritePrivateKeyPEM(identityPath); err != nil {
		return ExitJobFailure, fmt.Errorf("write session key: %w", err)
	}
	defer os.Remove(identityPath)

	prov := buildProvisioner(cfg, logger)

	c := &controller{
		cfg:          cfg,
		sess:         sess,
		key:          key,
		identityPath: identityPath,
		prov:         prov,
		logger:       logger,
		staticAddrs:  append([]string(nil), cfg.Workers...),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := pool.New(pool.Config{Size: split, KeepaliveSpares: cfg.KeepaliveSpares, QueueCapacity: len(jobs) * 2}, logger)
	mlog.Printf("starting %d jobs across %d workers", len(jobs), split)

	launched := p.Start(runCtx, c.spawn)
	if launched == 0 {
		return ExitJobFailure, fmt.Errorf("no workers could be started")
	}

	wd := watchdog.New(watchdog.Config{
		PollInterval:         cloudtask.WatchdogPollInterval,
		IdleThreshold:        cloudtask.WatchdogIdleThreshold(cfg.Timeout),
		SIGTERMGrace:         cloudtask.WatchdogSIGTERMGrace,
		ZombieDestroyTimeout: cloudtask.ZombieDestroyTimeout,
		ZombieDestroySleep:   cloudtask.ZombieDestroySleep,
	}, sess, p, prov, nil, logger)
	wd.Start(runCtx)

	var outcomes []session.Outcome
	var outcomesMu sync.Mutex
	resultsStop := make(chan struct{})
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		for {
			select {
			case r := <-p.Results():
				outcomesMu.Lock()
				outcomes = append(outcomes, session.Outcome{Job: r.Job, Result: r.Result})
				outcomesMu.Unlock()
				metrics.ObserveJob(outcomeLabel(r.Result), 0)
			case <-resultsStop:
				return
			}
		}
	}()

	p.PutAll(jobs)
	p.Wait(runCtx)
	p.Stop()
	p.WaitAllExited()
	close(resultsStop)
	drainWG.Wait()

	wd.Stop()

	if err := ledger.Update(jobs, outcomes); err != nil {
		mlog.Printf("warning: update jobs ledger failed: %v", err)
	}

	allSucceeded := ledger.AllSucceeded()
	mlog.Printf("run finished: %d jobs, all-succeeded=%v, zombies-reaped=%d", ledger.Len(), allSucceeded, wd.ReapedCount())

	if r := report.New(cfg.Report); r != nil {
		jobsText := ledger.Render()
		renderedConf, _ := sess.ReadConf()
		if err := r.Report(context.Background(), report.BuildSession(sess, renderedConf, jobsText)); err != nil {
			mlog.Printf("warning: report hook failed: %v", err)
		}
	}

	return exitCode(allSucceeded, wd.ReapedCount()), nil
}

// exitCode implements spec.md §4.7's exit-status rule: a partial
// destroy (the watchdog had to reap a zombie instance) takes priority
// over a plain job failure, since it signals a fleet-management
// problem beyond any one job's exit code.
func exitCode(allSucceeded bool, reaped int64) int {
	switch {
	case reaped > 0:
		return ExitPartialDestroy
	case !allSucceeded:
		return ExitJobFailure
	default:
		return ExitSuccess
	}
}

func outcomeLabel(r cloudtask.JobResult) string {
	switch r.Kind {
	case cloudtask.ResultExit:
		if r.ExitCode == 0 {
			return metrics.OutcomeSuccess
		}
		return metrics.OutcomeFailure
	case cloudtask.ResultTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

// restoreConfigForResume loads sess's persisted config (written by a
// prior ModeNew run) and applies it over cfg, per SPEC_FULL.md §8's
// resume-idempotence property: "continues with the same persisted
// config (command, user, overlay, timeout, etc.)". cfg's own
// HubAPIKey and SessionsRoot are left untouched, since the API key is
// never persisted and the sessions root just says where sess lives.
// Any read/parse failure falls back to cfg unchanged (e.g. a session
// created before conf.json existed).
func restoreConfigForResume(cfg cloudtask.TaskConfig, sess *session.Session, mlog *session.ManagerLog) cloudtask.TaskConfig {
	data, err := sess.ReadStateConf()
	if err != nil {
		mlog.Printf("warning: read persisted config failed, using freshly-resolved config: %v", err)
		return cfg
	}
	restored, err := config.UnmarshalPersisted(data, cfg)
	if err != nil {
		mlog.Printf("warning: parse persisted config failed, using freshly-resolved config: %v", err)
		return cfg
	}
	return restored
}

// buildJobList implements spec.md §4.7's "session.pending for resume/
// retry, or command-prefix + stdin-line args for new runs." cfg is
// expected to already be the session's restored persisted config for
// ModeResume/ModeRetry (see Run), so cfg.Retries matches the original
// run's --retries rather than whatever this process's flags/env say.
func buildJobList(cfg cloudtask.TaskConfig, req RunRequest, ledger *session.Jobs) ([]cloudtask.Job, error) {
	switch req.Mode {
	case ModeRetry:
		if err := ledger.RetryFailed(); err != nil {
			return nil, fmt.Errorf("mark failed jobs pending: %w", err)
		}
		return ledger.Pending(cfg.Retries), nil
	case ModeResume:
		return ledger.Pending(cfg.Retries), nil
	default:
		jobs := make([]cloudtask.Job, 0, len(req.StdinLines))
		for _, line := range req.StdinLines {
			jobs = append(jobs, cloudtask.NewJob(cfg.Command, []string{line}, cfg.Retries))
		}
		return jobs, nil
	}
}

func buildProvisioner(cfg cloudtask.TaskConfig, logger *slog.Logger) provisioner.Provisioner {
	if cfg.HubAPIKey == "" {
		return nil
	}
	return &provisioner.HTTPProvisioner{
		BaseURL:    cfg.HubBaseURL,
		APIKey:     cfg.HubAPIKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Retrier: provisioner.Retrier{
			MaxAttempts: cloudtask.ProvisionerMaxRetries + 1,
			Backoff:     cloudtask.ProvisionerRetryBackoff,
			Logger:      logger,
		},
		Logger:       logger,
		FirstWait:    cloudtask.ProvisionerFirstWait,
		PollInterval: cloudtask.ProvisionerPollInterval,
		PendingWait:  cloudtask.ProvisionerFirstWait * 4,
	}
}

// controller holds the collaborators Pool's Spawn closure needs.
type controller struct {
	cfg          cloudtask.TaskConfig
	sess         *session.Session
	key          *sshkey.Key
	identityPath string
	prov         provisioner.Provisioner
	logger       *slog.Logger

	staticMu    sync.Mutex
	staticAddrs []string

	nextID atomic.Int64
}

// nextAddress hands out the next static address if any remain, else
// asks the Provisioner for exactly one fresh instance. This collapses
// spec.md §6's launch(name, n, ...) -> iterator contract to one
// instance per Spawn call (see DESIGN.md's Open Question decision):
// the Pool already calls Spawn one worker slot at a time (both for
// initial placement and for each keep-alive respawn), so there is no
// benefit to batching launch requests the controller would then have
// to re-distribute itself.
func (c *controller) nextAddress(ctx context.Context) (string, *provisioner.Instance, error) {
	c.staticMu.Lock()
	if len(c.staticAddrs) > 0 {
		addr := c.staticAddrs[0]
		c.staticAddrs = c.staticAddrs[1:]
		c.staticMu.Unlock()
		return addr, nil, nil
	}
	c.staticMu.Unlock()

	if c.prov == nil {
		return "", nil, fmt.Errorf("no worker addresses available and no provisioner configured")
	}

	ch, err := c.prov.Launch(ctx, 1, c.cfg.Placement, nil)
	if err != nil {
		return "", nil, fmt.Errorf("launch instance: %w", err)
	}
	r, ok := <-ch
	if !ok {
		return "", nil, fmt.Errorf("launch instance: stream closed without a result")
	}
	if r.Err != nil {
		return "", nil, fmt.Errorf("launch instance: %w", r.Err)
	}
	metrics.IncWorkerLaunched()
	inst := r.Instance
	return inst.IP, &inst, nil
}

// spawn builds, connects, and configures one Worker, satisfying
// pool.Spawn. A Connect or Configure failure tears down what the Worker
// already brought up (including destroying an instance it launched) and
// returns the error; the Pool logs and simply runs with one fewer
// worker slot.
func (c *controller) spawn(ctx context.Context) (pool.Runner, error) {
	addr, inst, err := c.nextAddress(ctx)
	if err != nil {
		return nil, err
	}

	id := int(c.nextID.Add(1))
	logSink, err := session.OpenWorkerLog(c.sess, id)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}

	wcfg := worker.Config{
		ID:           id,
		User:         c.cfg.User,
		Pre:          c.cfg.Pre,
		Post:         c.cfg.Post,
		Overlay:      c.cfg.Overlay,
		CmdTimeout:   c.cfg.Timeout,
		ProbeTimeout: cloudtask.DefaultProbeTimeout,
		PingRetries:  cloudtask.PingRetries,
		StrikeLimit:  c.cfg.Strikes,
		IdentityPath: c.identityPath,
	}
	w := worker.New(wcfg, c.prov, c.key, logSink, c.logger)
	w.Provision(addr, inst)

	cancelCheck := func() bool { return ctx.Err() != nil }
	if err := w.Connect(ctx, c.key.Signer(), cancelCheck); err != nil {
		w.Teardown(ctx)
		return nil, err
	}
	if err := w.Configure(ctx); err != nil {
		w.Teardown(ctx)
		return nil, err
	}
	return w, nil
}
