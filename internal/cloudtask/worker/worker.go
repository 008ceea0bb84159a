// Package worker implements C3 of SPEC_FULL.md: a Worker owns one
// RemoteShell for its lifetime, carries it through
// Provisioning->Connecting->Configuring->Ready->Running->Teardown,
// executes jobs with independent command/read-idle timers, counts
// consecutive failures (strikes), and tears itself down.
//
// Grounded on the teacher's internal/provisioner/jobs.Worker: the
// WorkerConfig defaulting pattern, the appendEvent-style structured
// status logging, and the poll/process loop shape, re-targeted from
// Redfish BMC orchestration to SSH job execution against a
// remoteshell.RemoteShell.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"cloudtask/internal/cloudtask/provisioner"
	"cloudtask/internal/cloudtask/remoteshell"
	"cloudtask/internal/cloudtask/sshkey"
	"cloudtask/pkg/cloudtask"
)

// State is a Worker's position in the state machine from SPEC_FULL.md §4.3.
type State int

const (
	StateProvisioning State = iota
	StateConnecting
	StateConfiguring
	StateReady
	StateRunning
	StateTeardown
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateTeardown:
		return "teardown"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// RetireReason explains why a Worker must retire after a job attempt,
// orthogonal to the job's own disposition (see Outcome).
type RetireReason int

const (
	RetireNone RetireReason = iota
	RetireStruckOut
	RetirePeerDead
	RetireCancelled
)

func (r RetireReason) String() string {
	switch r {
	case RetireStruckOut:
		return "struck-out"
	case RetirePeerDead:
		return "peer-dead"
	case RetireCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// OutcomeKind is the job-disposition half of the tagged result that
// replaces the source's exception-based control flow (spec.md §9:
// {Done(code) | Retry | StruckOut | PeerDead | Cancelled}). cloudtask
// flattens that five-way union into an OutcomeKind (job disposition)
// plus a separate RetireReason (worker disposition), since a single
// job attempt can simultaneously finish (or need a retry) AND force
// its worker to retire — see DESIGN.md.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeRetry
	OutcomeCancelled
)

// Outcome is the result of one RunJob call.
type Outcome struct {
	Kind    OutcomeKind
	Result  cloudtask.JobResult // meaningful when Kind == OutcomeDone
	NextJob cloudtask.Job       // meaningful when Kind == OutcomeRetry
	Retire  RetireReason
}

// LogSink is the worker-log writer a Worker reports raw output and
// status lines to. Implemented by internal/cloudtask/session against
// the `workers/<id>` file, with the carriage-return filtering from
// SPEC_FULL.md §4.5 applied there.
type LogSink interface {
	Write(p []byte) (int, error)
	Status(format string, args ...any)
	// SetAddr records the worker's resolved address for status lines,
	// per SPEC_FULL.md §6's `# <ts> [<ip>] <status>` format — the
	// address isn't known until Provision runs, after the LogSink
	// already exists.
	SetAddr(addr string)
}

// Config controls one Worker's behavior and timeouts.
type Config struct {
	ID   int // synthetic worker id, substitutes for the OS pid spec.md §3 uses for log naming
	User string

	Pre     string
	Post    string
	Overlay string

	CmdTimeout   time.Duration
	ProbeTimeout time.Duration
	PingRetries  int
	StrikeLimit  int

	IdentityPath string // private key file path, for ApplyOverlay's rsync -e "ssh -i ..."
}

func (c Config) withDefaults() Config {
	if c.CmdTimeout <= 0 {
		c.CmdTimeout = cloudtask.DefaultJobTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = cloudtask.DefaultProbeTimeout
	}
	if c.PingRetries <= 0 {
		c.PingRetries = cloudtask.PingRetries
	}
	if c.User == "" {
		c.User = "root"
	}
	return c
}

// Worker owns one RemoteShell for its lifetime.
type Worker struct {
	cfg    Config
	key    *sshkey.Key
	prov   provisioner.Provisioner
	log    LogSink
	logger *slog.Logger

	Addr     string
	instance *provisioner.Instance // nil when running against a static address

	shell       *remoteshell.RemoteShell
	strikeCount int
	state       State
}

// New constructs a Worker. prov may be nil if this worker will only
// ever run against a static address it does not own.
func New(cfg Config, prov provisioner.Provisioner, key *sshkey.Key, log LogSink, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg.withDefaults(),
		key:    key,
		prov:   prov,
		log:    log,
		logger: logger,
		state:  StateProvisioning,
	}
}

// State reports the Worker's current lifecycle state.
func (w *Worker) State() State { return w.state }

// Provision records the address (and, if owned, the launched instance)
// this Worker will connect to, per spec.md §4.3's init->Provisioning
// transition. addr must already be resolved (from the static list or
// the provisioner's launch stream) before Provision is called — the
// provisioning wait itself happens in the caller's Spawn function (the
// controller's nextAddress), not in the Worker.
func (w *Worker) Provision(addr string, inst *provisioner.Instance) {
	w.Addr = addr
	w.instance = inst
	w.log.SetAddr(addr)
	if inst != nil {
		w.log.Status("launched instance=%s", inst.ID)
	}
	w.state = StateConnecting
}

// Connect opens the RemoteShell, blocking on the initial liveness
// probe. On failure the Worker moves to Destroyed with Unreachable, per
// spec.md §4.3's Provisioning->Connecting transition.
func (w *Worker) Connect(ctx context.Context, signer ssh.Signer, cancelCheck func() bool) error {
	shell, err := remoteshell.Dial(ctx, w.Addr, w.cfg.User, signer, w.cfg.ProbeTimeout, cancelCheck)
	if err != nil {
		w.state = StateDestroyed
		w.log.Status("unreachable: %v", err)
		return fmt.Errorf("connect %s: %w", w.Addr, err)
	}
	w.shell = shell
	w.state = StateConfiguring
	w.log.Status("connected")
	return nil
}

// Configure installs the session key, applies the overlay if
// configured, and runs the pre-hook, per spec.md §4.3's
// Connecting->Configuring->Ready transitions.
func (w *Worker) Configure(ctx context.Context) error {
	if w.key != nil {
		if err := w.shell.InstallPublicKey(w.key.AuthorizedKeysLine()); err != nil {
			return fmt.Errorf("install public key: %w", err)
		}
	}
	if w.cfg.Overlay != "" {
		if err := w.shell.ApplyOverlay(ctx, w.cfg.Overlay, w.cfg.IdentityPath); err != nil {
			return fmt.Errorf("apply overlay: %w", err)
		}
	}
	if w.cfg.Pre != "" {
		if err := w.runSetupCommand(w.cfg.Pre); err != nil {
			return fmt.Errorf("pre hook: %w", err)
		}
	}
	w.state = StateReady
	w.log.Status("ready")
	return nil
}

func (w *Worker) runSetupCommand(command string) error {
	cmd, err := w.shell.Run(command, false)
	if err != nil {
		return err
	}
	if err := cmd.Close(w.cfg.ProbeTimeout); err != nil {
		return err
	}
	code, _ := cmd.ExitCode()
	if code != 0 {
		return fmt.Errorf("command %q exited %d", command, code)
	}
	return nil
}

// Teardown runs the post-hook best-effort, removes the session key,
// and destroys the owned instance if any, per spec.md §4.3's
// Ready/Running->Teardown transition. Errors are logged, never
// propagated, matching spec.md §4.3's "destroy failures are logged but
// do not propagate."
func (w *Worker) Teardown(ctx context.Context) {
	w.state = StateTeardown

	if w.shell != nil {
		if w.cfg.Post != "" {
			if err := w.runSetupCommand(w.cfg.Post); err != nil {
				w.logger.Warn("post hook failed", "worker", w.cfg.ID, "addr", w.Addr, "err", err)
			}
		}
		if w.key != nil {
			if err := w.shell.RemovePublicKey(w.key.Fingerprint); err != nil {
				w.logger.Warn("remove public key failed", "worker", w.cfg.ID, "addr", w.Addr, "err", err)
			}
		}
		_ = w.shell.Close()
	}

	if w.instance != nil && w.prov != nil {
		if _, err := w.prov.Destroy(ctx, []string{w.Addr}); err != nil {
			w.logger.Warn("destroy instance failed", "worker", w.cfg.ID, "instance", w.instance.ID, "err", err)
		} else {
			w.log.Status("destroyed instance=%s", w.instance.ID)
		}
	}

	w.state = StateDestroyed
}
