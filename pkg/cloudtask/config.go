package cloudtask

import "time"

// Default timeouts and thresholds, carried verbatim from SPEC_FULL.md §5.
const (
	DefaultJobTimeout   = 3600 * time.Second
	DefaultProbeTimeout = 120 * time.Second
	PingRetries         = 3

	ProvisionerFirstWait    = 30 * time.Second
	ProvisionerPollInterval = 10 * time.Second
	ProvisionerRetryBackoff = 5 * time.Second
	ProvisionerMaxRetries   = 2

	WatchdogPollInterval  = 1 * time.Second
	WatchdogSIGTERMGrace  = 300 * time.Second
	ZombieDestroyTimeout  = 3 * time.Hour
	ZombieDestroySleep    = 5 * time.Minute

	// DefaultHubBaseURL is the Hub provisioner's REST endpoint, used
	// when CLOUDTASK_HUB_URL isn't set.
	DefaultHubBaseURL = "https://api.hub.cloudtask.io/v1"
)

// WatchdogIdleThreshold is 2x the configured job timeout, per
// SPEC_FULL.md §4.6.
func WatchdogIdleThreshold(jobTimeout time.Duration) time.Duration {
	return 2 * jobTimeout
}

// ReportKind is the kind of reporting hook configured for a run.
type ReportKind string

const (
	ReportNone ReportKind = ""
	ReportSh   ReportKind = "sh"
	ReportPy   ReportKind = "py"
	ReportMail ReportKind = "mail"
)

// ReportSpec is a parsed `<kind>:<expr>` reporting hook (SPEC_FULL.md §3).
// The hook's body is an external collaborator; cloudtask only carries
// the typed value through to the Reporter capability.
type ReportSpec struct {
	Kind ReportKind
	Expr string
}

// ProvisionerOptions carries the provider placement options from
// SPEC_FULL.md §3/§6: region/size/type/image selectors. Held as a typed
// struct (not a free-form map) so Provisioner implementations and
// config.Validate can check it statically.
type ProvisionerOptions struct {
	Region     string
	Size       string
	Type       string
	SnapshotID string
	BackupID   string
	AMIID      string
}

// TaskConfig is the immutable-after-start run configuration described in
// SPEC_FULL.md §3. It is a plain struct with enumerated fields — no
// dynamic attribute dictionary — per the Design Notes' replacement of
// the source's AttrDict pattern.
type TaskConfig struct {
	User string // login user, default "root"

	Pre     string // per-job setup command
	Post    string // per-job teardown command
	Overlay string // local overlay directory path

	Command string // job command prefix

	Timeout    time.Duration // per-job wall-clock timeout
	Retries    int           // per-job retry limit
	Strikes    int           // 0 = unlimited
	Split      int           // parallelism width

	KeepaliveSpares int // floor the Pool respawns retired workers down to; 0 disables keep-alive

	Workers []string // static pre-launched worker addresses

	HubAPIKey  string
	HubBaseURL string
	Placement  ProvisionerOptions

	Report ReportSpec

	SessionsRoot string // sessions root directory
}

// DefaultTaskConfig returns the compiled-in defaults, the first
// resolution layer of SPEC_FULL.md §9's three-layer config ("compile-time
// defaults, environment lookup, command-line override").
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		User:         "root",
		Timeout:      DefaultJobTimeout,
		Retries:      0,
		Strikes:      0,
		Split:        1,
		HubBaseURL:   DefaultHubBaseURL,
		SessionsRoot: "", // resolved against $HOME by the config loader
	}
}
