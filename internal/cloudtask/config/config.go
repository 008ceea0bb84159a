// Package config resolves a cloudtask.TaskConfig through the three
// layers described in SPEC_FULL.md §9: compiled-in defaults,
// CLOUDTASK_* environment variables, then explicit overrides (normally
// command-line flags, applied by the caller after Load returns).
//
// The layering and per-field validation style is grounded on the
// teacher's internal/provisioner/config package
// (DefaultRegistryConfig/LoadRegistryConfigFromEnv/Validate).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cloudtask/pkg/cloudtask"
)

// Load returns cloudtask.DefaultTaskConfig() overridden by any
// recognized CLOUDTASK_* environment variable.
func Load() (cloudtask.TaskConfig, error) {
	cfg := cloudtask.DefaultTaskConfig()

	if v := os.Getenv("CLOUDTASK_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("CLOUDTASK_PRE"); v != "" {
		cfg.Pre = v
	}
	if v := os.Getenv("CLOUDTASK_POST"); v != "" {
		cfg.Post = v
	}
	if v := os.Getenv("CLOUDTASK_OVERLAY"); v != "" {
		cfg.Overlay = v
	}
	if v := os.Getenv("CLOUDTASK_COMMAND"); v != "" {
		cfg.Command = v
	}
	if v := os.Getenv("CLOUDTASK_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLOUDTASK_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("CLOUDTASK_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLOUDTASK_RETRIES: %w", err)
		}
		cfg.Retries = n
	}
	if v := os.Getenv("CLOUDTASK_STRIKES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLOUDTASK_STRIKES: %w", err)
		}
		cfg.Strikes = n
	}
	if v := os.Getenv("CLOUDTASK_SPLIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLOUDTASK_SPLIT: %w", err)
		}
		cfg.Split = n
	}
	if v := os.Getenv("CLOUDTASK_KEEPALIVE_SPARES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CLOUDTASK_KEEPALIVE_SPARES: %w", err)
		}
		cfg.KeepaliveSpares = n
	}
	if v := os.Getenv("CLOUDTASK_WORKERS"); v != "" {
		cfg.Workers = splitAddrList(v)
	}
	if v := os.Getenv("CLOUDTASK_HUB_APIKEY"); v != "" {
		cfg.HubAPIKey = v
	}
	if v := os.Getenv("CLOUDTASK_HUB_URL"); v != "" {
		cfg.HubBaseURL = v
	}
	if v := os.Getenv("CLOUDTASK_EC2_REGION"); v != "" {
		cfg.Placement.Region = v
	}
	if v := os.Getenv("CLOUDTASK_EC2_SIZE"); v != "" {
		cfg.Placement.Size = v
	}
	if v := os.Getenv("CLOUDTASK_EC2_TYPE"); v != "" {
		cfg.Placement.Type = v
	}
	if v := os.Getenv("CLOUDTASK_SNAPSHOT_ID"); v != "" {
		cfg.Placement.SnapshotID = v
	}
	if v := os.Getenv("CLOUDTASK_BACKUP_ID"); v != "" {
		cfg.Placement.BackupID = v
	}
	if v := os.Getenv("CLOUDTASK_AMI_ID"); v != "" {
		cfg.Placement.AMIID = v
	}
	if v := os.Getenv("CLOUDTASK_SESSIONS"); v != "" {
		cfg.SessionsRoot = v
	}

	if cfg.SessionsRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve sessions root: %w", err)
		}
		cfg.SessionsRoot = home + "/.cloudtask"
	}

	return cfg, nil
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func splitAddrList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the invariants spelled out in SPEC_FULL.md §3/§6:
// a resolved command is required, the hub API key is required when the
// requested split exceeds the number of static addresses, and
// snapshot-id/ami-id are mutually exclusive.
func Validate(cfg cloudtask.TaskConfig) error {
	if strings.TrimSpace(cfg.Command) == "" {
		return fmt.Errorf("command is required")
	}
	if cfg.Split > len(cfg.Workers) && cfg.HubAPIKey == "" {
		return fmt.Errorf("hub API key is required: split (%d) exceeds static worker addresses (%d)", cfg.Split, len(cfg.Workers))
	}
	if cfg.Placement.SnapshotID != "" && cfg.Placement.AMIID != "" {
		return fmt.Errorf("snapshot-id and ami-id are mutually exclusive")
	}
	if cfg.Split < 1 {
		return fmt.Errorf("split must be >= 1")
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}
	if cfg.Strikes < 0 {
		return fmt.Errorf("strikes must be >= 0")
	}
	if cfg.KeepaliveSpares < 0 {
		return fmt.Errorf("keepalive spares must be >= 0")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	return nil
}

// Redacted renders cfg as a pretty-printed mapping literal suitable for
// the session's `conf` file. The API key's value never appears: its
// entry is written as a literal `<redacted>` placeholder.
// Field redaction otherwise follows the teacher's
// pkg/crypto.RedactSecret shape: secrets never reach a persisted file.
func Redacted(cfg cloudtask.TaskConfig) string {
	var b strings.Builder
	b.WriteString("{\n")
	fmt.Fprintf(&b, "  user: %q,\n", cfg.User)
	fmt.Fprintf(&b, "  pre: %q,\n", cfg.Pre)
	fmt.Fprintf(&b, "  post: %q,\n", cfg.Post)
	fmt.Fprintf(&b, "  overlay: %q,\n", cfg.Overlay)
	fmt.Fprintf(&b, "  command: %q,\n", cfg.Command)
	fmt.Fprintf(&b, "  timeout: %d,\n", int(cfg.Timeout.Seconds()))
	fmt.Fprintf(&b, "  retries: %d,\n", cfg.Retries)
	fmt.Fprintf(&b, "  strikes: %d,\n", cfg.Strikes)
	fmt.Fprintf(&b, "  split: %d,\n", cfg.Split)
	fmt.Fprintf(&b, "  keepalive_spares: %d,\n", cfg.KeepaliveSpares)
	fmt.Fprintf(&b, "  workers: %q,\n", cfg.Workers)
	fmt.Fprintf(&b, "  ec2_region: %q,\n", cfg.Placement.Region)
	fmt.Fprintf(&b, "  ec2_size: %q,\n", cfg.Placement.Size)
	fmt.Fprintf(&b, "  ec2_type: %q,\n", cfg.Placement.Type)
	fmt.Fprintf(&b, "  snapshot_id: %q,\n", cfg.Placement.SnapshotID)
	fmt.Fprintf(&b, "  backup_id: %q,\n", cfg.Placement.BackupID)
	fmt.Fprintf(&b, "  ami_id: %q,\n", cfg.Placement.AMIID)
	fmt.Fprintf(&b, "  report: %q,\n", formatReport(cfg.Report))
	fmt.Fprintf(&b, "  hub_url: %q,\n", cfg.HubBaseURL)
	b.WriteString("  hub_apikey: <redacted>,\n")
	b.WriteString("}\n")
	return b.String()
}

// persistedConfig is the JSON-serializable subset of TaskConfig written
// to a session's conf.json, per SPEC_FULL.md §8's resume-idempotence
// property ("continues with the same persisted config"). It mirrors
// Redacted's field set minus the API key, which is never written to
// disk the same way Redacted drops it from the human-readable form.
type persistedConfig struct {
	User            string
	Pre             string
	Post            string
	Overlay         string
	Command         string
	TimeoutSeconds  int
	Retries         int
	Strikes         int
	Split           int
	KeepaliveSpares int
	Workers         []string
	HubBaseURL      string
	Placement       cloudtask.ProvisionerOptions
	Report          cloudtask.ReportSpec
}

// MarshalPersisted renders cfg's machine-loadable snapshot for a
// session's conf.json. The hub API key is deliberately omitted.
func MarshalPersisted(cfg cloudtask.TaskConfig) ([]byte, error) {
	p := persistedConfig{
		User:            cfg.User,
		Pre:             cfg.Pre,
		Post:            cfg.Post,
		Overlay:         cfg.Overlay,
		Command:         cfg.Command,
		TimeoutSeconds:  int(cfg.Timeout.Seconds()),
		Retries:         cfg.Retries,
		Strikes:         cfg.Strikes,
		Split:           cfg.Split,
		KeepaliveSpares: cfg.KeepaliveSpares,
		Workers:         cfg.Workers,
		HubBaseURL:      cfg.HubBaseURL,
		Placement:       cfg.Placement,
		Report:          cfg.Report,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal persisted config: %w", err)
	}
	return data, nil
}

// UnmarshalPersisted parses a session's conf.json and applies it to
// base, for --resume/--retry to restore the original run's
// TaskConfig. base's HubAPIKey (and SessionsRoot) pass through
// untouched, since the API key is never persisted and the sessions
// root describes where this session lives, not how it was configured.
func UnmarshalPersisted(data []byte, base cloudtask.TaskConfig) (cloudtask.TaskConfig, error) {
	var p persistedConfig
	if err := json.Unmarshal(data, &p); err != nil {
		return base, fmt.Errorf("parse persisted config: %w", err)
	}
	base.User = p.User
	base.Pre = p.Pre
	base.Post = p.Post
	base.Overlay = p.Overlay
	base.Command = p.Command
	base.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
	base.Retries = p.Retries
	base.Strikes = p.Strikes
	base.Split = p.Split
	base.KeepaliveSpares = p.KeepaliveSpares
	base.Workers = p.Workers
	base.HubBaseURL = p.HubBaseURL
	base.Placement = p.Placement
	base.Report = p.Report
	return base, nil
}

func formatReport(r cloudtask.ReportSpec) string {
	if r.Kind == cloudtask.ReportNone {
		return ""
	}
	return string(r.Kind) + ":" + r.Expr
}

// ParseReportSpec parses a "<kind>:<expr>" hook spec, per SPEC_FULL.md §6.
func ParseReportSpec(s string) (cloudtask.ReportSpec, error) {
	if s == "" {
		return cloudtask.ReportSpec{}, nil
	}
	kind, expr, ok := strings.Cut(s, ":")
	if !ok {
		return cloudtask.ReportSpec{}, fmt.Errorf("invalid report spec %q: want <kind>:<expr>", s)
	}
	switch cloudtask.ReportKind(kind) {
	case cloudtask.ReportSh, cloudtask.ReportPy, cloudtask.ReportMail:
		return cloudtask.ReportSpec{Kind: cloudtask.ReportKind(kind), Expr: expr}, nil
	default:
		return cloudtask.ReportSpec{}, fmt.Errorf("invalid report kind %q: want sh, py, or mail", kind)
	}
}
