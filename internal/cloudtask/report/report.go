// Package report implements the Reporter capability contract from
// SPEC_FULL.md §6: a post-run hook given a session handle exposing its
// config, job ledger, and manager log path. Grounded on the teacher's
// api.NewWebhookHandler/notification-dispatch pattern (an external
// collaborator invoked with a well-known payload shape over a
// configurable transport), re-targeted from inbound webhook handling
// to an outbound post-run hook.
package report

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"os/exec"
	"time"

	"cloudtask/internal/cloudtask/session"
	"cloudtask/pkg/cloudtask"
)

// Session is the read-only view of a completed run a Reporter needs,
// matching spec.md §6's "taskconf, jobs, paths.log" contract.
type Session struct {
	Conf       string
	JobsReport string
	LogPath    string
}

// BuildSession renders sess into the Reporter-facing summary.
func BuildSession(sess *session.Session, renderedConf string, jobLines string) Session {
	return Session{
		Conf:       renderedConf,
		JobsReport: jobLines,
		LogPath:    sess.LogPath(),
	}
}

// Reporter runs the post-run hook configured by a ReportSpec.
type Reporter interface {
	Report(ctx context.Context, s Session) error
}

// New builds the Reporter for spec, or nil if spec has no kind
// configured (ReportNone).
func New(spec cloudtask.ReportSpec) Reporter {
	switch spec.Kind {
	case cloudtask.ReportSh:
		return &interpreterReporter{interpreter: "sh", args: []string{"-c", spec.Expr}}
	case cloudtask.ReportPy:
		return &interpreterReporter{interpreter: "python3", args: []string{spec.Expr}}
	case cloudtask.ReportMail:
		return &mailReporter{addr: spec.Expr}
	default:
		return nil
	}
}

// interpreterReporter execs an interpreter with the session summary
// passed as environment variables, for the `sh:` and `py:` hook kinds.
type interpreterReporter struct {
	interpreter string
	args        []string
}

func (r *interpreterReporter) Report(ctx context.Context, s Session) error {
	cmd := exec.CommandContext(ctx, r.interpreter, r.args...)
	cmd.Env = append(cmd.Env,
		"CLOUDTASK_SESSION_CONF="+s.Conf,
		"CLOUDTASK_SESSION_JOBS="+s.JobsReport,
		"CLOUDTASK_SESSION_LOG="+s.LogPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("report hook %s: %w: %s", r.interpreter, err, stderr.String())
	}
	return nil
}

// mailReporter sends a plain-text summary to addr via the local MTA,
// for the `mail:` hook kind. Best-effort: a missing local mail relay
// simply fails the Report call, which the controller logs and does
// not treat as a run failure.
type mailReporter struct {
	addr string
}

func (r *mailReporter) Report(ctx context.Context, s Session) error {
	body := fmt.Sprintf(
		"Subject: cloudtask run report\r\n\r\nFinished at %s\n\n%s\n\n%s\n",
		time.Now().Format(time.RFC3339), s.Conf, s.JobsReport,
	)
	return smtp.SendMail("127.0.0.1:25", nil, "cloudtask@localhost", []string{r.addr}, []byte(body))
}
