// Command cloudtask runs a batch of shell jobs, one per stdin line,
// against a fleet of SSH-reachable worker hosts. See SPEC_FULL.md for
// the full configuration surface; this binary is a thin flag/env/stdin
// front end over internal/cloudtask/controller.Run.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloudtask/internal/cloudtask/config"
	"cloudtask/internal/cloudtask/controller"
	"cloudtask/internal/cloudtask/logging"
	"cloudtask/internal/cloudtask/session"
)

var version = "dev"

func main() {
	var (
		command      = flag.String("command", "", "Job command prefix (required unless --resume or --retry)")
		user         = flag.String("user", "", "Login user (default root)")
		pre          = flag.String("pre", "", "Per-job setup command")
		post         = flag.String("post", "", "Per-job teardown command")
		overlay      = flag.String("overlay", "", "Local directory to rsync onto each worker before running jobs")
		timeout      = flag.Int("timeout", 0, "Per-job wall-clock timeout, seconds")
		retries      = flag.Int("retries", -1, "Per-job retry limit")
		strikes      = flag.Int("strikes", -1, "Consecutive-failure limit before a worker is evicted (0 = unlimited)")
		split        = flag.Int("split", 0, "Number of workers to run jobs across")
		keepalive    = flag.Int("keepalive-spares", -1, "Floor the pool respawns retired workers down to (0 disables)")
		workers      = flag.String("workers", "", "Comma-separated static worker addresses")
		hubAPIKey    = flag.String("hub-apikey", "", "Cloud provisioner API key")
		hubURL       = flag.String("hub-url", "", "Cloud provisioner base URL")
		report       = flag.String("report", "", "Post-run report hook: sh:<cmd>, py:<script>, or mail:<address>")
		sessionsRoot = flag.String("sessions", "", "Sessions root directory (default $HOME/.cloudtask)")
		resumeID     = flag.Int("resume", 0, "Resume session ID, rerunning only its pending jobs")
		retryID      = flag.Int("retry", 0, "Retry session ID, rerunning its failed jobs")
		logLevel     = flag.String("log-level", "info", "Log level: debug|info|warn|error")
		printVersion = flag.Bool("version", false, "Print version and exit")
	)

	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["command"] {
		cfg.Command = *command
	}
	if set["user"] {
		cfg.User = *user
	}
	if set["pre"] {
		cfg.Pre = *pre
	}
	if set["post"] {
		cfg.Post = *post
	}
	if set["overlay"] {
		cfg.Overlay = *overlay
	}
	if set["timeout"] {
		cfg.Timeout = secondsToDuration(*timeout)
	}
	if set["retries"] {
		cfg.Retries = *retries
	}
	if set["strikes"] {
		cfg.Strikes = *strikes
	}
	if set["split"] {
		cfg.Split = *split
	}
	if set["keepalive-spares"] {
		cfg.KeepaliveSpares = *keepalive
	}
	if set["workers"] {
		cfg.Workers = splitComma(*workers)
	}
	if set["hub-apikey"] {
		cfg.HubAPIKey = *hubAPIKey
	}
	if set["hub-url"] {
		cfg.HubBaseURL = *hubURL
	}
	if set["sessions"] {
		cfg.SessionsRoot = *sessionsRoot
	}
	if set["report"] {
		spec, err := config.ParseReportSpec(*report)
		if err != nil {
			logger.Error("invalid --report", "err", err)
			os.Exit(1)
		}
		cfg.Report = spec
	}

	mode := controller.ModeNew
	sessionID := 0
	switch {
	case *resumeID != 0 && *retryID != 0:
		logger.Error("--resume and --retry are mutually exclusive")
		os.Exit(1)
	case *resumeID != 0:
		mode, sessionID = controller.ModeResume, *resumeID
	case *retryID != 0:
		mode, sessionID = controller.ModeRetry, *retryID
	}

	if mode == controller.ModeNew {
		if err := config.Validate(cfg); err != nil {
			logger.Error("invalid configuration", "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sess *session.Session
	if mode == controller.ModeNew {
		sess, err = session.New(cfg.SessionsRoot)
	} else {
		sess, err = session.Open(cfg.SessionsRoot, sessionID)
	}
	if err != nil {
		logger.Error("session setup failed", "err", err)
		os.Exit(1)
	}
	logger.Info("session", "id", sess.ID, "root", sess.Root)

	req := controller.RunRequest{Mode: mode, Logger: logger}
	if mode == controller.ModeNew {
		req.StdinLines, err = readLines(os.Stdin)
		if err != nil {
			logger.Error("reading stdin failed", "err", err)
			os.Exit(1)
		}
	}

	code, err := controller.Run(ctx, cfg, sess, req)
	if err != nil {
		logger.Error("run failed", "err", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// readLines reads one job argument per non-empty line, per SPEC_FULL.md's
// expansion of the out-of-scope CLI front end into a minimal stdin
// reader for cmd/cloudtask.
func readLines(r *os.File) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan stdin: %w", err)
	}
	return lines, nil
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func splitComma(v string) []string {
	var out []string
	for _, f := range strings.Split(v, ",") {
		if t := strings.TrimSpace(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}
