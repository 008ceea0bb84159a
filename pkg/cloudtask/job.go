// Package cloudtask contains the shared data model for the parallel
// shell-job execution engine: task configuration, jobs, job results and
// their persisted state. These types mirror the conceptual models in
// SPEC_FULL.md §3 and are intentionally free of any I/O so that every
// other package can depend on them without cycles.
package cloudtask

import (
	"fmt"
	"strconv"
	"strings"
)

// JobState is the persisted lifecycle state of a single Job, one line
// per job in a session's jobs file.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobTimeout JobState = "TIMEOUT"
)

// ExitState returns the JobState for a completed command's exit code.
func ExitState(code int) JobState {
	return JobState(fmt.Sprintf("EXIT=%d", code))
}

// Valid reports whether s is PENDING, TIMEOUT, or an EXIT=<n> state.
func (s JobState) Valid() bool {
	if s == JobPending || s == JobTimeout {
		return true
	}
	_, ok := s.ExitCode()
	return ok
}

// Terminal reports whether s represents a finished job (not PENDING).
func (s JobState) Terminal() bool {
	return s != JobPending
}

// ExitCode extracts n from an "EXIT=<n>" state string.
func (s JobState) ExitCode() (int, bool) {
	const prefix = "EXIT="
	if !strings.HasPrefix(string(s), prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(s), prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Succeeded reports whether s is EXIT=0.
func (s JobState) Succeeded() bool {
	n, ok := s.ExitCode()
	return ok && n == 0
}

func (s JobState) String() string { return string(s) }

// Job is one command-line invocation to execute on some worker.
type Job struct {
	Command    string
	RetryCount int
	RetryLimit int
}

// NewJob builds the concatenation of the configured command prefix and
// the shell-quoted per-line arguments, per SPEC_FULL.md §3.
func NewJob(commandPrefix string, args []string, retryLimit int) Job {
	parts := make([]string, 0, len(args)+1)
	if commandPrefix != "" {
		parts = append(parts, commandPrefix)
	}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return Job{
		Command:    strings.Join(parts, " "),
		RetryCount: 0,
		RetryLimit: retryLimit,
	}
}

// Retry returns a copy of j with RetryCount incremented, or ok=false if
// the retry limit has been reached.
func (j Job) Retry() (Job, bool) {
	if j.RetryCount >= j.RetryLimit {
		return j, false
	}
	next := j
	next.RetryCount++
	return next, true
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// the standard POSIX-shell way: close, escaped quote, reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ResultKind distinguishes the three shapes a JobResult can take, per
// SPEC_FULL.md §3: exit-code ∈ ℤ ∪ {TIMEOUT, ERROR}.
type ResultKind int

const (
	ResultExit ResultKind = iota
	ResultTimeout
	ResultError
)

// JobResult is the outcome of one attempt at running a Job.
type JobResult struct {
	Command string
	Kind    ResultKind
	// ExitCode is only meaningful when Kind == ResultExit.
	ExitCode int
}

// State maps a JobResult to its persisted JobState per SPEC_FULL.md §3:
// only TIMEOUT and EXIT=<n> are ever persisted. A ResultError must be
// consumed by a retry or worker-retirement decision before it reaches
// the jobs file; if one somehow does (retries exhausted on an
// unreachable-worker error), it is recorded as TIMEOUT, the closest of
// the two persisted states to "no exit code was ever observed".
func (r JobResult) State() JobState {
	switch r.Kind {
	case ResultExit:
		return ExitState(r.ExitCode)
	default:
		return JobTimeout
	}
}
