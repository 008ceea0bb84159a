package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"cloudtask/pkg/cloudtask"
)

// Outcome is one terminal job attempt to fold into the Jobs ledger.
// Kept distinct from pool.Result so this package doesn't need to
// import the pool package for a two-field struct.
type Outcome struct {
	Job    cloudtask.Job
	Result cloudtask.JobResult
}

// record is one line of the jobs file: <state>\t<command>.
type record struct {
	state   cloudtask.JobState
	command string
}

// Jobs is the session's job-state ledger (spec.md §4.5/§6): one line
// per distinct command, tracking whether it's still pending or has
// reached a terminal state.
type Jobs struct {
	mu      sync.Mutex
	path    string
	order   []string
	records map[string]record
}

// LoadJobs reads path (if it exists) into a Jobs ledger. A missing file
// is treated as an empty ledger, matching the "new session" case.
func LoadJobs(path string) (*Jobs, error) {
	j := &Jobs{path: path, records: map[string]record{}}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open jobs file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		state, command, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		j.set(command, cloudtask.JobState(state))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	return j, nil
}

func (j *Jobs) set(command string, state cloudtask.JobState) {
	if _, ok := j.records[command]; !ok {
		j.order = append(j.order, command)
	}
	j.records[command] = record{state: state, command: command}
}

// isPending reports whether state should be re-run: only a literal
// PENDING is; any terminal state, and any unrecognized prefix, is
// treated as finished per spec.md §4.5 ("unknown state prefixes are
// treated as finished").
func isPending(state cloudtask.JobState) bool {
	return state == cloudtask.JobPending
}

// Pending returns a Job for every ledger entry still in state PENDING,
// carrying retryLimit (the session's persisted --retries) so resumed
// and retried jobs keep the same retry budget a fresh run would get.
func (j *Jobs) Pending(retryLimit int) []cloudtask.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []cloudtask.Job
	for _, cmd := range j.order {
		if isPending(j.records[cmd].state) {
			out = append(out, cloudtask.Job{Command: cmd, RetryLimit: retryLimit})
		}
	}
	return out
}

// Len reports how many distinct commands the ledger tracks.
func (j *Jobs) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order)
}

// AllSucceeded reports whether every tracked job ended EXIT=0, the
// Controller's exit-status rule from spec.md §4.7.
func (j *Jobs) AllSucceeded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, cmd := range j.order {
		if !j.records[cmd].state.Succeeded() {
			return false
		}
	}
	return true
}

// Update folds submitted (marked PENDING unless already present) and
// results (marked with their terminal state) into the ledger, then
// persists it. This implements spec.md §4.5's jobs.update:
// finished := finished ∪ {(j, state-of(r))}; pending := (pending ∪
// submitted) \ {j for (j,_) in results}.
func (j *Jobs) Update(submitted []cloudtask.Job, results []Outcome) error {
	j.mu.Lock()
	for _, job := range submitted {
		if _, ok := j.records[job.Command]; !ok {
			j.set(job.Command, cloudtask.JobPending)
		}
	}
	for _, o := range results {
		j.set(o.Job.Command, o.Result.State())
	}
	data := j.renderLocked()
	j.mu.Unlock()
	return writeFileAtomic(j.path, data)
}

// RetryFailed moves every non-EXIT=0 terminal record back to PENDING,
// for the --retry flow (spec.md §4.5/§6).
func (j *Jobs) RetryFailed() error {
	j.mu.Lock()
	for _, cmd := range j.order {
		rec := j.records[cmd]
		if rec.state != cloudtask.JobPending && !rec.state.Succeeded() {
			j.records[cmd] = record{state: cloudtask.JobPending, command: cmd}
		}
	}
	data := j.renderLocked()
	j.mu.Unlock()
	return writeFileAtomic(j.path, data)
}

// Render returns the ledger in the same `<state>\t<command>` format
// persisted to the jobs file, for display (e.g. the Reporter hook).
func (j *Jobs) Render() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return string(j.renderLocked())
}

func (j *Jobs) renderLocked() []byte {
	var b strings.Builder
	for _, cmd := range j.order {
		rec := j.records[cmd]
		fmt.Fprintf(&b, "%s\t%s\n", rec.state, rec.command)
	}
	return []byte(b.String())
}
