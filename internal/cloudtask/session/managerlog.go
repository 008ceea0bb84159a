package session

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ManagerLog is the session's human-readable manager log: append-only,
// tee'd to stdout, line-buffered (spec.md §4.5 "manager log (append,
// tee to stdout, line-buffered)").
type ManagerLog struct {
	mu  sync.Mutex
	out io.Writer
	f   *os.File
}

// OpenManagerLog opens (creating if needed) the manager log at path.
func OpenManagerLog(path string) (*ManagerLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manager log: %w", err)
	}
	return &ManagerLog{f: f, out: os.Stdout}, nil
}

// Printf writes one formatted line to both stdout and the log file.
func (m *ManagerLog) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	io.WriteString(m.out, line)
	io.WriteString(m.f, line)
}

// Close flushes and closes the underlying file.
func (m *ManagerLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
