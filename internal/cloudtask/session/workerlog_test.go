package session

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestFilterWorkerOutputDropsConnectionClosedBanner(t *testing.T) {
	in := []byte("build step 3\nConnection to 10.0.0.5 closed.\r\nmore output\n")
	got := string(filterWorkerOutput(in))
	if strings.Contains(got, "Connection to") {
		t.Errorf("banner not stripped: %q", got)
	}
	if !strings.Contains(got, "build step 3") || !strings.Contains(got, "more output") {
		t.Errorf("surrounding content lost: %q", got)
	}
}

func TestFilterWorkerOutputDropsDanglingCRRedraw(t *testing.T) {
	in := []byte("progress: 10%\rprogress: 55%")
	got := string(filterWorkerOutput(in))
	if strings.Contains(got, "55%") {
		t.Errorf("dangling CR redraw not dropped: %q", got)
	}
}

func TestFilterWorkerOutputCollapsesMidLineOverwrite(t *testing.T) {
	in := []byte("foo\rprogress\rbar\n")
	got := string(filterWorkerOutput(in))
	if got != "bar\n" {
		t.Errorf("got %q, want %q", got, "bar\n")
	}
}

func TestFilterWorkerOutputKeepsFinalProgressBarState(t *testing.T) {
	in := []byte("downloading 10%\rdownloading 100%\ndone\n")
	got := string(filterWorkerOutput(in))
	if got != "downloading 100%\ndone\n" {
		t.Errorf("got %q, want %q", got, "downloading 100%\ndone\n")
	}
}

func TestFilterWorkerOutputCollapsesCRLF(t *testing.T) {
	in := []byte("line one\r\n")
	got := string(filterWorkerOutput(in))
	if got != "line one\n" {
		t.Errorf("got %q, want collapsed CRLF", got)
	}
}

func newTestWorkerLog(t *testing.T) (*WorkerLog, *Session) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New session: %v", err)
	}
	wl, err := OpenWorkerLog(s, 1)
	if err != nil {
		t.Fatalf("OpenWorkerLog: %v", err)
	}
	t.Cleanup(func() { wl.Close() })
	return wl, s
}

func TestWorkerLogWritesFilteredOutput(t *testing.T) {
	wl, s := newTestWorkerLog(t)
	if _, err := wl.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(s.WorkerLogPath(1))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("log content = %q", string(data))
	}
}

func TestWorkerLogTouchesMtimeOnEmptyFilteredWrite(t *testing.T) {
	wl, s := newTestWorkerLog(t)
	path := s.WorkerLogPath(1)

	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := wl.Write([]byte("\rprogress 99%")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().After(before.ModTime()) {
		t.Errorf("mtime not advanced: before=%v after=%v", before.ModTime(), after.ModTime())
	}
	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("expected no bytes written, got %q", string(data))
	}
}

func TestWorkerLogStatusIncludesAddr(t *testing.T) {
	wl, s := newTestWorkerLog(t)
	wl.SetAddr("10.0.0.9")
	wl.Status("ready")

	data, err := os.ReadFile(s.WorkerLogPath(1))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[10.0.0.9] ready") {
		t.Errorf("status line missing addr: %q", string(data))
	}
	if !strings.HasPrefix(string(data), "# ") {
		t.Errorf("status line missing # prefix: %q", string(data))
	}
}
