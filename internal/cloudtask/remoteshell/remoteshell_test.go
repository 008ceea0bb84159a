package remoteshell

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestMergeReadersInterleavesArrival(t *testing.T) {
	a, aw := io.Pipe()
	b, bw := io.Pipe()

	merged := mergeReaders(a, b)

	go func() {
		aw.Write([]byte("a1"))
		time.Sleep(10 * time.Millisecond)
		aw.Write([]byte("a2"))
		aw.Close()
	}()
	go func() {
		bw.Write([]byte("b1"))
		time.Sleep(10 * time.Millisecond)
		bw.Write([]byte("b2"))
		bw.Close()
	}()

	var got bytes.Buffer
	buf := make([]byte, 16)
	for {
		n, err := merged.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}

	out := got.String()
	if len(out) != len("a1")+len("a2")+len("b1")+len("b2") {
		t.Fatalf("expected all chunks merged, got %q", out)
	}
	for _, want := range []string{"a1", "a2", "b1", "b2"} {
		if !bytes.Contains(got.Bytes(), []byte(want)) {
			t.Errorf("merged output %q missing chunk %q", out, want)
		}
	}
}

func TestMergeReadersClosesAfterBothEOF(t *testing.T) {
	a := bytes.NewBufferString("hello")
	b := bytes.NewBufferString("world")
	merged := mergeReaders(a, b)

	out, err := io.ReadAll(merged)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(out) != len("hello")+len("world") {
		t.Fatalf("got %q", out)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("shellQuote = %q, want %q", got, want)
	}
}

func TestIsTransportFailure(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		output   string
		want     bool
	}{
		{"transport failure", 255, "ssh: connect to host 10.0.0.1 port 22: Connection refused\n", true},
		{"non-255 exit is not transport failure", 1, "ssh: connect to host 10.0.0.1", false},
		{"255 without ssh message is job failure", 255, "command not found", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTransportFailure(tt.exitCode, []byte(tt.output))
			if got != tt.want {
				t.Errorf("IsTransportFailure(%d, %q) = %v, want %v", tt.exitCode, tt.output, got, tt.want)
			}
		})
	}
}

func TestReadLoopResultHandlerStopped(t *testing.T) {
	r, w := io.Pipe()
	cmd := &RunningCommand{stdout: r}

	go func() {
		w.Write([]byte("chunk1"))
		w.Write([]byte("chunk2"))
		w.Close()
	}()

	calls := 0
	result, panicVal := ReadStream(cmd, func(c *RunningCommand, chunk []byte) bool {
		calls++
		return false
	})
	if result != ReadLoopHandlerStopped {
		t.Errorf("result = %v, want ReadLoopHandlerStopped", result)
	}
	if panicVal != nil {
		t.Errorf("unexpected panic value: %v", panicVal)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want exactly 1 before stopping", calls)
	}
}

func TestReadLoopResultEOF(t *testing.T) {
	r := bytes.NewBufferString("all the output")
	cmd := &RunningCommand{stdout: r}

	var seen bytes.Buffer
	result, _ := ReadStream(cmd, func(c *RunningCommand, chunk []byte) bool {
		seen.Write(chunk)
		return true
	})
	if result != ReadLoopEOF {
		t.Errorf("result = %v, want ReadLoopEOF", result)
	}
	if seen.String() != "all the output" {
		t.Errorf("seen = %q", seen.String())
	}
}

func TestReadLoopResultHandlerPanic(t *testing.T) {
	r := bytes.NewBufferString("trigger")
	cmd := &RunningCommand{stdout: r}

	result, panicVal := ReadStream(cmd, func(c *RunningCommand, chunk []byte) bool {
		panic("boom")
	})
	if result != ReadLoopHandlerPanicked {
		t.Errorf("result = %v, want ReadLoopHandlerPanicked", result)
	}
	if panicVal != "boom" {
		t.Errorf("panicVal = %v, want boom", panicVal)
	}
}
