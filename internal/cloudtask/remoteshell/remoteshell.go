// Package remoteshell implements C1 of SPEC_FULL.md: one authenticated
// SSH channel to a worker host, command execution with live output
// streaming, liveness probing, public-key install/remove, and overlay
// application.
//
// The retry/timeout shape (a client wrapping a transport, a Close that
// releases the remote session) is grounded on the teacher's
// internal/provisioner/redfish/http_client.go; the SSH dial/auth
// construction follows the identity-file-only pattern used throughout
// the retrieved corpus (ssh.ClientConfig with PublicKeys auth and a
// disabled host-key check).
package remoteshell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// ErrUnreachable is returned when the initial liveness probe fails to
// succeed within the probe timeout, or when a 255-exit/"ssh: connect to
// host" transport failure is observed mid-run (SPEC_FULL.md §4.1 edge
// semantics).
var ErrUnreachable = fmt.Errorf("remoteshell: worker unreachable")

// ErrTimeout is returned by Close when the command did not finish
// before the probe timeout elapsed.
var ErrTimeout = fmt.Errorf("remoteshell: timeout")

var transportFailureRe = regexp.MustCompile(`^ssh: connect to host`)

// RemoteShell is one authenticated channel to a worker host.
type RemoteShell struct {
	addr         string
	user         string
	client       *ssh.Client
	probeTimeout time.Duration
	cancelCheck  func() bool
}

// Dial opens a connection and blocks until a liveness probe (`true`)
// succeeds within probeTimeout; otherwise it fails with ErrUnreachable.
// cancelCheck is invoked periodically while Dial waits on the probe; if
// it returns true, Dial aborts early (SPEC_FULL.md §4.1 construction
// parameters).
func Dial(ctx context.Context, addr, user string, signer ssh.Signer, probeTimeout time.Duration, cancelCheck func() bool) (*RemoteShell, error) {
	if cancelCheck == nil {
		cancelCheck = func() bool { return false }
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         probeTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var client *ssh.Client
	dialErr := make(chan error, 1)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(addr, "22"))
		if err != nil {
			dialErr <- err
			return
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			dialErr <- err
			return
		}
		client = ssh.NewClient(c, chans, reqs)
		dialErr <- nil
	}()

	select {
	case err := <-dialErr:
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
		}
	case <-dialCtx.Done():
		return nil, fmt.Errorf("%w: %s: dial timed out", ErrUnreachable, addr)
	}

	rs := &RemoteShell{
		addr:         addr,
		user:         user,
		client:       client,
		probeTimeout: probeTimeout,
		cancelCheck:  cancelCheck,
	}
	if err := rs.Ping(probeTimeout); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: initial probe: %v", ErrUnreachable, addr, err)
	}
	return rs, nil
}

// Close releases the underlying SSH client connection.
func (rs *RemoteShell) Close() error {
	return rs.client.Close()
}

// Addr returns the worker address this shell is connected to.
func (rs *RemoteShell) Addr() string { return rs.addr }

// RunningCommand is a handle to a spawned remote process.
type RunningCommand struct {
	session *ssh.Session
	stdout  io.Reader
	mu      sync.Mutex
	running bool
	exit    *int
	pidFile string
	rs      *RemoteShell
}

// Running reports whether the command is still executing.
func (c *RunningCommand) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ExitCode returns the command's exit code once terminated, or
// (0, false) while still running.
func (c *RunningCommand) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exit == nil {
		return 0, false
	}
	return *c.exit, true
}

// Run spawns a remote process. Commands run under setsid so that
// Terminate can kill the whole remote process group, not just the
// leader the SSH channel is attached to.
func (rs *RemoteShell) Run(command string, pty bool) (*RunningCommand, error) {
	session, err := rs.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if pty {
		if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	pidFile := fmt.Sprintf("/tmp/.cloudtask-%s.pid", uuid.NewString())
	wrapped := fmt.Sprintf("setsid sh -c 'echo $$ > %s; exec %s'", pidFile, command)

	if err := session.Start(wrapped); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	rc := &RunningCommand{
		session: session,
		stdout:  mergeReaders(stdout, stderr),
		running: true,
		pidFile: pidFile,
		rs:      rs,
	}
	go rc.wait(session)
	return rc, nil
}

// mergeReaders combines stdout and stderr into a single live stream in
// arrival order: each source is pumped by its own goroutine into a
// shared channel, so a chunk from either pipe is visible to the reader
// as soon as it arrives instead of stdout being drained to EOF first.
func mergeReaders(a, b io.Reader) io.Reader {
	ch := make(chan []byte, 32)
	var wg sync.WaitGroup
	wg.Add(2)
	pump := func(r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- chunk
			}
			if err != nil {
				return
			}
		}
	}
	go pump(a)
	go pump(b)
	go func() {
		wg.Wait()
		close(ch)
	}()
	return &channelReader{ch: ch}
}

type channelReader struct {
	ch  chan []byte
	buf bytes.Buffer
}

func (cr *channelReader) Read(p []byte) (int, error) {
	if cr.buf.Len() > 0 {
		return cr.buf.Read(p)
	}
	chunk, ok := <-cr.ch
	if !ok {
		return 0, io.EOF
	}
	cr.buf.Write(chunk)
	return cr.buf.Read(p)
}

func (rc *RunningCommand) wait(session *ssh.Session) {
	err := session.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			code = exitErr.ExitStatus()
		} else {
			code = -1
		}
	}
	rc.mu.Lock()
	rc.running = false
	rc.exit = &code
	rc.mu.Unlock()
}

// Terminate sends a termination signal to the remote process group.
func (rc *RunningCommand) Terminate() {
	if !rc.Running() {
		return
	}
	killSession, err := rc.rs.client.NewSession()
	if err != nil {
		return
	}
	defer killSession.Close()
	cmd := fmt.Sprintf("kill -TERM -$(cat %s 2>/dev/null) 2>/dev/null; rm -f %s", rc.pidFile, rc.pidFile)
	_ = killSession.Run(cmd)
	_ = rc.session.Close()
}

// Close waits for the command to finish, applying the cancellation
// callback periodically; on overrun it terminates the command and
// returns ErrTimeout.
func (rc *RunningCommand) Close(probeTimeout time.Duration) error {
	deadline := time.Now().Add(probeTimeout)
	for rc.Running() {
		if time.Now().After(deadline) {
			rc.Terminate()
			return ErrTimeout
		}
		if rc.rs.cancelCheck() {
			rc.Terminate()
			return ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// StreamHandler is called with each output chunk read from a running
// command. Returning false stops the read loop; panicking aborts it.
type StreamHandler func(cmd *RunningCommand, chunk []byte) bool

// ReadLoopResult distinguishes why ReadStream stopped.
type ReadLoopResult int

const (
	ReadLoopEOF ReadLoopResult = iota
	ReadLoopHandlerStopped
	ReadLoopHandlerPanicked
)

// ReadStream drives a loop that reads available output chunks from cmd
// and calls handler(cmd, chunk), distinguishing the three termination
// conditions required by SPEC_FULL.md §4.1: remote process ended,
// handler returned false, or handler raised.
func ReadStream(cmd *RunningCommand, handler StreamHandler) (result ReadLoopResult, panicVal any) {
	defer func() {
		if r := recover(); r != nil {
			result = ReadLoopHandlerPanicked
			panicVal = r
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := cmd.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !handler(cmd, chunk) {
				return ReadLoopHandlerStopped, nil
			}
		}
		if err != nil {
			return ReadLoopEOF, nil
		}
	}
}

// Ping runs `true` on the worker and reuses Close's timeout semantics.
func (rs *RemoteShell) Ping(probeTimeout time.Duration) error {
	cmd, err := rs.Run("true", false)
	if err != nil {
		return err
	}
	if err := cmd.Close(probeTimeout); err != nil {
		return err
	}
	code, _ := cmd.ExitCode()
	if code != 0 {
		return fmt.Errorf("ping: exit code %d", code)
	}
	return nil
}

// InstallPublicKey appends "<key> <fingerprint>" to
// $HOME/.ssh/authorized_keys.
func (rs *RemoteShell) InstallPublicKey(authorizedKeysLine string) error {
	cmd, err := rs.Run(fmt.Sprintf(
		"mkdir -p $HOME/.ssh && chmod 700 $HOME/.ssh && echo %s >> $HOME/.ssh/authorized_keys",
		shellQuote(authorizedKeysLine)), false)
	if err != nil {
		return err
	}
	return runToCompletion(cmd, rs.probeTimeout)
}

// RemovePublicKey removes the authorized_keys entry matching
// fingerprint.
func (rs *RemoteShell) RemovePublicKey(fingerprint string) error {
	cmd, err := rs.Run(fmt.Sprintf(
		"sed -i '/%s$/d' $HOME/.ssh/authorized_keys", regexp.QuoteMeta(fingerprint)), false)
	if err != nil {
		return err
	}
	return runToCompletion(cmd, rs.probeTimeout)
}

// ApplyOverlay mirrors localDir/ to remote / using rsync over the same
// identity and transport, preserving symlinks and hardlinks. The
// overlay transfer binary itself is an external collaborator
// (SPEC_FULL.md §1); RemoteShell only wires it with the right
// transport, identity, and timeout.
func (rs *RemoteShell) ApplyOverlay(ctx context.Context, localDir, identityPath string) error {
	ctx, cancel := context.WithTimeout(ctx, rs.probeTimeout)
	defer cancel()

	dest := fmt.Sprintf("%s@%s:/", rs.user, rs.addr)
	args := []string{
		"-a", "--links", "--hard-links",
		"-e", fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", identityPath),
		localDir + "/", dest,
	}
	cmd := exec.CommandContext(ctx, "rsync", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apply overlay: rsync failed: %w: %s", err, out)
	}
	return nil
}

func runToCompletion(cmd *RunningCommand, timeout time.Duration) error {
	if err := cmd.Close(timeout); err != nil {
		return err
	}
	code, _ := cmd.ExitCode()
	if code != 0 {
		return fmt.Errorf("command exited %d", code)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + regexp.MustCompile(`'`).ReplaceAllString(s, `'\''`) + "'"
}

// IsTransportFailure reports whether exitCode/output indicate the
// worker itself is unreachable rather than the job having failed
// (SPEC_FULL.md §4.1 edge semantics: exit 255 with "ssh: connect to
// host..." on stderr).
func IsTransportFailure(exitCode int, output []byte) bool {
	if exitCode != 255 {
		return false
	}
	return transportFailureRe.Match(bytes.TrimSpace(output))
}
