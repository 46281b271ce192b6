package acp

import (
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/coxswain-dev/coxswain/internal/executor"
)

const stderrTailBytes = 4 * 1024

// ExitStatus is the outcome of one child process.
type ExitStatus struct {
	Code   int
	Err    error
	Killed bool
}

// child owns one live agent OS process: its stdio streams and an
// exit-status future. The harness holds it for the duration of one turn
// and releases it on completion, error, or cancellation.
type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	done     chan struct{}
	killOnce sync.Once

	mu     sync.Mutex
	status ExitStatus
	killed bool
}

// startChild launches the CommandSpec's process with stdio pipes attached.
// A start failure is a SpawnError; the harness does not retry.
func startChild(spec executor.CommandSpec) (*child, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &executor.SpawnError{Program: spec.Program, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &executor.SpawnError{Program: spec.Program, Err: err}
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, &executor.SpawnError{Program: spec.Program, Err: err}
	}

	c := &child{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go c.reap()
	return c, nil
}

func (c *child) reap() {
	err := c.cmd.Wait()

	c.mu.Lock()
	c.status = ExitStatus{Err: err, Killed: c.killed}
	if c.cmd.ProcessState != nil {
		c.status.Code = c.cmd.ProcessState.ExitCode()
	}
	c.mu.Unlock()

	close(c.done)
}

// exited is closed once the process has been reaped.
func (c *child) exited() <-chan struct{} {
	return c.done
}

// exitStatus returns the final status; valid only after exited is closed.
func (c *child) exitStatus() ExitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// pid returns the child's OS process ID for diagnostics.
func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// stderrTail returns the trailing bytes of the child's stderr.
func (c *child) stderrTail() string {
	return c.stderr.String()
}

// kill force-terminates the process. Idempotent.
func (c *child) kill() {
	c.killOnce.Do(func() {
		c.mu.Lock()
		c.killed = true
		c.mu.Unlock()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
}

// release closes stdin to signal end of input, waits up to grace for the
// process to exit on its own, then force-kills. It always returns the
// final exit status, so no turn ever leaves a dangling process.
func (c *child) release(grace time.Duration) ExitStatus {
	_ = c.stdin.Close()

	select {
	case <-c.done:
		return c.exitStatus()
	case <-time.After(grace):
	}

	c.kill()
	<-c.done
	return c.exitStatus()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, p...)
	if len(t.data) > t.limit {
		t.data = t.data[len(t.data)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.data)
}
