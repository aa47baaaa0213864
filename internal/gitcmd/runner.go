// internal/gitcmd/runner.go
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Result holds the outcome of a single git invocation. A non-zero exit is
// reported through ExitCode/Stderr, not as a Go error.
type Result struct {
	Args      []string
	ExitCode  int
	Stdout    string
	Stderr    string
	Cancelled bool
}

// Ok reports whether the command ran and exited zero.
func (r Result) Ok() bool {
	return r.ExitCode == 0 && !r.Cancelled
}

// Err converts a failed result into an error for callers that want one.
func (r Result) Err() error {
	if r.Ok() {
		return nil
	}
	if r.Cancelled {
		return fmt.Errorf("git %s: cancelled", strings.Join(r.Args, " "))
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Errorf("git %s: exit %d: %s", strings.Join(r.Args, " "), r.ExitCode, msg)
}

// Runner executes the git binary. The zero value is usable; the binary path
// is resolved once on first use.
type Runner struct {
	resolveOnce sync.Once
	binary      string
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Binary returns the resolved git binary path, falling back to "git" when
// lookup fails so PATH resolution at spawn time still gets a chance.
func (r *Runner) Binary() string {
	r.resolveOnce.Do(func() {
		path, err := exec.LookPath("git")
		if err != nil {
			r.binary = "git"
			return
		}
		r.binary = path
	})
	return r.binary
}

// Available reports whether the git binary can be located.
func (r *Runner) Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Run executes git with the given arguments in dir. Stdout and stderr are
// streamed through pipes so large output cannot deadlock the child. On
// context cancellation the whole process group is killed and the result is
// marked Cancelled.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) Result {
	res := Result{Args: args, ExitCode: -1}

	cmd := exec.Command(r.Binary(), args...)
	cmd.Dir = dir
	// Own process group so cancellation can take down git's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Stderr = fmt.Sprintf("stdout pipe: %v", err)
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Stderr = fmt.Sprintf("stderr pipe: %v", err)
		return res
	}

	if err := cmd.Start(); err != nil {
		res.Stderr = fmt.Sprintf("start git: %v", err)
		return res
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&outBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&errBuf, stderr)
	}()

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-waitDone
		res.Cancelled = true
		res.Stdout = outBuf.String()
		res.Stderr = "cancelled"
		return res
	case waitErr := <-waitDone:
		res.Stdout = outBuf.String()
		res.Stderr = errBuf.String()
		if waitErr == nil {
			res.ExitCode = 0
			return res
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.Stderr = fmt.Sprintf("wait git: %v", waitErr)
		return res
	}
}

// Output runs git and returns trimmed stdout, turning a non-zero exit into
// an error. Convenience for read-only queries.
func (r *Runner) Output(ctx context.Context, dir string, args ...string) (string, error) {
	res := r.Run(ctx, dir, args...)
	if !res.Ok() {
		return "", res.Err()
	}
	return strings.TrimSpace(res.Stdout), nil
}
