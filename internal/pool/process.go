package pool

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"time"
)

// ProcessHandle abstracts one killable external process. Termination
// escalates: Stop asks the process to exit, Kill forces it. The real
// implementation wraps os/exec; tests substitute their own.
type ProcessHandle interface {
	// Start launches the process. A Start error is an infrastructure
	// failure (the binary could not run at all).
	Start() error

	// Wait blocks until the process exits and returns its captured result.
	// The error is non-nil only when no exit status could be obtained.
	Wait() (*Result, error)

	// Stop requests a graceful exit.
	Stop() error

	// Kill terminates the process immediately.
	Kill() error
}

// Launcher builds a ProcessHandle for an operation. Injected into the
// executor so tests can run without spawning real processes.
type Launcher func(op Operation) ProcessHandle

// NewExecLauncher returns the os/exec-backed launcher.
func NewExecLauncher() Launcher {
	return func(op Operation) ProcessHandle {
		cmd := exec.Command(op.Command, op.Args...)
		cmd.Dir = op.Dir
		return &execProcess{cmd: cmd}
	}
}

// execProcess runs an operation through os/exec with captured output.
type execProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	start  time.Time
}

func (p *execProcess) Start() error {
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr
	p.start = time.Now()
	return p.cmd.Start()
}

func (p *execProcess) Wait() (*Result, error) {
	err := p.cmd.Wait()
	duration := time.Since(p.start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		Duration: duration,
	}, nil
}

func (p *execProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
