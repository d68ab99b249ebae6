// Package sequencer runs the ordered preparatory steps of container bootstrap
// and then replaces the process with the application command. Any step failure
// aborts the whole sequence; nothing after the failed step runs.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Step is one preparatory action. FailCode is the process exit code used when
// Run fails without carrying an exit code of its own (external commands
// propagate the child's code instead).
type Step struct {
	Name     string
	FailCode int
	Run      func(ctx context.Context) error
}

// Error is a failed step together with the exit code the sequencer must
// propagate to the container runtime.
type Error struct {
	Step string
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("step %s failed (exit %d): %v", e.Step, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Observer is notified of step transitions, e.g. by the boot status server.
type Observer interface {
	StepStarted(name string)
	StepFinished(name string, err error)
}

// Runner executes steps strictly in the order they were added.
type Runner struct {
	steps []Step
	obs   Observer
}

// New returns a Runner. obs may be nil.
func New(obs Observer) *Runner {
	return &Runner{obs: obs}
}

// Add appends a step to the sequence.
func (r *Runner) Add(step Step) {
	r.steps = append(r.steps, step)
}

// Steps returns the names of the registered steps in execution order.
func (r *Runner) Steps() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}

// Run executes every step in order, aborting on the first failure. The
// returned error is always a *Error carrying the exit code to propagate.
func (r *Runner) Run(ctx context.Context) error {
	for _, step := range r.steps {
		if r.obs != nil {
			r.obs.StepStarted(step.Name)
		}
		log.Printf("▶ Step %s starting", step.Name)
		start := time.Now()

		err := step.Run(ctx)
		if r.obs != nil {
			r.obs.StepFinished(step.Name, err)
		}
		if err != nil {
			return &Error{Step: step.Name, Code: exitCode(err, step.FailCode), Err: err}
		}
		log.Printf("✅ Step %s completed in %v", step.Name, time.Since(start))
	}
	return nil
}

// exitCode prefers the child process exit code when the failure came from an
// external command.
func exitCode(err error, fallback int) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return fallback
}

// Command wraps an external command as a step body, inheriting the
// environment and standard streams so the child's output lands in the
// container log unchanged.
func Command(argv []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		return cmd.Run()
	}
}

// execve is swapped out in tests; syscall.Exec never returns on success.
var execve = syscall.Exec

// Exec replaces the current process image with argv. On success it does not
// return, so the application inherits PID 1 and signal handling directly.
func Exec(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command to exec")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("cannot resolve %q: %w", argv[0], err)
	}
	log.Printf("Handing off to %s %v", path, argv[1:])
	if err := execve(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("failed to exec %s: %w", path, err)
	}
	return nil
}
