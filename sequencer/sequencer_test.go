package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) StepStarted(name string) {
	o.events = append(o.events, "start:"+name)
}

func (o *recordingObserver) StepFinished(name string, err error) {
	if err != nil {
		o.events = append(o.events, "fail:"+name)
		return
	}
	o.events = append(o.events, "ok:"+name)
}

func TestRunnerExecutesInOrder(t *testing.T) {
	obs := &recordingObserver{}
	r := New(obs)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		r.Add(Step{Name: name, FailCode: 1, Run: func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}})
	}

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, []string{
		"start:first", "ok:first",
		"start:second", "ok:second",
		"start:third", "ok:third",
	}, obs.events)
}

func TestRunnerAbortsOnFirstFailure(t *testing.T) {
	r := New(nil)
	ran := map[string]bool{}
	r.Add(Step{Name: "prepare", FailCode: 3, Run: func(ctx context.Context) error {
		ran["prepare"] = true
		return nil
	}})
	r.Add(Step{Name: "explode", FailCode: 4, Run: func(ctx context.Context) error {
		ran["explode"] = true
		return errors.New("boom")
	}})
	r.Add(Step{Name: "after", FailCode: 5, Run: func(ctx context.Context) error {
		ran["after"] = true
		return nil
	}})

	err := r.Run(context.Background())
	require.Error(t, err)

	var seqErr *Error
	require.True(t, errors.As(err, &seqErr))
	assert.Equal(t, "explode", seqErr.Step)
	assert.Equal(t, 4, seqErr.Code)
	assert.True(t, ran["prepare"])
	assert.True(t, ran["explode"])
	assert.False(t, ran["after"], "no step after the failed one may run")
}

func TestRunnerPropagatesCommandExitCode(t *testing.T) {
	r := New(nil)
	r.Add(Step{Name: "external", FailCode: 1, Run: Command([]string{"sh", "-c", "exit 7"})})

	err := r.Run(context.Background())
	require.Error(t, err)

	var seqErr *Error
	require.True(t, errors.As(err, &seqErr))
	assert.Equal(t, 7, seqErr.Code, "child exit code must propagate verbatim")
}

func TestRunnerUsesFallbackForStartFailure(t *testing.T) {
	r := New(nil)
	r.Add(Step{Name: "missing", FailCode: 9, Run: Command([]string{"/definitely/not/a/binary"})})

	err := r.Run(context.Background())
	require.Error(t, err)

	var seqErr *Error
	require.True(t, errors.As(err, &seqErr))
	assert.Equal(t, 9, seqErr.Code)
}

func TestCommandRunsInheritedEnvironment(t *testing.T) {
	t.Setenv("SEQUENCER_TEST_MARKER", "present")
	run := Command([]string{"sh", "-c", `[ "$SEQUENCER_TEST_MARKER" = present ]`})
	assert.NoError(t, run(context.Background()))
}

func TestStepsReportsNames(t *testing.T) {
	r := New(nil)
	r.Add(Step{Name: "wait-database"})
	r.Add(Step{Name: "migrate"})
	assert.Equal(t, []string{"wait-database", "migrate"}, r.Steps())
}

func TestExec(t *testing.T) {
	t.Run("rejects empty argv", func(t *testing.T) {
		assert.Error(t, Exec(nil))
	})

	t.Run("fails for unresolvable command", func(t *testing.T) {
		err := Exec([]string{"no-such-binary-on-any-path"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, exec.ErrNotFound))
	})

	t.Run("passes resolved path and exact argv", func(t *testing.T) {
		orig := execve
		defer func() { execve = orig }()

		var gotPath string
		var gotArgv []string
		var gotEnvLen int
		execve = func(path string, argv []string, env []string) error {
			gotPath = path
			gotArgv = argv
			gotEnvLen = len(env)
			return nil
		}

		require.NoError(t, Exec([]string{"sh", "-c", "true"}))
		assert.Contains(t, gotPath, "sh")
		assert.Equal(t, []string{"sh", "-c", "true"}, gotArgv)
		assert.Equal(t, len(os.Environ()), gotEnvLen)
	})

	t.Run("wraps execve errors", func(t *testing.T) {
		orig := execve
		defer func() { execve = orig }()

		execve = func(path string, argv []string, env []string) error {
			return fmt.Errorf("kernel says no")
		}
		err := Exec([]string{"sh"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kernel says no")
	})
}
