package executor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meticulous-software/meticulous/internal/protocol"
)

func startJob(t *testing.T, spec protocol.JobSpec) *Handle {
	t.Helper()
	e := New(t.TempDir(), zerolog.Nop())
	h, err := e.Start(StartRequest{
		Id:          protocol.JobId{Client: 1, Job: 1},
		Spec:        spec,
		Mount:       t.TempDir(),
		Upper:       t.TempDir(),
		InlineLimit: 1 << 20,
	})
	require.NoError(t, err)
	return h
}

func collect(t *testing.T, h *Handle) []Update {
	t.Helper()
	var updates []Update
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u, ok := <-h.Updates():
			if !ok {
				return updates
			}
			updates = append(updates, u)
		case <-timeout:
			t.Fatal("timed out waiting for executor updates")
		}
	}
}

func terminal(t *testing.T, updates []Update) Update {
	t.Helper()
	require.NotEmpty(t, updates)
	require.Equal(t, UpdateExecuting, updates[0].Kind)
	last := updates[len(updates)-1]
	require.Equal(t, UpdateTerminal, last.Kind)
	return last
}

func TestExitZero(t *testing.T) {
	h := startJob(t, protocol.JobSpec{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "echo hello"},
	})
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, protocol.OutcomeCompleted, last.Result.Outcome.Kind)
	assert.Equal(t, protocol.ExitStatus{Code: 0}, last.Result.Outcome.Exit)
	assert.Equal(t, "hello\n", string(last.Result.Outcome.Effects.Stdout.First))
}

func TestNonZeroExit(t *testing.T) {
	h := startJob(t, protocol.JobSpec{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "exit 7"},
	})
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, protocol.ExitStatus{Code: 7}, last.Result.Outcome.Exit)
}

func TestStderrCaptureAndTruncation(t *testing.T) {
	e := New(t.TempDir(), zerolog.Nop())
	h, err := e.Start(StartRequest{
		Id: protocol.JobId{Client: 1, Job: 2},
		Spec: protocol.JobSpec{
			Program:   "/bin/sh",
			Arguments: []string{"-c", "printf aaaaaaaaaa >&2"},
		},
		Mount:       t.TempDir(),
		Upper:       t.TempDir(),
		InlineLimit: 4,
	})
	require.NoError(t, err)
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, "aaaa", string(last.Result.Outcome.Effects.Stderr.First))
	assert.Equal(t, uint64(6), last.Result.Outcome.Effects.Stderr.Truncated)
}

func TestSpecInlineLimitOverridesDefault(t *testing.T) {
	h := startJob(t, protocol.JobSpec{
		Program:     "/bin/sh",
		Arguments:   []string{"-c", "printf 0123456789"},
		InlineLimit: 3,
	})
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, "012", string(last.Result.Outcome.Effects.Stdout.First))
	assert.Equal(t, uint64(7), last.Result.Outcome.Effects.Stdout.Truncated)
}

func TestTimeout(t *testing.T) {
	h := startJob(t, protocol.JobSpec{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "echo early; sleep 60"},
		Timeout:   200 * time.Millisecond,
	})
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, protocol.OutcomeTimedOut, last.Result.Outcome.Kind)
	// Output produced before the timeout is preserved.
	assert.Equal(t, "early\n", string(last.Result.Outcome.Effects.Stdout.First))
}

func TestCancel(t *testing.T) {
	h := startJob(t, protocol.JobSpec{
		Program:   "/bin/sleep",
		Arguments: []string{"60"},
	})
	h.Cancel()
	h.Cancel() // idempotent
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, protocol.OutcomeCanceled, last.Result.Outcome.Kind)
}

func TestSignaledExit(t *testing.T) {
	h := startJob(t, protocol.JobSpec{
		Program:   "/bin/sh",
		Arguments: []string{"-c", "kill -TERM $$"},
	})
	last := terminal(t, collect(t, h))
	require.NotNil(t, last.Result.Outcome)
	assert.Equal(t, protocol.OutcomeCompleted, last.Result.Outcome.Kind)
	assert.True(t, last.Result.Outcome.Exit.Signaled)
	assert.Equal(t, 15, last.Result.Outcome.Exit.Signal)
}

func TestSpawnFailureIsSynchronous(t *testing.T) {
	e := New(t.TempDir(), zerolog.Nop())
	_, err := e.Start(StartRequest{
		Id:    protocol.JobId{Client: 1, Job: 3},
		Spec:  protocol.JobSpec{Program: "/no/such/binary"},
		Mount: t.TempDir(),
		Upper: t.TempDir(),
	})
	require.Error(t, err)
}

func TestTtySocketExistsBeforeStart(t *testing.T) {
	e := New(t.TempDir(), zerolog.Nop())
	h, err := e.Start(StartRequest{
		Id: protocol.JobId{Client: 1, Job: 4},
		Spec: protocol.JobSpec{
			Program:   "/bin/sh",
			Arguments: []string{"-c", "true"},
			Tty:       true,
		},
		Mount:       t.TempDir(),
		Upper:       t.TempDir(),
		InlineLimit: 1024,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.TtyPath)
	terminal(t, collect(t, h))
}
