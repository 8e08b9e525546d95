// Package executor runs job processes inside their prepared sandbox root
// and reports exit status, timeout, and captured stdio back to the
// dispatcher.
package executor

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meticulous-software/meticulous/internal/protocol"
)

// UpdateKind discriminates Update.
type UpdateKind uint8

const (
	// UpdateExecuting is delivered once, when the process has started.
	UpdateExecuting UpdateKind = iota
	// UpdateTerminal is delivered exactly once, last.
	UpdateTerminal
)

// Update is one event on a job handle's update stream.
type Update struct {
	Kind   UpdateKind
	Result protocol.JobResult
	// SystemError marks terminal failures that question worker integrity
	// and deserve error-level logging.
	SystemError bool
}

// StartRequest describes one execution.
type StartRequest struct {
	Id    protocol.JobId
	Spec  protocol.JobSpec
	Mount string // read-side sandbox root
	Upper string // writable overlay root

	// InlineLimit is the worker default; the spec's own limit wins when set.
	InlineLimit uint64
}

// Handle controls a started job.
type Handle struct {
	cancel  context.CancelFunc
	updates chan Update

	// TtyPath is the unix socket the client connects to for tty jobs;
	// empty otherwise.
	TtyPath string
}

// Updates delivers, in order: UpdateExecuting, then exactly one
// UpdateTerminal. The channel is closed after the terminal update.
func (h *Handle) Updates() <-chan Update { return h.updates }

// Cancel asks the job to stop. Idempotent; the terminal update reports
// Canceled if the cancel won.
func (h *Handle) Cancel() { h.cancel() }

// Executor starts sandboxed processes.
type Executor struct {
	ttyDir string
	log    zerolog.Logger
}

func New(ttyDir string, log zerolog.Logger) *Executor {
	return &Executor{ttyDir: ttyDir, log: log}
}

// Start spawns the job process. Spawn failures are returned synchronously;
// everything after a successful spawn arrives on the handle.
func (e *Executor) Start(req StartRequest) (*Handle, error) {
	limit := req.InlineLimit
	if req.Spec.InlineLimit != 0 {
		limit = req.Spec.InlineLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, updates: make(chan Update, 4)}

	var ttyListener net.Listener
	if req.Spec.Tty {
		// The listener must exist before the process starts so the client
		// can connect first.
		path := filepath.Join(e.ttyDir, uuid.NewString()+".sock")
		l, err := net.Listen("unix", path)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "listen on tty socket")
		}
		ttyListener = l
		h.TtyPath = path
	}

	stdout := newCaptureWriter(limit)
	stderr := newCaptureWriter(limit)

	cmd := exec.Command(req.Spec.Program, req.Spec.Arguments...)
	cmd.Env = req.Spec.Environment
	cmd.Dir = req.Mount
	if req.Spec.WorkingDirectory != "" {
		cmd.Dir = filepath.Join(req.Mount, req.Spec.WorkingDirectory)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	attr := &syscall.SysProcAttr{
		// The whole process group is killed on cancel or timeout.
		Setpgid: true,
	}
	if req.Spec.User != 0 || req.Spec.Group != 0 {
		attr.Credential = &syscall.Credential{
			Uid: req.Spec.User,
			Gid: req.Spec.Group,
		}
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		cancel()
		if ttyListener != nil {
			_ = ttyListener.Close()
		}
		return nil, errors.Wrapf(err, "spawn %s", req.Spec.Program)
	}

	log := e.log.With().Str("job", req.Id.String()).Logger()
	log.Debug().Str("program", req.Spec.Program).Int("pid", cmd.Process.Pid).Msg("job process started")
	h.updates <- Update{Kind: UpdateExecuting}

	go e.wait(ctx, cmd, req.Spec.Timeout, stdout, stderr, ttyListener, h, log)
	return h, nil
}

func (e *Executor) wait(
	ctx context.Context,
	cmd *exec.Cmd,
	timeout time.Duration,
	stdout, stderr *captureWriter,
	ttyListener net.Listener,
	h *Handle,
	log zerolog.Logger,
) {
	defer h.cancel()
	if ttyListener != nil {
		defer func() { _ = ttyListener.Close() }()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	killGroup := func() {
		// Negative pid signals the process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var timer *time.Timer
	var timedOut <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timedOut = timer.C
	}

	var waitErr error
	var terminal Update
	select {
	case waitErr = <-done:
		terminal = e.terminalFromWait(cmd, waitErr, stdout, stderr)
	case <-timedOut:
		log.Debug().Dur("timeout", timeout).Msg("job timed out, killing process group")
		killGroup()
		<-done
		terminal = Update{Kind: UpdateTerminal, Result: protocol.TimedOutResult(effects(stdout, stderr))}
	case <-ctx.Done():
		killGroup()
		<-done
		terminal = Update{Kind: UpdateTerminal, Result: protocol.CanceledResult()}
	}

	h.updates <- terminal
	close(h.updates)
}

func (e *Executor) terminalFromWait(cmd *exec.Cmd, waitErr error, stdout, stderr *captureWriter) Update {
	var exit protocol.ExitStatus
	switch {
	case waitErr == nil:
		exit = protocol.ExitStatus{Code: 0}
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			// Wait itself failed: not the program's fault.
			return Update{
				Kind:        UpdateTerminal,
				Result:      protocol.ErrorResult(protocol.ErrSystem, waitErr.Error()),
				SystemError: true,
			}
		}
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return Update{
				Kind:        UpdateTerminal,
				Result:      protocol.ErrorResult(protocol.ErrSystem, "unsupported wait status"),
				SystemError: true,
			}
		}
		if ws.Signaled() {
			exit = protocol.ExitStatus{Signal: int(ws.Signal()), Signaled: true}
		} else {
			exit = protocol.ExitStatus{Code: ws.ExitStatus()}
		}
	}
	return Update{
		Kind:   UpdateTerminal,
		Result: protocol.CompletedResult(exit, effects(stdout, stderr)),
	}
}

func effects(stdout, stderr *captureWriter) protocol.JobEffects {
	return protocol.JobEffects{Stdout: stdout.captured(), Stderr: stderr.captured()}
}
