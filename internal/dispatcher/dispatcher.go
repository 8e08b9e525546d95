// Package dispatcher is the worker's core state machine. One goroutine owns
// the job table, the slot accounting, and the artifact cache; every other
// actor communicates with it through messages, so no state needs locking.
package dispatcher

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meticulous-software/meticulous/internal/cache"
	"github.com/meticulous-software/meticulous/internal/executor"
	"github.com/meticulous-software/meticulous/internal/metrics"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// Deps is the work the dispatcher farms out. Calls must not block; results
// re-enter the dispatcher as messages.
type Deps interface {
	// StartFetch begins downloading digest into a staging file.
	StartFetch(digest protocol.Digest)
	// StartLayerBuild begins assembling the job's filesystem.
	StartLayerBuild(id protocol.JobId, spec *protocol.JobSpec)
	// StartJob begins executing the job in its prepared sandbox.
	StartJob(id protocol.JobId, spec *protocol.JobSpec, mount, upper string)
	// CancelRunningJob asks a started job to stop. The terminal executor
	// update still arrives afterwards.
	CancelRunningJob(id protocol.JobId)
	// RemovePath schedules a directory tree for background removal.
	RemovePath(path string)
}

// BrokerSender enqueues outbound messages to the broker. It must preserve
// the order of calls.
type BrokerSender interface {
	Send(msg protocol.Message)
}

type jobState uint8

const (
	stateWaitingForArtifacts jobState = iota
	stateWaitingForLayers
	stateReady
	stateExecuting
)

type job struct {
	id    protocol.JobId
	spec  protocol.JobSpec
	state jobState

	// pending holds digests not yet resident; acquired holds digests with a
	// cache reference this job must release on terminal.
	pending  map[protocol.Digest]struct{}
	acquired []protocol.Digest

	mount string
	upper string

	// canceled is set when a cancel arrives while the job is executing; the
	// terminal reported to the broker is then Canceled regardless of how
	// the process actually stopped.
	canceled bool
}

// Dispatcher owns all mutable worker state. Not safe for concurrent use;
// drive it from a single goroutine via Receive.
type Dispatcher struct {
	deps   Deps
	sender BrokerSender
	cache  *cache.Cache

	slots      int
	slotsAvail int

	jobs  map[protocol.JobId]*job
	ready []protocol.JobId // FIFO by readiness

	log zerolog.Logger
}

func New(deps Deps, sender BrokerSender, artifactCache *cache.Cache, slots uint16, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		deps:       deps,
		sender:     sender,
		cache:      artifactCache,
		slots:      int(slots),
		slotsAvail: int(slots),
		jobs:       make(map[protocol.JobId]*job),
		log:        log,
	}
}

// Receive processes one message to completion. A non-nil error is fatal to
// the worker; per-job failures are reported to the broker and return nil.
func (d *Dispatcher) Receive(msg Message) error {
	switch m := msg.(type) {
	case *FromBroker:
		return d.fromBroker(m.Msg)
	case *ArtifactFetchCompleted:
		d.artifactFetchCompleted(m.Digest, m.TempFile, m.Err)
	case *LayersBuilt:
		d.layersBuilt(m)
	case *ExecutorUpdate:
		d.executorUpdate(m.Id, m.Update)
	case *ShutDown:
		return d.shutDown(m.Err)
	default:
		return errors.Errorf("unknown dispatcher message %T", msg)
	}
	return nil
}

func (d *Dispatcher) fromBroker(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.EnqueueJob:
		return d.enqueue(m.Id, m.Spec)
	case *protocol.CancelJob:
		d.cancel(m.Id)
	case *protocol.ArtifactTransferred:
		d.artifactFetchCompleted(m.Digest, cache.AdoptTempFile(m.Locator), nil)
	default:
		return errors.Errorf("unexpected message from broker: %T", msg)
	}
	return nil
}

func (d *Dispatcher) enqueue(id protocol.JobId, spec protocol.JobSpec) error {
	if _, dup := d.jobs[id]; dup {
		// A broker never reuses a live JobId; this connection is broken.
		return errors.Errorf("duplicate enqueue for job %s", id)
	}

	j := &job{id: id, spec: spec, state: stateWaitingForArtifacts, pending: make(map[protocol.Digest]struct{})}
	d.jobs[id] = j
	d.log.Debug().Str("job", id.String()).Int("layers", len(spec.Layers)).Msg("job enqueued")

	for _, digest := range spec.Digests() {
		switch d.cache.GetArtifact(digest, id) {
		case cache.GetResultHaveIt:
			j.acquired = append(j.acquired, digest)
		case cache.GetResultFetching:
			j.pending[digest] = struct{}{}
		case cache.GetResultNeedFetch:
			j.pending[digest] = struct{}{}
			d.deps.StartFetch(digest)
		}
	}

	if len(j.pending) == 0 {
		d.toWaitingForLayers(j)
	}
	return nil
}

func (d *Dispatcher) artifactFetchCompleted(digest protocol.Digest, tempFile *cache.TempFile, fetchErr error) {
	if fetchErr != nil {
		metrics.ArtifactFetchesTotal.WithLabelValues("error").Inc()
		d.log.Debug().Err(fetchErr).Str("digest", digest.String()).Msg("artifact fetch failed")
		d.failWaiters(d.cache.GotArtifactFailure(digest), fetchErr)
		return
	}

	waiters, err := d.cache.GotArtifact(digest, tempFile)
	metrics.CacheResidentBytes.Set(float64(d.cache.ResidentBytes()))
	if err != nil {
		metrics.ArtifactFetchesTotal.WithLabelValues("error").Inc()
		d.log.Error().Stack().Err(err).Str("digest", digest.String()).Msg("failed to admit artifact")
		d.failWaiters(waiters, err)
		return
	}
	metrics.ArtifactFetchesTotal.WithLabelValues("ok").Inc()

	for _, id := range waiters {
		j, ok := d.jobs[id]
		if !ok || j.state != stateWaitingForArtifacts {
			// Waiter was canceled or failed out; it cannot use its
			// reference, but the blob stays cached for future jobs.
			d.cache.DecrementRef(digest)
			continue
		}
		delete(j.pending, digest)
		j.acquired = append(j.acquired, digest)
		if len(j.pending) == 0 {
			d.toWaitingForLayers(j)
		}
	}
}

// failWaiters fails every dependent job with an ArtifactFetch error.
func (d *Dispatcher) failWaiters(waiters []protocol.JobId, cause error) {
	for _, id := range waiters {
		j, ok := d.jobs[id]
		if !ok || j.state != stateWaitingForArtifacts {
			continue
		}
		d.finish(j, protocol.StatusFailed, protocol.ErrorResult(protocol.ErrArtifactFetch, cause.Error()))
	}
}

func (d *Dispatcher) toWaitingForLayers(j *job) {
	j.state = stateWaitingForLayers
	d.deps.StartLayerBuild(j.id, &j.spec)
}

func (d *Dispatcher) layersBuilt(m *LayersBuilt) {
	j, ok := d.jobs[m.Id]
	if !ok || j.state != stateWaitingForLayers {
		// The job went away while the build was in flight; the build is not
		// individually cancelable, so clean up its output here.
		if m.Mount != "" {
			d.deps.RemovePath(m.Mount)
		}
		if m.Upper != "" {
			d.deps.RemovePath(m.Upper)
		}
		return
	}
	if m.Err != nil {
		d.finish(j, protocol.StatusFailed, protocol.ErrorResult(protocol.ErrSystem, m.Err.Error()))
		return
	}

	j.state = stateReady
	j.mount = m.Mount
	j.upper = m.Upper
	d.ready = append(d.ready, j.id)
	metrics.ReadyQueueDepth.Set(float64(len(d.ready)))
	d.startReadyJobs()
}

// startReadyJobs moves queued Ready jobs into Executing while slots remain.
// FIFO by readiness; the queue never contains canceled jobs.
func (d *Dispatcher) startReadyJobs() {
	for d.slotsAvail > 0 && len(d.ready) > 0 {
		id := d.ready[0]
		d.ready = d.ready[1:]
		j, ok := d.jobs[id]
		if !ok {
			continue
		}
		d.slotsAvail--
		j.state = stateExecuting
		metrics.SlotsInUse.Set(float64(d.slots - d.slotsAvail))
		d.deps.StartJob(j.id, &j.spec, j.mount, j.upper)
	}
	metrics.ReadyQueueDepth.Set(float64(len(d.ready)))
}

func (d *Dispatcher) executorUpdate(id protocol.JobId, u executor.Update) {
	j, ok := d.jobs[id]
	if !ok || j.state != stateExecuting {
		return
	}

	if u.Kind == executor.UpdateExecuting {
		d.sender.Send(&protocol.JobStateTransition{Id: id, Status: protocol.StatusExecuting})
		return
	}

	if u.SystemError {
		d.log.Error().Stack().Str("job", id.String()).
			Str("detail", u.Result.Err.Detail).
			Msg("executor reported a system error")
	}

	result := u.Result
	status := statusOf(result)
	if j.canceled {
		// The cancel won even if the process raced to a normal exit.
		result = protocol.CanceledResult()
		status = protocol.StatusCanceled
	}
	d.finish(j, status, result)
}

func statusOf(r protocol.JobResult) protocol.WorkerJobStatus {
	if r.Err != nil {
		return protocol.StatusFailed
	}
	switch r.Outcome.Kind {
	case protocol.OutcomeTimedOut:
		return protocol.StatusTimedOut
	case protocol.OutcomeCanceled:
		return protocol.StatusCanceled
	default:
		return protocol.StatusCompleted
	}
}

func (d *Dispatcher) cancel(id protocol.JobId) {
	j, ok := d.jobs[id]
	if !ok {
		// Already terminal, or never ours: the job may have completed
		// concurrently with the broker's cancel.
		return
	}

	switch j.state {
	case stateWaitingForArtifacts, stateWaitingForLayers:
		// In-flight fetches are left alone (other jobs may want the blob);
		// an in-flight layer build cleans up when it reports in.
		d.finish(j, protocol.StatusCanceled, protocol.CanceledResult())
	case stateReady:
		d.removeFromReady(id)
		d.finish(j, protocol.StatusCanceled, protocol.CanceledResult())
	case stateExecuting:
		if !j.canceled {
			j.canceled = true
			d.deps.CancelRunningJob(id)
		}
	}
}

func (d *Dispatcher) removeFromReady(id protocol.JobId) {
	for i, queued := range d.ready {
		if queued == id {
			d.ready = append(d.ready[:i], d.ready[i+1:]...)
			break
		}
	}
	metrics.ReadyQueueDepth.Set(float64(len(d.ready)))
}

// finish is the single exit path for a job: it frees the slot, releases
// cache references, schedules sandbox removal, reports to the broker, and
// drops the record. A job never finishes twice.
func (d *Dispatcher) finish(j *job, status protocol.WorkerJobStatus, result protocol.JobResult) {
	if j.state == stateExecuting {
		d.slotsAvail++
		metrics.SlotsInUse.Set(float64(d.slots - d.slotsAvail))
	}
	delete(d.jobs, j.id)

	d.startReadyJobs()

	for _, digest := range j.acquired {
		d.cache.DecrementRef(digest)
	}
	if j.mount != "" {
		d.deps.RemovePath(j.mount)
	}
	if j.upper != "" {
		d.deps.RemovePath(j.upper)
	}

	d.sender.Send(&protocol.JobStateTransition{Id: j.id, Status: status})
	d.sender.Send(&protocol.JobCompleted{Id: j.id, Result: result})
	metrics.JobsCompletedTotal.WithLabelValues(status.String()).Inc()
	d.log.Debug().Str("job", j.id.String()).Str("status", status.String()).Msg("job finished")
}

// shutDown cancels everything and surfaces cause to the run loop. All
// non-terminal jobs report Canceled best-effort before the connection drops.
func (d *Dispatcher) shutDown(cause error) error {
	d.log.Info().Err(cause).Int("jobs", len(d.jobs)).Msg("dispatcher shutting down")

	// No queued job may start once shutdown begins.
	d.ready = nil
	for _, j := range d.jobs {
		if j.state == stateExecuting {
			d.deps.CancelRunningJob(j.id)
		}
		d.finish(j, protocol.StatusCanceled, protocol.CanceledResult())
	}
	if cause == nil {
		cause = errors.New("shutdown requested")
	}
	return cause
}

// Run drives the dispatcher until a message is fatal. It owns all state
// transitions; nothing else may touch the dispatcher while it runs.
func (d *Dispatcher) Run(inbound <-chan Message) error {
	for msg := range inbound {
		if err := d.Receive(msg); err != nil {
			return err
		}
	}
	return errors.New("dispatcher inbound channel closed")
}
