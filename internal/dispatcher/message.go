package dispatcher

import (
	"github.com/meticulous-software/meticulous/internal/cache"
	"github.com/meticulous-software/meticulous/internal/executor"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// Message is one event on the dispatcher's inbound channel. The channel is
// the linearisation point for all worker state: every mutation happens while
// the dispatcher processes exactly one of these.
type Message interface{ isDispatcherMessage() }

// FromBroker wraps a decoded broker frame (EnqueueJob, CancelJob, or
// ArtifactTransferred).
type FromBroker struct {
	Msg protocol.Message
}

// ArtifactFetchCompleted reports a finished download. TempFile is set on
// success, Err on failure.
type ArtifactFetchCompleted struct {
	Digest   protocol.Digest
	TempFile *cache.TempFile
	Err      error
}

// LayersBuilt reports a finished (or failed) filesystem assembly.
type LayersBuilt struct {
	Id    protocol.JobId
	Mount string
	Upper string
	Bytes uint64
	Err   error
}

// ExecutorUpdate forwards one executor event for a running job.
type ExecutorUpdate struct {
	Id     protocol.JobId
	Update executor.Update
}

// ShutDown carries the fatal error that is taking the worker down.
type ShutDown struct {
	Err error
}

func (*FromBroker) isDispatcherMessage()             {}
func (*ArtifactFetchCompleted) isDispatcherMessage() {}
func (*LayersBuilt) isDispatcherMessage()            {}
func (*ExecutorUpdate) isDispatcherMessage()         {}
func (*ShutDown) isDispatcherMessage()               {}
