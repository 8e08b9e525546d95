package worker

import (
	"context"
	"sync"

	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/executor"
	"github.com/meticulous-software/meticulous/internal/layers"
	"github.com/meticulous-software/meticulous/internal/protocol"
	"github.com/meticulous-software/meticulous/internal/removal"
)

// artifactFetcher is the slice of the fetcher the adapter needs.
type artifactFetcher interface {
	StartFetch(digest protocol.Digest)
}

// adapter implements dispatcher.Deps: it turns the dispatcher's non-blocking
// "start X" calls into goroutines whose results re-enter the dispatcher as
// messages.
type adapter struct {
	ctx         context.Context
	inbound     chan<- dispatcher.Message
	fetcher     artifactFetcher
	assembler   *layers.Assembler
	blobs       layers.BlobResolver
	exec        *executor.Executor
	remover     *removal.Remover
	inlineLimit uint64

	mu      sync.Mutex
	handles map[protocol.JobId]*executor.Handle
}

func newAdapter(
	ctx context.Context,
	inbound chan<- dispatcher.Message,
	fetcher artifactFetcher,
	assembler *layers.Assembler,
	blobs layers.BlobResolver,
	exec *executor.Executor,
	remover *removal.Remover,
	inlineLimit uint64,
) *adapter {
	return &adapter{
		ctx:         ctx,
		inbound:     inbound,
		fetcher:     fetcher,
		assembler:   assembler,
		blobs:       blobs,
		exec:        exec,
		remover:     remover,
		inlineLimit: inlineLimit,
		handles:     make(map[protocol.JobId]*executor.Handle),
	}
}

func (a *adapter) StartFetch(digest protocol.Digest) {
	a.fetcher.StartFetch(digest)
}

func (a *adapter) StartLayerBuild(id protocol.JobId, spec *protocol.JobSpec) {
	layerRefs := spec.Layers
	go func() {
		built, err := a.assembler.Build(a.ctx, id, layerRefs, a.blobs)
		a.inbound <- &dispatcher.LayersBuilt{
			Id:    id,
			Mount: built.Mount,
			Upper: built.Upper,
			Bytes: built.Bytes,
			Err:   err,
		}
	}()
}

func (a *adapter) StartJob(id protocol.JobId, spec *protocol.JobSpec, mount, upper string) {
	handle, err := a.exec.Start(executor.StartRequest{
		Id:          id,
		Spec:        *spec,
		Mount:       mount,
		Upper:       upper,
		InlineLimit: a.inlineLimit,
	})
	if err != nil {
		update := executor.Update{
			Kind:   executor.UpdateTerminal,
			Result: protocol.ErrorResult(protocol.ErrExecution, err.Error()),
		}
		go func() { a.inbound <- &dispatcher.ExecutorUpdate{Id: id, Update: update} }()
		return
	}

	a.mu.Lock()
	a.handles[id] = handle
	a.mu.Unlock()

	go func() {
		for u := range handle.Updates() {
			a.inbound <- &dispatcher.ExecutorUpdate{Id: id, Update: u}
		}
		a.mu.Lock()
		delete(a.handles, id)
		a.mu.Unlock()
	}()
}

func (a *adapter) CancelRunningJob(id protocol.JobId) {
	a.mu.Lock()
	handle, ok := a.handles[id]
	a.mu.Unlock()
	if ok {
		handle.Cancel()
	}
}

func (a *adapter) RemovePath(path string) {
	a.remover.Remove(path)
}
