// Package removal deletes directory trees in the background so the
// dispatcher never blocks on filesystem teardown.
package removal

import (
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Remover removes paths on a dedicated worker pinned to an OS thread, since
// removing large trees is blocking syscall work.
type Remover struct {
	ch   chan string
	wg   sync.WaitGroup
	once sync.Once
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Remover {
	r := &Remover{ch: make(chan string, 1024), log: log}
	r.wg.Add(1)
	go r.run()
	return r
}

// Remove schedules path for deletion. Never blocks: if the queue is full the
// removal runs on its own goroutine instead.
func (r *Remover) Remove(path string) {
	if path == "" {
		return
	}
	select {
	case r.ch <- path:
	default:
		go r.remove(path)
	}
}

// Close stops accepting work and waits for queued removals to finish.
func (r *Remover) Close() {
	r.once.Do(func() { close(r.ch) })
	r.wg.Wait()
}

func (r *Remover) run() {
	defer r.wg.Done()
	runtime.LockOSThread()
	for path := range r.ch {
		r.remove(path)
	}
}

func (r *Remover) remove(path string) {
	if err := os.RemoveAll(path); err != nil {
		r.log.Error().Stack().Err(err).Str("path", path).Msg("background removal failed")
	}
}
