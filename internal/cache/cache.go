// Package cache implements the worker's content-addressed artifact store:
// digests map to on-disk blobs, total resident size is bounded by LRU
// eviction, and concurrent requests for the same digest are coalesced into a
// single fetch.
//
// The cache is owned by the dispatcher and is not safe for concurrent use.
package cache

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/meticulous-software/meticulous/internal/metrics"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// GetResult says what the caller must do after GetArtifact.
type GetResult uint8

const (
	// GetResultHaveIt: the blob is on disk and pinned; use Path.
	GetResultHaveIt GetResult = iota
	// GetResultFetching: another job already triggered a fetch; the caller
	// was recorded as a waiter.
	GetResultFetching
	// GetResultNeedFetch: the caller must start a fetch for this digest.
	GetResultNeedFetch
)

type entryState uint8

const (
	stateFetching entryState = iota
	stateInHeap
	stateInUse
)

type entry struct {
	state    entryState
	size     uint64
	refCount int
	waiters  []protocol.JobId
	lru      *lruItem // non-nil exactly when state == stateInHeap
}

// Cache is the content-addressed artifact store.
type Cache struct {
	blobDir  string
	size     uint64
	resident uint64
	nextSeq  uint64
	entries  map[protocol.Digest]*entry
	heap     lruHeap
	log      zerolog.Logger
}

// New creates the on-disk layout under root (normally
// <cache_root>/artifacts), wipes stale staging files, and returns the cache
// together with the staging-file factory fetchers use.
func New(root string, size uint64, log zerolog.Logger) (*Cache, TempFileFactory, error) {
	blobDir := filepath.Join(root, "sha256", "blob")
	tmpDir := filepath.Join(root, "tmp")

	// Staging files from a previous run are garbage; the blob dir is not
	// scanned, so stale blobs are also removed for a cold start.
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, TempFileFactory{}, errors.Wrap(err, "clear staging dir")
	}
	if err := os.RemoveAll(blobDir); err != nil {
		return nil, TempFileFactory{}, errors.Wrap(err, "clear blob dir")
	}
	for _, dir := range []string{blobDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, TempFileFactory{}, errors.Wrapf(err, "create %s", dir)
		}
	}

	c := &Cache{
		blobDir: blobDir,
		size:    size,
		entries: make(map[protocol.Digest]*entry),
		log:     log,
	}
	log.Info().Str("blob_dir", blobDir).Uint64("cache_size", size).Msg("artifact cache initialized")
	return c, TempFileFactory{dir: tmpDir}, nil
}

// Root returns the canonical blob directory.
func (c *Cache) Root() string { return c.blobDir }

// ResidentBytes is the total size of all on-disk entries.
func (c *Cache) ResidentBytes() uint64 { return c.resident }

// Path returns the canonical on-disk location for digest.
func (c *Cache) Path(digest protocol.Digest) string {
	return filepath.Join(c.blobDir, digest.String())
}

// GetArtifact looks up digest on behalf of jobID. On GetResultHaveIt the
// entry is pinned (ref count incremented) until DecrementRef.
func (c *Cache) GetArtifact(digest protocol.Digest, jobID protocol.JobId) GetResult {
	e, ok := c.entries[digest]
	if !ok {
		c.entries[digest] = &entry{state: stateFetching, waiters: []protocol.JobId{jobID}}
		return GetResultNeedFetch
	}
	switch e.state {
	case stateFetching:
		e.waiters = append(e.waiters, jobID)
		return GetResultFetching
	case stateInHeap:
		c.heap.remove(e.lru)
		e.lru = nil
		e.state = stateInUse
		e.refCount = 1
		return GetResultHaveIt
	default: // stateInUse
		e.refCount++
		return GetResultHaveIt
	}
}

// GotArtifact persists tempFile as the blob for digest and returns the
// jobs waiting on it. The entry becomes InUse with one reference per waiter;
// the dispatcher drops references for waiters that no longer exist.
//
// A second staging file for an already-resident digest is discarded.
func (c *Cache) GotArtifact(digest protocol.Digest, tempFile *TempFile) ([]protocol.JobId, error) {
	e, ok := c.entries[digest]
	if ok && e.state != stateFetching {
		// Broker pushed a blob we already have.
		tempFile.Release()
		return nil, nil
	}

	info, err := os.Stat(tempFile.Path())
	if err != nil {
		tempFile.Release()
		return c.dropFetching(digest), errors.Wrap(err, "stat staging file")
	}
	size := uint64(info.Size())

	c.makeRoom(size)

	if err := tempFile.persist(c.Path(digest)); err != nil {
		tempFile.Release()
		return c.dropFetching(digest), err
	}

	c.resident += size
	if c.resident > c.size {
		metrics.CacheOverTarget.Inc()
		c.log.Warn().
			Str("digest", digest.String()).
			Uint64("resident", c.resident).
			Uint64("cache_size", c.size).
			Msg("cache over target size after admitting artifact")
	}

	if e == nil {
		// Fetch completed for a digest nobody is waiting on (broker push,
		// or every waiter failed out earlier). Keep it for future jobs.
		item := &lruItem{digest: digest, seq: c.nextSeq}
		c.nextSeq++
		c.heap.push(item)
		c.entries[digest] = &entry{state: stateInHeap, size: size, lru: item}
		return nil, nil
	}

	waiters := e.waiters
	e.waiters = nil
	e.state = stateInUse
	e.size = size
	e.refCount = len(waiters)
	return waiters, nil
}

// GotArtifactFailure removes the in-flight entry for digest and returns its
// waiters so each dependent job can be failed. A later request for the same
// digest starts a fresh fetch.
func (c *Cache) GotArtifactFailure(digest protocol.Digest) []protocol.JobId {
	return c.dropFetching(digest)
}

// DecrementRef releases one reference on digest. At zero references the
// entry becomes evictable at the most-recently-used position.
func (c *Cache) DecrementRef(digest protocol.Digest) {
	e, ok := c.entries[digest]
	if !ok || e.state != stateInUse {
		return
	}
	e.refCount--
	if e.refCount > 0 {
		return
	}
	e.state = stateInHeap
	e.lru = &lruItem{digest: digest, seq: c.nextSeq}
	c.nextSeq++
	c.heap.push(e.lru)
}

func (c *Cache) dropFetching(digest protocol.Digest) []protocol.JobId {
	e, ok := c.entries[digest]
	if !ok || e.state != stateFetching {
		return nil
	}
	delete(c.entries, digest)
	return e.waiters
}

// makeRoom evicts InHeap entries oldest-first until incoming fits the target
// size. InUse entries are never evicted, so the target can be exceeded.
func (c *Cache) makeRoom(incoming uint64) {
	for c.resident+incoming > c.size && c.heap.Len() > 0 {
		item := c.heap.popOldest()
		e := c.entries[item.digest]
		delete(c.entries, item.digest)
		c.resident -= e.size
		if err := os.Remove(c.Path(item.digest)); err != nil {
			c.log.Error().Stack().Err(err).
				Str("digest", item.digest.String()).
				Msg("failed to remove evicted blob")
		}
		c.log.Debug().Str("digest", item.digest.String()).Uint64("size", e.size).Msg("evicted artifact")
	}
}
