// Package fetcher downloads artifact blobs from the broker into cache
// staging files. Concurrency is bounded by a counting semaphore; completions
// re-enter the dispatcher as ArtifactFetchCompleted messages.
//
// Fetches observe only the worker-wide shutdown context. An individual job
// cancellation never cancels an in-flight fetch: the blob may be wanted by
// other waiters, and the cache decides what to do with the result.
package fetcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/meticulous-software/meticulous/internal/cache"
	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/protocol"
)

// transfer is the per-transport download: stream the blob for digest into
// the open staging file.
type transfer func(ctx context.Context, digest protocol.Digest, dst *os.File) error

// Fetcher runs downloads for the dispatcher.
type Fetcher struct {
	ctx      context.Context
	sem      *semaphore.Weighted
	sink     chan<- dispatcher.Message
	tff      cache.TempFileFactory
	transfer transfer
	log      zerolog.Logger
}

// NewTCP returns a fetcher that downloads blobs over per-fetch broker
// connections.
func NewTCP(ctx context.Context, brokerAddr string, maxFetches int, sink chan<- dispatcher.Message, tff cache.TempFileFactory, log zerolog.Logger) *Fetcher {
	f := &Fetcher{
		ctx:  ctx,
		sem:  semaphore.NewWeighted(int64(maxFetches)),
		sink: sink,
		tff:  tff,
		log:  log,
	}
	f.transfer = func(ctx context.Context, digest protocol.Digest, dst *os.File) error {
		return tcpTransfer(ctx, brokerAddr, digest, dst)
	}
	return f
}

// StartFetch begins a download for digest. It never blocks the caller.
func (f *Fetcher) StartFetch(digest protocol.Digest) {
	log := f.log.With().Str("digest", digest.String()).Logger()

	tf, err := f.tff.TempFile()
	if err != nil {
		log.Debug().Err(err).Msg("artifact fetcher failed to get a staging file")
		go f.complete(digest, nil, err)
		return
	}

	log.Debug().Msg("artifact fetch starting")
	go func() {
		if err := f.sem.Acquire(f.ctx, 1); err != nil {
			tf.Release()
			f.complete(digest, nil, errors.Wrap(err, "worker shutting down"))
			return
		}
		defer f.sem.Release(1)

		err := f.fetchInto(digest, tf)
		log.Debug().Err(err).Msg("artifact fetch completed")
		if err != nil {
			tf.Release()
			f.complete(digest, nil, err)
			return
		}
		f.complete(digest, tf, nil)
	}()
}

func (f *Fetcher) fetchInto(digest protocol.Digest, tf *cache.TempFile) error {
	dst, err := os.OpenFile(tf.Path(), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open staging file")
	}
	defer func() { _ = dst.Close() }()

	if err := f.transfer(f.ctx, digest, dst); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, "flush staging file")
	}
	return verifyDigest(tf.Path(), digest)
}

func (f *Fetcher) complete(digest protocol.Digest, tf *cache.TempFile, err error) {
	f.sink <- &dispatcher.ArtifactFetchCompleted{Digest: digest, TempFile: tf, Err: err}
}

// verifyDigest confirms the downloaded bytes hash to the requested digest.
// A mismatch is a transfer failure, not a cache admission.
func verifyDigest(path string, want protocol.Digest) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "reopen staging file")
	}
	defer func() { _ = file.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return errors.Wrap(err, "hash staging file")
	}
	var got protocol.Digest
	copy(got[:], h.Sum(nil))
	if got != want {
		return errors.Errorf("digest mismatch: fetched %s, wanted %s", got, want)
	}
	return nil
}

// tcpTransfer speaks the artifact side-channel: connect, send GetArtifact,
// read a uvarint size, then stream exactly that many bytes.
func tcpTransfer(ctx context.Context, brokerAddr string, digest protocol.Digest, dst *os.File) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", brokerAddr)
	if err != nil {
		return errors.Wrap(err, "connect to broker for artifact")
	}
	defer func() { _ = conn.Close() }()

	// Tear the connection down if the worker shuts down mid-stream.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := protocol.WriteMessage(conn, &protocol.GetArtifact{Digest: digest}); err != nil {
		return errors.Wrap(err, "request artifact")
	}

	r := bufio.NewReader(conn)
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return errors.Wrap(err, "read artifact size")
	}
	if n, err := io.Copy(dst, io.LimitReader(r, int64(size))); err != nil {
		return errors.Wrap(err, "stream artifact")
	} else if uint64(n) != size {
		return errors.Errorf("artifact truncated: got %d of %d bytes", n, size)
	}
	return nil
}
