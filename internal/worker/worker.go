// Package worker wires the dispatcher, cache, fetchers, layer assembler,
// executor, and broker connection into a running process, and supervises
// their shutdown.
package worker

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	debughttp "github.com/meticulous-software/meticulous/internal/api/http"
	"github.com/meticulous-software/meticulous/internal/brokerconn"
	"github.com/meticulous-software/meticulous/internal/cache"
	"github.com/meticulous-software/meticulous/internal/config"
	"github.com/meticulous-software/meticulous/internal/dispatcher"
	"github.com/meticulous-software/meticulous/internal/executor"
	"github.com/meticulous-software/meticulous/internal/fetcher"
	"github.com/meticulous-software/meticulous/internal/layers"
	"github.com/meticulous-software/meticulous/internal/removal"
)

// Run executes the worker until a fatal error. It always returns a non-nil
// error describing why the worker stopped.
func Run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("broker", cfg.BrokerAddr).
		Str("transport", string(cfg.BrokerTransport)).
		Uint16("slots", cfg.Slots).
		Uint64("cache_size", cfg.CacheSizeBytes).
		Int("pid", os.Getpid()).
		Msg("started")

	if err := CheckOpenFileLimit(log, cfg.Slots, cfg.MaxArtifactFetches, cfg.MaxPendingLayerBuilds, 0); err != nil {
		return err
	}

	artifactCache, tff, err := cache.New(filepath.Join(cfg.CacheRoot, "artifacts"), cfg.CacheSizeBytes, log)
	if err != nil {
		return errors.Wrap(err, "initialize artifact cache")
	}

	remover := removal.New(log)
	defer remover.Close()

	assembler, err := layers.New(
		filepath.Join(cfg.CacheRoot, "mount"),
		filepath.Join(cfg.CacheRoot, "upper"),
		cfg.MaxPendingLayerBuilds,
		remover,
		log,
	)
	if err != nil {
		return errors.Wrap(err, "initialize layer assembler")
	}

	ttyDir := filepath.Join(cfg.CacheRoot, "tty")
	if err := os.MkdirAll(ttyDir, 0o755); err != nil {
		return errors.Wrap(err, "create tty dir")
	}
	exec := executor.New(ttyDir, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan dispatcher.Message, 1024)
	outbox := brokerconn.NewOutbox()

	var conn brokerconn.Conn
	var fetch artifactFetcher
	switch cfg.BrokerTransport {
	case config.TransportQueue:
		baseURL, token, err := fetcher.QueueEnv()
		if err != nil {
			return err
		}
		conn, err = brokerconn.DialQueue(baseURL, token, cfg.Slots, log)
		if err != nil {
			return err
		}
		fetch = fetcher.NewQueue(ctx, fetcher.NewQueueClient(baseURL, token), cfg.MaxArtifactFetches, inbound, tff, log)
	default:
		conn, err = brokerconn.DialTCP(cfg.BrokerAddr, cfg.Slots, log)
		if err != nil {
			return err
		}
		fetch = fetcher.NewTCP(ctx, cfg.BrokerAddr, cfg.MaxArtifactFetches, inbound, tff, log)
	}
	defer func() { _ = conn.Close() }()

	if cfg.DebugAddr != "" {
		go debughttp.Serve(ctx, cfg.DebugAddr, log)
	}

	deps := newAdapter(ctx, inbound, fetch, assembler, artifactCache, exec, remover, cfg.InlineLimitBytes)
	disp := dispatcher.New(deps, outbox, artifactCache, cfg.Slots, log)

	// Every I/O actor funnels its failure into the dispatcher as ShutDown;
	// the dispatcher decides when the worker dies.
	go func() {
		if err := conn.ReadLoop(inbound); err != nil {
			inbound <- &dispatcher.ShutDown{Err: err}
		}
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := conn.WriteLoop(outbox); err != nil {
			inbound <- &dispatcher.ShutDown{Err: err}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if ok {
			inbound <- &dispatcher.ShutDown{Err: errors.Errorf("signal %s", sig)}
		}
	}()

	debughttp.SetHealthy(true)
	runErr := disp.Run(inbound)
	debughttp.SetHealthy(false)

	// Late completions from fetchers and executors must not wedge while we
	// tear down.
	go func() {
		for range inbound {
		}
	}()

	// Best-effort drain of queued broker messages (terminal notifications
	// for canceled jobs), then drop the link.
	outbox.Close()
	select {
	case <-writeDone:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("timed out draining outbound messages")
	}

	return runErr
}
