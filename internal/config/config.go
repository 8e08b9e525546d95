package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// BrokerTransport selects how the worker reaches the broker.
type BrokerTransport string

const (
	// TransportTCP is the length-prefixed framing over a TCP stream.
	TransportTCP BrokerTransport = "tcp"
	// TransportQueue is the HTTP artifact-queue transport for environments
	// without direct broker connectivity.
	TransportQueue BrokerTransport = "queue"
)

// Config holds the worker configuration.
// Environment variables are parsed from the MAELSTROM_WORKER_ prefix.
type Config struct {
	// BrokerAddr is the broker's host:port for the TCP transport.
	BrokerAddr string `envconfig:"BROKER_ADDR" default:"localhost:24100"`

	// BrokerTransport is "tcp" or "queue".
	BrokerTransport BrokerTransport `envconfig:"BROKER_TRANSPORT" default:"tcp"`

	// Slots is the number of jobs that may execute concurrently.
	Slots uint16 `envconfig:"SLOTS" default:"0"`

	// CacheRoot is the directory holding artifacts, mount points, and
	// writable overlays.
	CacheRoot string `envconfig:"CACHE_ROOT" default:"/var/cache/maelstrom-worker"`

	// CacheSizeBytes is the target size of the artifact cache. It is a
	// target, not a hard cap: an artifact is always admitted even when
	// eviction cannot make room.
	CacheSizeBytes uint64 `envconfig:"CACHE_SIZE_BYTES" default:"1073741824"`

	// InlineLimitBytes caps how much of each job's stdout and stderr is
	// captured and sent inline to the broker.
	InlineLimitBytes uint64 `envconfig:"INLINE_LIMIT_BYTES" default:"1048576"`

	// MaxArtifactFetches bounds concurrent artifact downloads. Zero means
	// use the transport default (10 for tcp, 1 for queue).
	MaxArtifactFetches int `envconfig:"MAX_ARTIFACT_FETCHES" default:"0"`

	// MaxPendingLayerBuilds bounds concurrent layer assembly.
	MaxPendingLayerBuilds int `envconfig:"MAX_PENDING_LAYER_BUILDS" default:"10"`

	// DebugAddr, when non-empty, serves /healthz and /metrics.
	DebugAddr string `envconfig:"DEBUG_ADDR" default:""`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// transport defaults from the reference deployment: the TCP path tolerates
// many parallel uploads, the queue service throttles hard.
const (
	defaultTCPFetches   = 10
	defaultQueueFetches = 1
)

// ResolveDefaults validates the transport and derives dependent fields.
func (c *Config) ResolveDefaults(numCPU int) error {
	switch c.BrokerTransport {
	case TransportTCP, TransportQueue:
	default:
		return fmt.Errorf("unsupported BROKER_TRANSPORT: %s", c.BrokerTransport)
	}

	if c.Slots == 0 {
		if numCPU > 0xffff {
			numCPU = 0xffff
		}
		c.Slots = uint16(numCPU)
	}

	if c.MaxArtifactFetches == 0 {
		if c.BrokerTransport == TransportQueue {
			c.MaxArtifactFetches = defaultQueueFetches
		} else {
			c.MaxArtifactFetches = defaultTCPFetches
		}
	}
	if c.MaxArtifactFetches < 0 {
		return fmt.Errorf("MAX_ARTIFACT_FETCHES must be positive, got %d", c.MaxArtifactFetches)
	}
	if c.MaxPendingLayerBuilds <= 0 {
		return fmt.Errorf("MAX_PENDING_LAYER_BUILDS must be positive, got %d", c.MaxPendingLayerBuilds)
	}
	if c.CacheSizeBytes == 0 {
		return fmt.Errorf("CACHE_SIZE_BYTES must be positive")
	}
	return nil
}

// New creates a Config from environment variables prefixed with
// MAELSTROM_WORKER_, e.g. MAELSTROM_WORKER_BROKER_ADDR.
func New(numCPU int) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("MAELSTROM_WORKER", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(numCPU); err != nil {
		return nil, err
	}
	return &cfg, nil
}
