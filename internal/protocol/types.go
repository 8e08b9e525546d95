// Package protocol defines the types shared between the broker and the
// worker: content digests, job identity, job specifications, job results,
// and the framed wire messages that carry them.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DigestSize is the width of a content digest in bytes.
const DigestSize = sha256.Size

// Digest is a 256-bit content hash. It is the cache key for artifacts and is
// stable across the cluster.
type Digest [DigestSize]byte

// DigestOf returns the digest of data.
func DigestOf(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ParseDigest parses the lowercase-hex form of a digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestSize*2 {
		return d, errors.Errorf("digest must be %d hex characters, got %d", DigestSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, errors.Wrap(err, "invalid digest")
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short returns an abbreviated form suitable for log fields.
func (d Digest) Short() string { return hex.EncodeToString(d[:4]) }

// ArtifactType determines how the layer assembler consumes a blob.
type ArtifactType uint8

const (
	ArtifactTar ArtifactType = iota
	ArtifactManifest
)

func (t ArtifactType) String() string {
	switch t {
	case ArtifactTar:
		return "tar"
	case ArtifactManifest:
		return "manifest"
	default:
		return fmt.Sprintf("ArtifactType(%d)", uint8(t))
	}
}

// ClientId identifies a client connected to the broker.
type ClientId uint32

// ClientJobId is a job identifier scoped to a single client.
type ClientJobId uint32

// JobId is the broker-assigned identity of a job, unique within the worker
// for the job's lifetime.
type JobId struct {
	Client ClientId
	Job    ClientJobId
}

func (id JobId) String() string { return fmt.Sprintf("%d.%d", id.Client, id.Job) }

// Less orders JobIds for deterministic tie-breaking.
func (id JobId) Less(other JobId) bool {
	if id.Client != other.Client {
		return id.Client < other.Client
	}
	return id.Job < other.Job
}

// LayerRef names one layer of a job's root filesystem.
type LayerRef struct {
	Digest Digest
	Type   ArtifactType
}

// NetworkPolicy controls what the sandboxed process can reach.
type NetworkPolicy uint8

const (
	NetworkDisabled NetworkPolicy = iota
	NetworkLoopback
	NetworkLocal
)

// JobSpec is the immutable description of a job. The broker sends it with
// EnqueueJob and the worker never mutates it.
type JobSpec struct {
	Program     string
	Arguments   []string
	Environment []string
	Layers      []LayerRef

	// Timeout of zero means the job may run forever.
	Timeout time.Duration

	// InlineLimit caps how many bytes of each stdio stream are captured.
	// Zero means use the worker's configured default.
	InlineLimit uint64

	WorkingDirectory string
	User             uint32
	Group            uint32
	Network          NetworkPolicy
	WritableRoot     bool
	Tty              bool
}

// Digests returns the distinct digests referenced by the spec, in first-use
// order.
func (s *JobSpec) Digests() []Digest {
	seen := make(map[Digest]struct{}, len(s.Layers))
	out := make([]Digest, 0, len(s.Layers))
	for _, l := range s.Layers {
		if _, ok := seen[l.Digest]; ok {
			continue
		}
		seen[l.Digest] = struct{}{}
		out = append(out, l.Digest)
	}
	return out
}
