package worker

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Open-file estimates. Nothing guarantees these numbers; they are a math
// exercise over what each subsystem keeps open at peak.
const (
	existingOpenFiles = 3 // stdin, stdout, stderr

	// The layer filesystem's reader cache holds one socket and one file
	// per cached reader.
	readerCacheSize = 64

	// Per executing job: unix socket, filesystem connection, two pipes for
	// each stdio stream, plus in-flight filesystem requests each holding a
	// file open.
	perSlotEstimate = 6 + 64

	// Peak files a single layer build keeps open.
	layerBuildFileMax = 16
)

func openFileMax(slots uint16, maxFetches, maxLayerBuilds int) uint64 {
	return existingOpenFiles +
		2*readerCacheSize +
		uint64(maxFetches) +
		perSlotEstimate*uint64(slots) +
		uint64(maxLayerBuilds)*layerBuildFileMax
}

func roundToMultiple(n, k uint64) uint64 {
	if n%k == 0 {
		return n
	}
	return n + (k - n%k)
}

// CheckOpenFileLimit verifies RLIMIT_NOFILE fits our estimate of peak open
// files, before any work is accepted. extra accounts for caller-specific
// descriptors beyond the worker's own.
func CheckOpenFileLimit(log zerolog.Logger, slots uint16, maxFetches, maxLayerBuilds int, extra uint64) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return errors.Wrap(err, "read open file limit")
	}
	estimate := openFileMax(slots, maxFetches, maxLayerBuilds) + extra
	log.Debug().Uint64("limit", limit.Cur).Uint64("estimate", estimate).Msg("checking open file limit")
	if limit.Cur < estimate {
		suggestion := roundToMultiple(estimate, 1024)
		return errors.Errorf("open file limit is too low; increase it by running `ulimit -n %d`", suggestion)
	}
	return nil
}
