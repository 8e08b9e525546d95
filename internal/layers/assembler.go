// Package layers assembles per-job root filesystems from cached artifact
// blobs: each tar layer is streamed into the job's root in spec order, and a
// separate writable overlay directory is prepared for the executor.
package layers

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/meticulous-software/meticulous/internal/protocol"
	"github.com/meticulous-software/meticulous/internal/removal"
)

// Built is the result of one successful assembly.
type Built struct {
	Mount string // read-side root the executor runs in
	Upper string // writable overlay root
	Bytes uint64 // total on-disk size, for accounting
}

// BlobResolver maps a digest to its on-disk blob. The cache's Path method
// satisfies it.
type BlobResolver interface {
	Path(protocol.Digest) string
}

// Assembler builds job filesystems with bounded parallelism.
type Assembler struct {
	mountDir string
	upperDir string
	sem      *semaphore.Weighted
	remover  *removal.Remover
	log      zerolog.Logger
}

func New(mountDir, upperDir string, maxBuilds int, remover *removal.Remover, log zerolog.Logger) (*Assembler, error) {
	for _, dir := range []string{mountDir, upperDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	return &Assembler{
		mountDir: mountDir,
		upperDir: upperDir,
		sem:      semaphore.NewWeighted(int64(maxBuilds)),
		remover:  remover,
		log:      log,
	}, nil
}

// Build assembles the filesystem for one job. On failure the partially
// built directories are removed in the background.
func (a *Assembler) Build(ctx context.Context, id protocol.JobId, layerRefs []protocol.LayerRef, blobs BlobResolver) (Built, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return Built{}, errors.Wrap(err, "acquire layer build slot")
	}
	defer a.sem.Release(1)

	mount := filepath.Join(a.mountDir, id.String())
	upper := filepath.Join(a.upperDir, id.String())

	built, err := a.build(id, layerRefs, blobs, mount, upper)
	if err != nil {
		a.remover.Remove(mount)
		a.remover.Remove(upper)
		return Built{}, err
	}
	return built, nil
}

func (a *Assembler) build(id protocol.JobId, layerRefs []protocol.LayerRef, blobs BlobResolver, mount, upper string) (Built, error) {
	for _, dir := range []string{mount, upper} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Built{}, errors.Wrapf(err, "create %s", dir)
		}
	}

	for i, ref := range layerRefs {
		blob := blobs.Path(ref.Digest)
		switch ref.Type {
		case protocol.ArtifactTar:
			// Layers later in the spec overwrite earlier ones; streaming
			// them in order is the composition.
			if err := extractTar(blob, mount); err != nil {
				return Built{}, errors.Wrapf(err, "layer %d (%s)", i, ref.Digest.Short())
			}
		case protocol.ArtifactManifest:
			// Manifest blobs stay opaque; expose them to in-sandbox tooling
			// under a fixed directory.
			if err := linkManifest(blob, mount, ref.Digest); err != nil {
				return Built{}, errors.Wrapf(err, "layer %d (%s)", i, ref.Digest.Short())
			}
		default:
			return Built{}, errors.Errorf("layer %d: unknown artifact type %d", i, ref.Type)
		}
	}

	size, err := dirSize(mount)
	if err != nil {
		return Built{}, errors.Wrap(err, "measure assembled layers")
	}
	a.log.Debug().Str("job", id.String()).Uint64("bytes", size).Int("layers", len(layerRefs)).Msg("layers built")
	return Built{Mount: mount, Upper: upper, Bytes: size}, nil
}

func linkManifest(blob, mount string, digest protocol.Digest) error {
	dir := filepath.Join(mount, ".manifests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create manifest dir")
	}
	target := filepath.Join(dir, digest.String())
	if err := os.Link(blob, target); err == nil {
		return nil
	}
	// Hard link can fail across filesystems; fall back to a copy.
	src, err := os.Open(blob)
	if err != nil {
		return errors.Wrap(err, "open manifest blob")
	}
	defer func() { _ = src.Close() }()
	dst, err := os.Create(target)
	if err != nil {
		return errors.Wrap(err, "create manifest copy")
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, "copy manifest blob")
	}
	return errors.Wrap(dst.Close(), "copy manifest blob")
}

// extractTar streams the tar blob into root, rejecting entries that would
// escape it.
func extractTar(blob, root string) error {
	f, err := os.Open(blob)
	if err != nil {
		return errors.Wrap(err, "open layer blob")
	}
	defer func() { _ = f.Close() }()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar")
		}

		target, err := securePath(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return errors.Wrap(err, "extract dir")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "extract file")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return errors.Wrap(err, "extract file")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return errors.Wrap(err, "extract file")
			}
			if err := out.Close(); err != nil {
				return errors.Wrap(err, "extract file")
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "extract symlink")
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Wrap(err, "extract symlink")
			}
		case tar.TypeLink:
			src, err := securePath(root, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return errors.Wrap(err, "extract hard link")
			}
		default:
			// Devices and the like are skipped; the sandbox provides its own.
		}
	}
}

func securePath(root, name string) (string, error) {
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("tar entry escapes layer root: %q", name)
	}
	return target, nil
}

func dirSize(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}
