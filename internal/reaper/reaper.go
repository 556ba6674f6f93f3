// Package reaper implements the disk-space reaper of spec §4.7: before
// accepting a new replication it frees up space by evicting the
// least-recently-used, currently-unreferenced images.
package reaper

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/image"
)

// maxPasses bounds how many images a single EnsureFree call will evict (§4.7
// "Repeats up to 20 times").
const maxPasses = 20

// minAge is the atime floor below which a non-sparse image is not evicted,
// unless sparseFiles relaxes it (§4.7).
const minAge = 24 * time.Hour

// Reaper frees disk space on demand by evicting unreferenced images.
type Reaper struct {
	cfg *config.Config
	reg *image.Registry
	log *logrus.Entry
}

// New constructs a Reaper bound to reg and cfg.
func New(cfg *config.Config, reg *image.Registry, log *logrus.Entry) *Reaper {
	return &Reaper{cfg: cfg, reg: reg, log: log}
}

// freeBytes queries available space on basePath via statfs(2).
func freeBytes(basePath string) (uint64, error) {
	var buf unix.Statfs_t
	if err := unix.Statfs(basePath, &buf); err != nil {
		return 0, err
	}

	return buf.Bavail * uint64(buf.Bsize), nil //nolint:gosec // Bsize is always non-negative on supported platforms
}

// EnsureFree is invoked before accepting a new replication (§4.7). It
// queries free space and, if below requested, evicts images oldest-atime
// first until enough space is free or maxPasses is exhausted.
func (r *Reaper) EnsureFree(requested uint64) error {
	for pass := 0; pass < maxPasses; pass++ {
		free, err := freeBytes(r.cfg.BasePath)
		if err != nil {
			return err
		}

		if free >= requested {
			return nil
		}

		victim := r.pickVictim()
		if victim == nil {
			return nil // nothing left to evict; caller decides whether to proceed anyway
		}

		r.evict(victim)
	}

	return nil
}

// pickVictim returns the unreferenced image with the oldest LastAccess
// eligible for eviction, or nil.
func (r *Reaper) pickVictim() *image.Image {
	var best *image.Image

	for _, img := range r.reg.All() {
		if img.RefCount() != 0 {
			continue
		}

		age := time.Since(img.LastAccess())
		if age < minAge && !r.cfg.SparseFiles {
			continue
		}

		if best == nil || img.LastAccess().Before(best.LastAccess()) {
			best = img
		}
	}

	return best
}

// evict removes victim from the registry and unlinks its sidecar and
// backing files (§4.7 "unlinks its .map, .crc, .meta, and backing file").
func (r *Reaper) evict(victim *image.Image) {
	r.reg.Remove(victim.Name, victim.Rid)

	paths := []string{
		victim.BackingPath(),
		cachemap.SidecarPath(victim.BackingPath()),
		victim.CRCPath(),
		victim.BackingPath() + ".meta",
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && r.log != nil {
			r.log.WithError(err).WithField("path", p).Warn("reaper failed to unlink sidecar/backing file")
		}
	}

	if r.log != nil {
		r.log.WithFields(logrus.Fields{"image": victim.Name, "rid": victim.Rid}).
			Info("reaper evicted image to free disk space")
	}
}
