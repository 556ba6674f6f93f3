package reaper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/image"
)

func testReaper(t *testing.T) (*Reaper, *image.Registry, *config.Config) {
	t.Helper()

	cfg := config.Defaults()
	cfg.BasePath = t.TempDir()

	log := logrus.NewEntry(logrus.New())
	reg := image.NewRegistry(cfg, log)

	return New(cfg, reg, log), reg, cfg
}

func TestPickVictimSkipsReferencedImages(t *testing.T) {
	r, reg, cfg := testReaper(t)

	img := image.New(cfg.BasePath, "alpine", 1, 4096)
	img.Acquire()
	require.NoError(t, reg.Add(img, 0))

	assert.Nil(t, r.pickVictim())
}

func TestPickVictimSkipsTooYoungImagesUnlessSparse(t *testing.T) {
	r, reg, cfg := testReaper(t)

	img := image.New(cfg.BasePath, "alpine", 1, 4096)
	require.NoError(t, reg.Add(img, 0))

	// LastAccess defaults to "now", well under minAge.
	assert.Nil(t, r.pickVictim())

	cfg.SparseFiles = true
	assert.Same(t, img, r.pickVictim())
}

func TestPickVictimPrefersOldestAccess(t *testing.T) {
	r, reg, cfg := testReaper(t)
	cfg.SparseFiles = true

	older := image.New(cfg.BasePath, "older", 1, 4096)
	newer := image.New(cfg.BasePath, "newer", 1, 4096)
	require.NoError(t, reg.Add(older, 0))
	require.NoError(t, reg.Add(newer, 0))

	older.Touch()
	time.Sleep(time.Millisecond)
	newer.Touch()

	victim := r.pickVictim()
	require.NotNil(t, victim)
	assert.Equal(t, "older", victim.Name)
}

func TestEvictRemovesFromRegistryAndUnlinksFiles(t *testing.T) {
	r, reg, cfg := testReaper(t)

	img := image.New(cfg.BasePath, "alpine", 1, 4096)
	require.NoError(t, reg.Add(img, 0))

	require.NoError(t, os.MkdirAll(filepath.Dir(img.BackingPath()), 0o700))
	require.NoError(t, os.WriteFile(img.BackingPath(), []byte("data"), 0o600))
	require.NoError(t, os.WriteFile(img.CRCPath(), []byte("crc"), 0o600))

	r.evict(img)

	assert.Equal(t, 0, reg.Len())
	_, err := os.Stat(img.BackingPath())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(img.CRCPath())
	assert.True(t, os.IsNotExist(err))
}

func TestEvictToleratesMissingFiles(t *testing.T) {
	r, reg, cfg := testReaper(t)

	img := image.New(cfg.BasePath, "alpine", 1, 4096)
	require.NoError(t, reg.Add(img, 0))

	assert.NotPanics(t, func() { r.evict(img) })
	assert.Equal(t, 0, reg.Len())
}

func TestEnsureFreeReturnsImmediatelyWhenNothingRequested(t *testing.T) {
	r, _, _ := testReaper(t)

	assert.NoError(t, r.EnsureFree(0))
}

func TestFreeBytesReadsRealFilesystem(t *testing.T) {
	free, err := freeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)
}
