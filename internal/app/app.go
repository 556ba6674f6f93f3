// Package app wires the subsystems (registry, alt-server table, integrity
// checker, disk-space reaper, TCP server) into one running proxy instance:
// a single struct owns the whole process.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	"github.com/dnbd3/dnbd3proxy/internal/integrity"
	applog "github.com/dnbd3/dnbd3proxy/internal/log"
	"github.com/dnbd3/dnbd3proxy/internal/reaper"
	"github.com/dnbd3/dnbd3proxy/internal/server"
)

// reloadInterval is how often the base directory is rescanned for new or
// vanished images (§4.1 "reload").
const reloadInterval = 30 * time.Second

// App owns the full set of long-lived subsystems for one proxy process.
type App struct {
	cfg *config.Config
	log *logrus.Entry

	reg     *image.Registry
	altReg  *altsrv.Registry
	checker *integrity.Checker
	reap    *reaper.Reaper
	srv     *server.Server
}

// New loads configuration from path (empty string for defaults-only),
// constructs every subsystem, and performs the initial directory scan.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log := applog.New(cfg)

	altReg := altsrv.NewRegistry()

	if cfg.AltServersFile != "" {
		path := cfg.AltServersFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.BasePath, path)
		}

		lines, err := config.ParseAltServersFile(path)
		if err != nil {
			log.WithError(err).Warn("failed to read alt-servers file, starting with an empty table")
		} else {
			altReg = altsrv.LoadFromConfig(lines)
		}
	}

	reg := image.NewRegistry(cfg, log)
	checker := integrity.New(log)
	reap := reaper.New(cfg, reg, log)

	a := &App{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		altReg:  altReg,
		checker: checker,
		reap:    reap,
	}

	reg.Clone = a.cloneImage

	a.srv = server.New(cfg, log, reg, altReg, checker)

	if _, err := reg.Reload(); err != nil {
		log.WithError(err).Warn("initial image scan failed")
	}

	for _, img := range reg.All() {
		a.verifyOnLoad(img)
	}

	return a, nil
}

// Run starts the periodic reload ticker and serves client connections until
// ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	go a.reloadLoop(ctx)

	err := a.srv.Serve(ctx)

	a.checker.Shutdown()

	return err
}

func (a *App) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loaded, err := a.reg.Reload()
			if err != nil {
				a.log.WithError(err).Warn("periodic reload failed")
				continue
			}

			for _, img := range loaded {
				a.verifyOnLoad(img)
			}
		}
	}
}

// verifyOnLoad performs the §4.2 "on load" quick CRC spot-check: up to 4
// randomly chosen complete hash-blocks, always including block 0 if
// complete. A mismatch schedules the normal repair path via the integrity
// checker rather than failing the load.
func (a *App) verifyOnLoad(img *image.Image) {
	manifest := img.Manifest()
	if manifest == nil {
		return
	}

	cm := img.CacheMap()

	isComplete := func(hb int) bool {
		if cm == nil {
			return true
		}

		start, length := cachemap.HashBlocksFor(uint64(hb), img.VirtualSize)

		return cm.RangePresent(start, length)
	}

	if isComplete(0) {
		a.checker.Enqueue(img, 0)
	}

	n := len(manifest.Blocks)
	if n <= 1 {
		return
	}

	candidates := rand.Perm(n - 1) //nolint:gosec // sampling choice, not security sensitive
	picked := 0

	for _, c := range candidates {
		hb := c + 1
		if !isComplete(hb) {
			continue
		}

		a.checker.Enqueue(img, hb)
		picked++

		if picked >= 3 {
			break
		}
	}
}
