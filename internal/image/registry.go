package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/ierrors"
)

type key struct {
	name string
	rid  uint16
}

// CloneFunc clones an image from an upstream alt-server in proxy mode. It is
// supplied by the app wiring layer (internal/app's cloneImage dials a remote
// and runs SELECT_IMAGE); the registry stays agnostic of the network.
type CloneFunc func(name string, rid uint16) (*Image, error)

// Registry is the bounded collection of loaded images plus the two
// mutually-exclusive top-level mutations (§4.1, §5 lock hierarchy position 1
// "reload"/"remoteClone", position 2 "registry lock").
type Registry struct {
	cfg *config.Config
	log *logrus.Entry

	reloadMu deadlock.Mutex // serializes reload scans and remote clones

	mu     deadlock.Mutex // registry lock
	images map[key]*Image

	recentMu      deadlock.Mutex
	recentQueries map[key]time.Time

	Clone CloneFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg *config.Config, log *logrus.Entry) *Registry {
	return &Registry{
		cfg:           cfg,
		log:           log,
		images:        make(map[key]*Image),
		recentQueries: make(map[key]time.Time),
	}
}

const recentQueryTTL = 30 * time.Second

const verifyInterval = 60 * time.Second

// Ref is a counted handle on an Image. Callers must call Release exactly
// once when done.
type Ref struct {
	reg *Registry
	Img *Image
}

// Release decrements the image's reference count, freeing the image if it
// has also been removed from the registry (§4.1 "release").
func (r *Ref) Release() {
	if r == nil || r.Img == nil {
		return
	}

	remaining := r.Img.Release()
	if remaining > 0 {
		return
	}

	r.reg.mu.Lock()
	k := key{name: r.Img.Name, rid: r.Img.Rid}
	current, ok := r.reg.images[k]
	stillRegistered := ok && current == r.Img
	r.reg.mu.Unlock()

	if !stillRegistered {
		r.reg.free(r.Img)
	}
}

func (reg *Registry) free(img *Image) {
	if u := img.Uplink(); u != nil {
		u.Shutdown()
	}

	if f := img.File(); f != nil {
		_ = f.Close()
	}

	img.SetCacheMap(nil)
	img.SetManifest(nil)

	if reg.log != nil {
		reg.log.WithFields(logrus.Fields{"image": img.Name, "rid": img.Rid}).Debug("image freed")
	}
}

// highestRevision returns the image with the numerically highest rid for
// name, or nil.
func (reg *Registry) highestRevision(name string) *Image {
	var best *Image

	for k, img := range reg.images {
		if k.name != name {
			continue
		}

		if best == nil || k.rid > best.Rid {
			best = img
		}
	}

	return best
}

// Get returns a counted reference to name/revision. revision == 0 matches
// the highest known revision (§4.1 "get").
func (reg *Registry) Get(name string, revision uint16, verify bool) (*Ref, error) {
	reg.mu.Lock()

	var img *Image

	if revision == 0 {
		img = reg.highestRevision(name)
	} else {
		img = reg.images[key{name: name, rid: revision}]
	}

	if img == nil {
		reg.mu.Unlock()
		return nil, nil //nolint:nilnil // "not found" is a valid, non-error outcome per §4.1
	}

	img.Acquire()
	reg.mu.Unlock()

	if !img.IsWorking() {
		img.Release()
		return nil, ierrors.Wrap(ierrors.KindPermanentImage, "registry.Get", fmt.Errorf("image %s r%d is not working", name, img.Rid))
	}

	img.Touch()

	if verify && time.Since(time.Unix(0, img.lastVerify.Load())) > verifyInterval {
		if err := reg.verifyLive(img); err != nil {
			img.Release()
			return nil, err
		}

		img.lastVerify.Store(time.Now().UnixNano())
	}

	return &Ref{reg: reg, Img: img}, nil
}

// verifyLive performs the lseek-to-end + short pread probe of §4.1: a size
// change or I/O error forces the image not-working and schedules a reload.
func (reg *Registry) verifyLive(img *Image) error {
	f := img.File()
	if f == nil {
		return nil
	}

	info, err := f.Stat()
	if err != nil {
		img.SetWorking(false)
		return ierrors.Wrap(ierrors.KindPermanentImage, "registry.verifyLive", err)
	}

	if uint64(info.Size()) != img.RealSize {
		img.SetWorking(false)

		if reg.log != nil {
			reg.log.WithFields(logrus.Fields{"image": img.Name, "rid": img.Rid}).
				Warn("backing file size changed at runtime, marking not-working")
		}

		return ierrors.Wrap(ierrors.KindPermanentImage, "registry.verifyLive",
			fmt.Errorf("size changed: have %d, want %d", info.Size(), img.RealSize))
	}

	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		img.SetWorking(false)
		return ierrors.Wrap(ierrors.KindPermanentImage, "registry.verifyLive", err)
	}

	return nil
}

// GetOrLoad resolves name/revision, cloning from an upstream alt-server in
// proxy mode when no matching image is known locally (§4.1 "get_or_load").
// An image found locally is returned as is; upstream is not asked whether
// it holds a higher revision. A short-TTL recent-query cache suppresses
// clone storms for the same (name,revision).
func (reg *Registry) GetOrLoad(name string, revision uint16) (*Ref, error) {
	ref, err := reg.Get(name, revision, true)
	if err != nil {
		return nil, err
	}

	if ref != nil {
		return ref, nil
	}

	if !reg.cfg.IsProxy {
		return nil, nil //nolint:nilnil
	}

	k := key{name: name, rid: revision}

	reg.recentMu.Lock()
	if last, ok := reg.recentQueries[k]; ok && time.Since(last) < recentQueryTTL {
		reg.recentMu.Unlock()
		return nil, nil //nolint:nilnil // storm suppression: treat as "still not found"
	}

	reg.recentQueries[k] = time.Now()
	reg.recentMu.Unlock()

	if reg.Clone == nil {
		return nil, nil //nolint:nilnil
	}

	reg.reloadMu.Lock()
	defer reg.reloadMu.Unlock()

	// Re-check under the clone-exclusivity lock in case a racing caller
	// already finished cloning this image.
	if ref, err := reg.Get(name, revision, false); err == nil && ref != nil {
		return ref, nil
	}

	img, err := reg.Clone(name, revision)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindExhaustion, "registry.GetOrLoad", err)
	}

	reg.mu.Lock()
	reg.images[key{name: img.Name, rid: img.Rid}] = img
	reg.mu.Unlock()

	img.Acquire()

	return &Ref{reg: reg, Img: img}, nil
}

// Add inserts an already-constructed image into the registry (used by
// directory scanning and tests). Enforces the bounded registry capacity.
func (reg *Registry) Add(img *Image, maxImages int) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if maxImages > 0 && len(reg.images) >= maxImages {
		return ierrors.Wrap(ierrors.KindExhaustion, "registry.Add", fmt.Errorf("registry full (%d images)", maxImages))
	}

	reg.images[key{name: img.Name, rid: img.Rid}] = img

	return nil
}

// Remove drops the registry slot for name/revision without freeing the
// image: outstanding references keep it alive until their Release (§4.1
// "Removal sets a tombstone by dropping the registry slot").
func (reg *Registry) Remove(name string, revision uint16) *Image {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	k := key{name: name, rid: revision}

	img, ok := reg.images[k]
	if !ok {
		return nil
	}

	delete(reg.images, k)

	if img.RefCount() == 0 {
		go reg.free(img)
	}

	return img
}

// All returns every currently-registered image (a snapshot slice).
func (reg *Registry) All() []*Image {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]*Image, 0, len(reg.images))
	for _, img := range reg.images {
		out = append(out, img)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}

		return out[i].Rid < out[j].Rid
	})

	return out
}

// Len returns the number of registered images.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.images)
}

// Reload rescans basePath for image files and loads those not yet registered
// (§4.1 "reload"). Images already registered are skipped, so a size or
// manifest change of an existing image is not detected here. It is mutually
// exclusive with cloning (both take reloadMu, lock-hierarchy position 1).
func (reg *Registry) Reload() ([]*Image, error) {
	reg.reloadMu.Lock()
	defer reg.reloadMu.Unlock()

	entries, err := scanBaseDir(reg.cfg.BasePath)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindTransientUpstream, "registry.Reload", err)
	}

	var loaded []*Image

	for _, e := range entries {
		k := key{name: e.name, rid: e.rid}

		reg.mu.Lock()
		_, exists := reg.images[k]
		reg.mu.Unlock()

		if exists {
			continue
		}

		img, err := loadImageFromDisk(reg.cfg.BasePath, e.name, e.rid, reg.log)
		if err != nil {
			if reg.log != nil {
				reg.log.WithError(err).WithFields(logrus.Fields{"image": e.name, "rid": e.rid}).
					Warn("failed to load image during reload")
			}

			continue
		}

		if err := reg.Add(img, reg.cfg.MaxImages); err != nil {
			if reg.log != nil {
				reg.log.WithError(err).Warn("registry full during reload")
			}

			break
		}

		loaded = append(loaded, img)
	}

	if reg.cfg.RemoveMissingImages {
		reg.removeVanished(entries)
	}

	return loaded, nil
}

func (reg *Registry) removeVanished(present []dirEntry) {
	seen := make(map[key]bool, len(present))
	for _, e := range present {
		seen[key{name: e.name, rid: e.rid}] = true
	}

	for _, img := range reg.All() {
		if !seen[key{name: img.Name, rid: img.Rid}] {
			reg.Remove(img.Name, img.Rid)
		}
	}
}

type dirEntry struct {
	name string
	rid  uint16
}

// scanBaseDir walks basePath for "<name>.r<rid>" backing files, recovering
// name/rid pairs from the filename (§4.1 "Rescans a directory subtree").
func scanBaseDir(basePath string) ([]dirEntry, error) {
	var out []dirEntry

	err := filepath.WalkDir(basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		base := d.Name()
		if strings.HasSuffix(base, ".map") || strings.HasSuffix(base, ".crc") || strings.HasSuffix(base, ".lock") || strings.HasSuffix(base, ".meta") {
			return nil
		}

		idx := strings.LastIndex(base, ".r")
		if idx < 0 {
			return nil
		}

		ridStr := base[idx+2:]

		rid, convErr := strconv.ParseUint(ridStr, 10, 16)
		if convErr != nil {
			return nil
		}

		rel, relErr := filepath.Rel(basePath, path)
		if relErr != nil {
			return nil
		}

		name := strings.TrimSuffix(rel, base[idx:])
		name = filepath.ToSlash(name)

		out = append(out, dirEntry{name: name, rid: uint16(rid)})

		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return lo.UniqBy(out, func(e dirEntry) key { return key{name: e.name, rid: e.rid} }), nil
}

// loadImageFromDisk opens the backing file and, if present, the .map and
// .crc sidecars for name/rid.
func loadImageFromDisk(basePath, name string, rid uint16, log *logrus.Entry) (*Image, error) {
	backingPath := filepath.Join(basePath, fmt.Sprintf("%s.r%d", name, rid))

	f, err := os.Open(backingPath) //nolint:gosec // path built from sanitized registry scan
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat backing file: %w", err)
	}

	img := New(basePath, name, rid, uint64(info.Size()))
	img.SetFile(f)

	mapBits, mapErr := os.ReadFile(cachemap.SidecarPath(backingPath)) //nolint:gosec
	if mapErr == nil {
		if m, err := cachemap.Load(mapBits, img.VirtualSize); err == nil {
			img.SetCacheMap(m)
		} else if log != nil {
			log.WithError(err).Warn("discarding corrupt cache-map sidecar")
		}
	}

	crcBits, crcErr := os.ReadFile(img.CRCPath()) //nolint:gosec
	if crcErr == nil {
		if m, err := crcmanifest.Decode(crcBits); err == nil {
			img.SetManifest(m)
			img.MasterCRC = m.MasterCRC
		} else if log != nil {
			log.WithError(err).Warn("discarding corrupt CRC manifest")
		}
	}

	return img, nil
}

// ValidateName rejects canonical names containing forbidden characters
// (§3 "a canonical name ... forbidden characters rejected").
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("image name must not be empty")
	}

	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") || strings.Contains(name, "\\") {
		return fmt.Errorf("image name %q contains forbidden path elements", name)
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("image name %q contains control characters", name)
		}
	}

	return nil
}
