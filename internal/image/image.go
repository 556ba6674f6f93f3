// Package image implements the Image Registry (spec §3, §4.1): image
// lifecycle, reference counting, and the lock-free-on-the-fast-path
// decoupling of "removed from registry" from "freed".
package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

// UplinkHandle is the subset of the uplink worker's surface that an Image
// needs to own and shut down. Defined here (rather than importing the
// uplink package) to keep the dependency one-directional: uplink imports
// image, not the reverse.
type UplinkHandle interface {
	Shutdown()
	QueueLen() int
	Submit(offset uint64, length uint32, clientHandle uint64) <-chan ReadResult
}

// ReadResult is delivered to a waiting client by an uplink worker on
// completion or failure of one Submit call. Defined here (rather than in
// the uplink package) so that image.UplinkHandle can name it without
// importing uplink.
type ReadResult struct {
	Data []byte
	Err  error
}

// Image represents one immutable revision of a named disk image (§3).
type Image struct {
	id uint64

	Name     string
	Rid      uint16
	RealSize uint64

	// VirtualSize is RealSize rounded up to the 4 KiB block boundary; reads
	// past RealSize up to VirtualSize return zeros.
	VirtualSize uint64

	MasterCRC uint32

	mu deadlock.Mutex

	refCount   atomic.Int32
	working    atomic.Bool
	lastAccess atomic.Int64 // unix nanos
	lastVerify atomic.Int64 // unix nanos

	cacheMap *cachemap.Map
	manifest *crcmanifest.Manifest
	file     *os.File

	uplink UplinkHandle

	basePath string

	clientsSeen map[string]struct{} // distinct client addrs, for BgrMinClients
}

var nextID atomic.Uint64

// New constructs an Image in the working state with the given sizes. The
// caller is responsible for opening the backing file descriptor and
// attaching cache-map/manifest via SetCacheMap/SetManifest/SetFile.
func New(basePath, name string, rid uint16, realSize uint64) *Image {
	img := &Image{
		id:          nextID.Add(1),
		Name:        name,
		Rid:         rid,
		RealSize:    realSize,
		VirtualSize: VirtualSizeOf(realSize),
		basePath:    basePath,
		clientsSeen: make(map[string]struct{}),
	}
	img.working.Store(true)
	img.lastAccess.Store(time.Now().UnixNano())

	return img
}

// VirtualSizeOf rounds realSize up to the 4 KiB block boundary (§3, §6).
func VirtualSizeOf(realSize uint64) uint64 {
	rem := realSize % protocol.BlockSize
	if rem == 0 {
		return realSize
	}

	return realSize + (protocol.BlockSize - rem)
}

// ID returns the image's unique runtime identifier.
func (img *Image) ID() uint64 { return img.id }

// IsWorking reports whether the image is usable (§7 "Permanent image error"
// marks an image not-working until a successful reload).
func (img *Image) IsWorking() bool { return img.working.Load() }

// SetWorking flips the working flag, e.g. on a detected size change or
// unreadable backing file.
func (img *Image) SetWorking(v bool) { img.working.Store(v) }

// LastAccess returns the last-access timestamp.
func (img *Image) LastAccess() time.Time {
	return time.Unix(0, img.lastAccess.Load())
}

// Touch updates the last-access timestamp to now.
func (img *Image) Touch() { img.lastAccess.Store(time.Now().UnixNano()) }

// Acquire increments the reference count. Paired with Release.
func (img *Image) Acquire() { img.refCount.Add(1) }

// Release decrements the reference count and reports the count
// post-decrement. The registry uses this to decide whether to free the
// image once it has also been removed from the registry slot (§4.1
// "Removal and freeing are decoupled").
func (img *Image) Release() int32 {
	return img.refCount.Add(-1)
}

// RefCount returns the current reference count.
func (img *Image) RefCount() int32 { return img.refCount.Load() }

// BackingPath is the on-disk path of the <name>.r<rid> file.
func (img *Image) BackingPath() string {
	return filepath.Join(img.basePath, fmt.Sprintf("%s.r%d", img.Name, img.Rid))
}

// CRCPath is the on-disk path of the <name>.r<rid>.crc sidecar.
func (img *Image) CRCPath() string {
	return img.BackingPath() + ".crc"
}

// SetFile attaches the opened read file descriptor.
func (img *Image) SetFile(f *os.File) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.file = f
}

// File returns the backing read file descriptor, or nil if closed
// (§6 "closeUnusedFd").
func (img *Image) File() *os.File {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.file
}

// SetCacheMap attaches (or clears, with nil) the cache-map.
func (img *Image) SetCacheMap(m *cachemap.Map) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.cacheMap = m
}

// CacheMap returns the cache-map, or nil if the image is complete.
func (img *Image) CacheMap() *cachemap.Map {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.cacheMap
}

// SetManifest attaches (or clears) the CRC manifest.
func (img *Image) SetManifest(m *crcmanifest.Manifest) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.manifest = m
}

// Manifest returns the CRC manifest, or nil if absent/invalidated.
func (img *Image) Manifest() *crcmanifest.Manifest {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.manifest
}

// SetUplink attaches the uplink worker handle (nil when complete or not yet
// started). Exactly one worker may exist per image at a time (§3 invariant).
func (img *Image) SetUplink(u UplinkHandle) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.uplink = u
}

// Uplink returns the current uplink worker handle, or nil.
func (img *Image) Uplink() UplinkHandle {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.uplink
}

// EnsureUplink returns the image's uplink worker, starting one via factory
// if none exists yet. factory is invoked at most once per call and never
// while racing another caller, preserving the §3 invariant "exactly one
// uplink worker per image at any time".
func (img *Image) EnsureUplink(factory func() UplinkHandle) UplinkHandle {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.uplink == nil {
		img.uplink = factory()
	}

	return img.uplink
}

// IsComplete reports whether the image has no cache-map (i.e. is fully
// cached locally).
func (img *Image) IsComplete() bool {
	return img.CacheMap() == nil
}

// MarkComplete frees the cache-map and unlinks its .map sidecar, the §4.2
// "On first-time completeness" transition. Safe to call more than once.
func (img *Image) MarkComplete(log *logrus.Entry) {
	img.mu.Lock()
	had := img.cacheMap != nil
	img.cacheMap = nil
	img.mu.Unlock()

	if !had {
		return
	}

	if err := cachemap.Unlink(img.BackingPath()); err != nil && log != nil {
		log.WithError(err).Warn("failed to unlink cache-map sidecar after completion")
	}
}

// NoteClient records a distinct client address having referenced this
// image, for the bgrMinClients gate on background replication (§6).
func (img *Image) NoteClient(addr string) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.clientsSeen[addr] = struct{}{}
}

// DistinctClients returns how many distinct client addresses have been
// observed since load.
func (img *Image) DistinctClients() int {
	img.mu.Lock()
	defer img.mu.Unlock()

	return len(img.clientsSeen)
}
