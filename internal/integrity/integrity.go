// Package integrity implements the Integrity Checker (spec §4.6): a single
// background worker with a deduplicating queue that rehashes completed
// hash-blocks and repairs cache-map state on mismatch. The queue is not
// bounded in length.
package integrity

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/image"
)

// job is one (image, hash-block) unit of work.
type job struct {
	img       *image.Image
	hashBlock int
}

// Checker is the single background verifier thread of §4.6.
type Checker struct {
	log *logrus.Entry

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []job
	queued   map[jobKey]bool
	shutdown bool
	doneCh   chan struct{}
}

type jobKey struct {
	imgID     uint64
	hashBlock int
}

// New constructs and starts the integrity checker goroutine.
func New(log *logrus.Entry) *Checker {
	c := &Checker{
		log:    log,
		queued: make(map[jobKey]bool),
		doneCh: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.run()

	return c
}

// Enqueue schedules hashBlock of img for verification, deduplicating
// against anything already queued (§4.6 "Deduplicates on enqueue").
func (c *Checker) Enqueue(img *image.Image, hashBlock int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return
	}

	k := jobKey{imgID: img.ID(), hashBlock: hashBlock}
	if c.queued[k] {
		return
	}

	c.queued[k] = true
	c.queue = append(c.queue, job{img: img, hashBlock: hashBlock})
	c.cond.Signal()
}

// Shutdown drains the queue and stops the background goroutine (§4.6 "On
// shutdown, drains and exits").
func (c *Checker) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.cond.Signal()
	c.mu.Unlock()

	<-c.doneCh
}

func (c *Checker) run() {
	defer close(c.doneCh)

	for {
		c.mu.Lock()

		for len(c.queue) == 0 && !c.shutdown {
			c.cond.Wait()
		}

		if len(c.queue) == 0 && c.shutdown {
			c.mu.Unlock()
			return
		}

		j := c.queue[0]
		c.queue = c.queue[1:]
		delete(c.queued, jobKey{imgID: j.img.ID(), hashBlock: j.hashBlock})

		c.mu.Unlock()

		c.verify(j)

		c.mu.Lock()
		shuttingDown := c.shutdown && len(c.queue) == 0
		c.mu.Unlock()

		if shuttingDown {
			continue // loop back around to observe shutdown and exit cleanly
		}
	}
}

// verify reads hashBlock, computes its CRC-32 (zero-filling the virtual
// tail), and compares against the manifest. On mismatch it clears the
// cache-map bits for that hash-block so the uplink re-fetches it, and logs
// at warn level (§4.6, §7 "Data integrity").
func (c *Checker) verify(j job) {
	manifest := j.img.Manifest()
	if manifest == nil {
		return
	}

	cm := j.img.CacheMap()

	f := j.img.File()
	if f == nil {
		return
	}

	start, virtualLen := cachemap.HashBlocksFor(uint64(j.hashBlock), j.img.VirtualSize)

	realLen := virtualLen
	if start+realLen > j.img.RealSize {
		if start >= j.img.RealSize {
			realLen = 0
		} else {
			realLen = j.img.RealSize - start
		}
	}

	computed, err := crcmanifest.HashBlockCRC(f, int64(start), int64(realLen), int64(virtualLen))
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("integrity check failed to read hash-block")
		}

		return
	}

	ok, err := manifest.Check(j.hashBlock, computed)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("integrity check: hash-block out of manifest range")
		}

		return
	}

	if ok {
		return
	}

	if c.log != nil {
		c.log.WithFields(logrus.Fields{
			"image":     j.img.Name,
			"rid":       j.img.Rid,
			"hashBlock": j.hashBlock,
		}).Warn("CRC mismatch on hash-block, clearing cache-map bits for re-fetch")
	}

	if cm != nil {
		cm.Mark(start, virtualLen, false)
	}
}
