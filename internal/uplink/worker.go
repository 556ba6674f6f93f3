// Package uplink implements the per-image Uplink Worker (spec §4.3): one
// worker per incomplete image, multiplexing outstanding client read
// requests over a single TCP connection to the currently-preferred
// alt-server.
package uplink

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/boz/go-throttle"
	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/cachemap"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/crcmanifest"
	"github.com/dnbd3/dnbd3proxy/internal/ierrors"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
	"github.com/dnbd3/dnbd3proxy/internal/rtt"
)

// KeepAliveInterval is the idle keepalive cadence (§5 "keepalive every ~6 s").
const KeepAliveInterval = 6 * time.Second

// IntegrityEnqueuer is the subset of the integrity checker's surface the
// uplink needs (§4.3 "notifies the Integrity Checker whenever a hash-block
// becomes complete"). Declared here to keep uplink -> integrity
// one-directional without either side importing the other's concrete type.
type IntegrityEnqueuer interface {
	Enqueue(img *image.Image, hashBlock int)
}

// Worker is the uplink for one incomplete image.
type Worker struct {
	log    *logrus.Entry
	cfg    *config.Config
	img    *image.Image
	altReg *altsrv.Registry
	prober *rtt.Prober
	checker IntegrityEnqueuer

	mu deadlock.Mutex // uplink queue lock, §5 position 6
	q  *queue

	sendMu deadlock.Mutex // uplink send mutex, §5 position 8
	conn   net.Conn
	current *altsrv.Server

	wake       chan struct{}
	replyCh    chan replyMsg
	verdictCh  chan rtt.Verdict
	shutdownCh chan struct{}
	doneCh     chan struct{}
	shutdown   bool

	altCheckInterval time.Duration

	bgrThrottle     *throttle.Throttle
	nextBgrHashBlock int
}

// New constructs and starts an uplink worker for img. The caller must
// attach it to the image via img.SetUplink before releasing any reference
// (§3 invariant: "exactly one uplink worker per image at any time").
func New(log *logrus.Entry, cfg *config.Config, img *image.Image, altReg *altsrv.Registry, checker IntegrityEnqueuer) *Worker {
	w := &Worker{
		log:              log.WithFields(logrus.Fields{"image": img.Name, "rid": img.Rid}),
		cfg:              cfg,
		img:              img,
		altReg:           altReg,
		prober:           rtt.NewProber(img.Name, img.Rid, img.VirtualSize),
		checker:          checker,
		q:                newQueue(),
		wake:             make(chan struct{}, 1),
		replyCh:          make(chan replyMsg, 16),
		verdictCh:        make(chan rtt.Verdict, 1),
		shutdownCh:       make(chan struct{}),
		doneCh:           make(chan struct{}),
		altCheckInterval: rtt.DelayInit,
	}
	w.bgrThrottle = throttle.ThrottleFunc(200*time.Millisecond, false, w.replicateNextMissingBlock)

	go w.loop()
	go w.rttLoop()

	return w
}

// Submit enqueues a client read request for [offset, offset+length) and
// returns a channel that receives exactly one Result. Implements
// image.UplinkHandle.
func (w *Worker) Submit(offset uint64, length uint32, clientHandle uint64) <-chan Result {
	notify := make(chan Result, 1)

	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		notify <- Result{Err: ierrors.Wrap(ierrors.KindExhaustion, "uplink.Submit", fmt.Errorf("uplink shutting down"))}
		return notify
	}

	ok := w.q.push(offset, offset+uint64(length), clientHandle, notify)
	w.mu.Unlock()

	if !ok {
		notify <- Result{Err: ierrors.Wrap(ierrors.KindExhaustion, "uplink.Submit", fmt.Errorf("queue full"))}
		return notify
	}

	w.signal()

	return notify
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the worker, failing every pending client request and
// closing the upstream socket (§4.3 "Termination", implements
// image.UplinkHandle).
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return
	}

	w.shutdown = true
	w.mu.Unlock()

	close(w.shutdownCh)
	<-w.doneCh
}

// QueueLen reports the number of in-flight (non-free) queue slots.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.q.all())
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	keepalive := time.NewTicker(KeepAliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-w.shutdownCh:
			w.drainOnShutdown()
			return

		case v := <-w.verdictCh:
			w.handleVerdict(v)

			if v.Kind == rtt.DoChange {
				keepalive.Reset(KeepAliveInterval)
			}

		case <-w.wake:
			w.sendNewRequests()

		case rm := <-w.replyCh:
			w.handleReply(rm.reply, rm.data)

		case <-keepalive.C:
			w.sendKeepAlive()
			w.maybeReplicate()
		}
	}
}

// drainOnShutdown fails every still-outstanding client request and closes
// the socket (§4.3 "Termination").
func (w *Worker) drainOnShutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, i := range w.q.all() {
		e := &w.q.entries[i]
		if e.notify != nil {
			select {
			case e.notify <- Result{Err: ierrors.Wrap(ierrors.KindExhaustion, "uplink.shutdown", fmt.Errorf("uplink shut down"))}:
			default:
			}
		}
	}

	w.closeConnLocked()
}

func (w *Worker) closeConnLocked() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// handleVerdict applies an RTT verdict: DoChange swaps the socket and
// resends every Pending request unchanged (§4.3 main loop step 1, §9
// resolved open question: New are left to the normal post-wake path).
func (w *Worker) handleVerdict(v rtt.Verdict) {
	if v.Kind != rtt.DoChange {
		return
	}

	w.mu.Lock()
	old := w.conn
	w.conn = v.Conn
	w.current = v.Best
	pending := w.q.pendingEntries()
	w.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	go w.readUpstream(v.Conn)

	if w.log != nil {
		w.log.WithField("server", v.Best.Host).Info("switched alt-server")
	}

	for _, i := range pending {
		w.resendEntry(i)
	}

	// A successful switch grows the probe interval toward the max; loop
	// resets the keepalive clock after a DoChange (§4.3 step 1, §4.5
	// "growing to SERVER_RTT_DELAY_MAX after a switch").
	w.altCheckInterval *= 2
	if w.altCheckInterval > rtt.DelayMax {
		w.altCheckInterval = rtt.DelayMax
	}
}

func (w *Worker) resendEntry(i int) {
	w.mu.Lock()
	e := w.q.entries[i]
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return
	}

	if w.sendRequest(conn, e.start, e.end, uint64(i)) {
		w.mu.Lock()
		w.q.markSent(i)
		w.mu.Unlock()
	}
}

// sendNewRequests sends every top-level New entry upstream and marks it
// Pending (§4.3 main loop step 2).
func (w *Worker) sendNewRequests() {
	w.mu.Lock()
	newIdx := w.q.newEntries()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return
	}

	for _, i := range newIdx {
		w.mu.Lock()
		e := w.q.entries[i]
		w.mu.Unlock()

		if w.sendRequest(conn, e.start, e.end, uint64(i)) {
			w.mu.Lock()
			w.q.markSent(i)
			w.q.markPending(i)
			w.mu.Unlock()
		}
	}
}

func (w *Worker) sendRequest(conn net.Conn, start, end uint64, handle uint64) bool {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	err := protocol.EncodeRequest(conn, protocol.Request{
		Cmd:    protocol.CmdGetBlock,
		Size:   uint32(end - start),
		Offset: start,
		Handle: handle,
	})
	if err != nil {
		w.onSocketErrorForConn(conn, err)
		return false
	}

	return true
}

// onSocketErrorForConn transitions the socket to "none" on any transient
// upstream failure (§4.3 "Failure semantics"): Pending requests are left in
// place to be resent after the next successful connection. conn is the
// connection the caller actually observed the error on; if the worker has
// already switched to a different connection (a race between a failing
// reader goroutine and a concurrent RTT-driven switch), this is a no-op so a
// stale error can't clobber the new socket.
func (w *Worker) onSocketErrorForConn(conn net.Conn, err error) {
	if w.log != nil {
		w.log.WithError(err).Warn("uplink socket error")
	}

	w.mu.Lock()
	if w.conn == conn {
		w.closeConnLocked()
	}
	w.mu.Unlock()
}

// replyMsg is one decoded upstream reply handed from readUpstream to loop.
type replyMsg struct {
	reply protocol.Reply
	data  []byte
}

// readUpstream blocks reading replies off conn and forwards each one to
// replyCh, so the event loop's select wakes as soon as a reply arrives
// instead of waiting for the next wake/keepalive tick to poll the socket
// (§4.3 main loop step 3). One instance runs per connection, for the
// lifetime of that connection; it exits on the first read error or on
// worker shutdown.
func (w *Worker) readUpstream(conn net.Conn) {
	for {
		reply, err := protocol.DecodeReply(conn)
		if err != nil {
			w.onSocketErrorForConn(conn, err)
			return
		}

		data := make([]byte, reply.Size)
		if _, err := io.ReadFull(conn, data); err != nil {
			w.onSocketErrorForConn(conn, err)
			return
		}

		select {
		case w.replyCh <- replyMsg{reply: reply, data: data}:
		case <-w.shutdownCh:
			return
		}
	}
}

// handleReply persists one upstream reply and fans it to every
// Pending/Processing client whose range it fully covers (§4.3 step 3,
// "Reply dispatch ordering").
func (w *Worker) handleReply(reply protocol.Reply, data []byte) {
	handleIdx := int(reply.Handle)

	w.mu.Lock()
	if handleIdx < 0 || handleIdx >= len(w.q.entries) {
		w.mu.Unlock()
		return
	}

	e := w.q.entries[handleIdx]
	current := w.current
	w.mu.Unlock()

	if current != nil && !e.submitTime.IsZero() {
		current.ProductionRTT(time.Since(e.submitTime))
	}

	start, end := e.start, e.end

	if err := w.writeAndMark(start, data); err != nil {
		if w.log != nil {
			w.log.WithError(err).Error("failed to persist uplink reply")
		}

		return
	}

	w.mu.Lock()
	w.q.markPending(handleIdx) // no-op if already pending; marks coalesced children too
	matches := w.q.matching(start, end)
	w.mu.Unlock()

	for _, i := range matches {
		w.mu.Lock()
		ce := w.q.entries[i]
		w.q.entries[i].state = StateProcessing
		w.mu.Unlock()

		if ce.notify != nil {
			lo := ce.clientStart - start
			hi := ce.clientEnd - start

			slice := make([]byte, hi-lo)
			copy(slice, data[lo:hi])

			select {
			case ce.notify <- Result{Data: slice}:
			default:
			}
		}

		w.mu.Lock()
		w.q.free(i)
		w.mu.Unlock()
	}
}

// writeAndMark durably writes data at offset into the backing file, then
// flips the corresponding cache-map bits (§5 ordering guarantee: "a
// cache-map bit transitioning to set happens-after the write ... returning
// success"), enqueuing any hash-block that just became complete for
// integrity verification.
func (w *Worker) writeAndMark(offset uint64, data []byte) error {
	f := w.img.File()
	if f == nil {
		return fmt.Errorf("uplink: image has no backing file")
	}

	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return ierrors.Wrap(ierrors.KindTransientUpstream, "uplink.writeAndMark", err)
	}

	cm := w.img.CacheMap()
	if cm == nil {
		return nil
	}

	completed := cm.Mark(offset, uint64(len(data)), true)

	for _, hb := range completed {
		if w.checker != nil {
			w.checker.Enqueue(w.img, int(hb))
		}
	}

	if cm.IsComplete() {
		w.img.MarkComplete(w.log)
	}

	return nil
}

func (w *Worker) sendKeepAlive() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return
	}

	w.sendMu.Lock()
	err := protocol.EncodeRequest(conn, protocol.Request{Cmd: protocol.CmdKeepAlive})
	w.sendMu.Unlock()

	if err != nil {
		w.onSocketErrorForConn(conn, err)
	}
}

// maybeReplicate synthesizes a request for the next missing hash-block in
// round-robin order when background replication is enabled and there is no
// pending client work (§4.3 "Background replication").
func (w *Worker) maybeReplicate() {
	if !w.cfg.BackgroundReplication {
		return
	}

	if w.img.DistinctClients() < w.cfg.BgrMinClients {
		return
	}

	w.mu.Lock()
	idle := len(w.q.pendingEntries()) == 0 && len(w.q.newEntries()) == 0
	w.mu.Unlock()

	if !idle {
		return
	}

	if w.img.CacheMap() == nil {
		return
	}

	// The throttle runs at most one synthesized request per 200ms. This
	// path is reached once per keepalive tick, so an idle uplink issues one
	// background request per tick.
	w.bgrThrottle.Trigger()
}

// replicateNextMissingBlock is the throttled background-replication body:
// it synthesizes a request for the next still-missing hash-block in
// round-robin order across the image (§4.3 "Background replication").
func (w *Worker) replicateNextMissingBlock() {
	cm := w.img.CacheMap()
	if cm == nil {
		return
	}

	numHashBlocks := crcmanifest.NumHashBlocks(w.img.VirtualSize)
	if numHashBlocks == 0 {
		return
	}

	for tries := 0; tries < numHashBlocks; tries++ {
		hb := w.nextBgrHashBlock
		w.nextBgrHashBlock = (w.nextBgrHashBlock + 1) % numHashBlocks

		start, length := cachemap.HashBlocksFor(uint64(hb), w.img.VirtualSize)
		if cm.RangePresent(start, length) {
			continue
		}

		notify := make(chan Result, 1)

		w.mu.Lock()
		w.q.push(start, start+length, 0, notify)
		w.mu.Unlock()

		w.signal()

		go func() { <-notify }() // background replication has no waiting client

		return
	}
}
