// Package rtt implements the RTT probe and switch decision of spec §4.5:
// periodic latency measurement against candidate alt-servers and the
// hysteresis-guarded decision to migrate an uplink's connection.
package rtt

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/protocol"
)

// Delay bounds for the probe interval (§4.5 "altCheckInterval").
const (
	DelayInit = 2 * time.Second
	DelayMax  = 60 * time.Second
)

// Absolute/relative switch thresholds (§4.5 "Switch decision"). The relative
// factor shrinks currentRTT before comparing it against bestRTT, so the
// hysteresis branch only fires when best is substantially faster than
// current — matching the source's documented ~2/3 factor.
const (
	RTTAbsoluteThreshold = 200 * time.Millisecond
	RTTThresholdFactor   = 2.0 / 3.0
)

const dialTimeout = 750 * time.Millisecond

// VerdictKind is the outcome of one RTT probe pass for one uplink.
type VerdictKind int

const (
	DontChange VerdictKind = iota
	DoChange
	NotReachable
)

// Verdict carries the probe's decision for a single uplink. Only the
// uplink worker mutates the socket; on DoChange the probe hands over the
// already-connected Conn.
type Verdict struct {
	Kind VerdictKind
	Best *altsrv.Server
	Conn net.Conn
	RTT  time.Duration
}

// Prober dials and times a SELECT_IMAGE+GET_BLOCK(0,4096) exchange against
// candidate servers and runs the switch-decision state machine for one
// uplink.
type Prober struct {
	ImageName string
	ImageRid  uint16
	VirtSize  uint64

	// cycleDetected / deadSocket feed the per-pass penalties of §4.5 step 4.
	cycleDetected bool
	currentDead   bool

	lastTwo [2]string // last two server hosts switched between, for cycle detection
}

// NewProber constructs a prober bound to one image's identity for the
// SELECT_IMAGE handshake.
func NewProber(name string, rid uint16, virtSize uint64) *Prober {
	return &Prober{ImageName: name, ImageRid: rid, VirtSize: virtSize}
}

// dialFunc is overridable in tests.
type dialFunc func(ctx context.Context, host string, timeout time.Duration) (net.Conn, error)

func defaultDial(ctx context.Context, host string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", host)
}

// probeOne connects, performs SELECT_IMAGE for the prober's image then a
// 4KiB GET_BLOCK(0), and returns the measured round-trip time (§4.5 step 2:
// "select the image (name+rid must match, virtual size must match, protocol
// version >= minimum)").
func (p *Prober) probeOne(ctx context.Context, dial dialFunc, srv *altsrv.Server) (net.Conn, time.Duration, error) {
	start := time.Now()

	conn, err := dial(ctx, srv.Host, dialTimeout)
	if err != nil {
		return nil, 0, err
	}

	selectPayload := protocol.EncodeSelectImagePayload(protocol.SelectImagePayload{
		ProtocolVersion: protocol.MinProtocolVersion,
		Name:            p.ImageName,
		Revision:        p.ImageRid,
	})

	if err := protocol.EncodeRequest(conn, protocol.Request{Cmd: protocol.CmdSelectImage, Size: uint32(len(selectPayload))}); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	if _, err := conn.Write(selectPayload); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	reply, err := protocol.DecodeReply(conn)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	body := make([]byte, reply.Size)
	if _, err := io.ReadFull(conn, body); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	if reply.Cmd == protocol.CmdError {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("rtt: alt-server %s does not have image %s r%d", srv.Host, p.ImageName, p.ImageRid)
	}

	payload, err := protocol.DecodeSelectImagePayload(body)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	if payload.ProtocolVersion < protocol.MinProtocolVersion {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("rtt: protocol version %d below minimum %d", payload.ProtocolVersion, protocol.MinProtocolVersion)
	}

	if payload.VirtualSize != p.VirtSize {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("rtt: virtual size mismatch: have %d, want %d", payload.VirtualSize, p.VirtSize)
	}

	if err := protocol.EncodeRequest(conn, protocol.Request{Cmd: protocol.CmdGetBlock, Size: protocol.BlockSize, Offset: 0}); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	blockReply, err := protocol.DecodeReply(conn)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	blockBody := make([]byte, blockReply.Size)
	if _, err := io.ReadFull(conn, blockBody); err != nil {
		_ = conn.Close()
		return nil, 0, err
	}

	return conn, time.Since(start), nil
}

// Run executes one probe pass: up to 4 candidates are tried (including the
// current server if still connected), each is timed, RTT rings/EWMAs are
// updated, and the switch decision is evaluated.
func (p *Prober) Run(ctx context.Context, candidates []*altsrv.Server, current *altsrv.Server, currentRTT time.Duration, currentConnected bool, dial dialFunc) Verdict {
	if dial == nil {
		dial = defaultDial
	}

	type result struct {
		srv  *altsrv.Server
		conn net.Conn
		rtt  time.Duration
	}

	var results []result

	tried := candidates
	if len(tried) > 4 {
		tried = tried[:4]
	}

	if current != nil && currentConnected && !containsServer(tried, current) {
		tried = append(tried, current)
	}

	for _, srv := range tried {
		conn, rtt, err := p.probeOne(ctx, dial, srv)
		if err != nil {
			srv.RecordFailure(altsrv.FailureStep)
			continue
		}

		srv.RecordRTT(rtt)
		srv.ClearFailures()

		results = append(results, result{srv: srv, conn: conn, rtt: rtt})
	}

	// Close every probe connection except the eventual winner's.
	defer func() {
		for _, r := range results {
			if r.conn != nil {
				_ = r.conn.Close()
			}
		}
	}()

	if len(results) == 0 {
		return Verdict{Kind: NotReachable}
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.rtt < best.rtt {
			best = r
		}
	}

	// §4.5 "each probe the best server accumulates bestCount (+2, capped at
	// 50); others decay (-1)".
	for _, r := range results {
		if r.srv == best.srv {
			r.srv.BumpBestCount(2)
		} else {
			r.srv.BumpBestCount(-1)
		}
	}

	// §4.5 step 4 penalties.
	effectiveCurrentRTT := currentRTT
	if p.cycleDetected {
		effectiveCurrentRTT += time.Second
	}

	if !currentConnected {
		effectiveCurrentRTT += 50 * time.Millisecond
	}

	verdict := p.decide(best.srv, best.rtt, current, effectiveCurrentRTT, currentConnected)

	if verdict.Kind == DoChange {
		verdict.Conn = best.conn
		// prevent the deferred close from reclaiming the winner
		for i := range results {
			if results[i].srv == best.srv {
				results[i].conn = nil
			}
		}

		p.recordSwitch(current, best.srv)
	}

	return verdict
}

func containsServer(list []*altsrv.Server, s *altsrv.Server) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}

	return false
}

func (p *Prober) recordSwitch(from, to *altsrv.Server) {
	var fromHost string
	if from != nil {
		fromHost = from.Host
	}

	p.cycleDetected = p.lastTwo[0] == to.Host && p.lastTwo[1] == fromHost
	p.lastTwo[0] = fromHost
	p.lastTwo[1] = to.Host
}

// decide implements the §4.5 switch-decision state machine.
func (p *Prober) decide(best *altsrv.Server, bestRTT time.Duration, current *altsrv.Server, currentRTT time.Duration, currentConnected bool) Verdict {
	if !currentConnected || current == nil {
		return Verdict{Kind: DoChange, Best: best, RTT: bestRTT}
	}

	if best == current {
		return Verdict{Kind: DontChange}
	}

	if currentRTT > bestRTT+RTTAbsoluteThreshold {
		return Verdict{Kind: DoChange, Best: best, RTT: bestRTT}
	}

	if time.Duration(float64(currentRTT)*RTTThresholdFactor) > bestRTT+1000*time.Microsecond {
		return Verdict{Kind: DoChange, Best: best, RTT: bestRTT}
	}

	if best.BestCount() > 12 && rand.Intn(50) < best.BestCount() && bestRTT < currentRTT { //nolint:gosec // hysteresis jitter, not security sensitive
		if best.BestCount()-current.BestCount() < 8 {
			return Verdict{Kind: DontChange} // anti-flap gate
		}

		return Verdict{Kind: DoChange, Best: best, RTT: bestRTT}
	}

	return Verdict{Kind: DontChange}
}
