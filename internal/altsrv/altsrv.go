// Package altsrv implements the Alt-Server Registry (spec §3, §4.4): the
// fixed-size table of candidate upstreams, their RTT history, and the
// failure bookkeeping that the RTT probe and switch decision consume.
package altsrv

import (
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/VividCortex/ewma"
	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/samber/lo"

	"github.com/dnbd3/dnbd3proxy/internal/config"
)

// MaxServers bounds the table size (§4.4 "A fixed-size table (<= 16
// entries)").
const MaxServers = 16

// RTTSamples is the ring buffer size for RTT history (§3 "N = 4 or 5").
const RTTSamples = 5

// FailureStep is the default fail-count increment for a transient failure.
const FailureStep = 1

// ProtocolFailureStep is the larger increment for a handshake/protocol
// mismatch (§7 "incrementing the fail counter by a larger step (e.g. 10)").
const ProtocolFailureStep = 10

// RTTInitWindow suppresses repeated failure accounting from many uplinks
// sharing the same upstream within this window (§4.4 "report_failure").
const RTTInitWindow = 2 * time.Second

// Server is one alt-server candidate.
type Server struct {
	Host    string // host:port
	Comment string

	Private    bool // replication only, never advertised to clients
	ClientOnly bool // advertised only, never dialed for replication

	mu deadlock.Mutex

	rttRing  [RTTSamples]time.Duration
	rttCount int
	rttIdx   int

	liveRTT ewma.MovingAverage

	failCount   int
	lastFailure time.Time

	bestCount int

	connected bool
}

func newServer(host, comment string, private, clientOnly bool) *Server {
	return &Server{
		Host:       host,
		Comment:    comment,
		Private:    private,
		ClientOnly: clientOnly,
		liveRTT:    ewma.NewMovingAverage(7),
	}
}

// RecordRTT pushes a fresh RTT sample into the ring and updates the EWMA
// "live RTT" (§3, §4.5 "Update that candidate's RTT ring; compute the new
// EWMA").
func (s *Server) RecordRTT(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rttRing[s.rttIdx] = d
	s.rttIdx = (s.rttIdx + 1) % RTTSamples

	if s.rttCount < RTTSamples {
		s.rttCount++
	}

	if s.liveRTT.Value() == 0 {
		s.liveRTT.Set(float64(d))
	} else {
		s.liveRTT.Add(float64(d))
	}
}

// ProductionRTT feeds a production-path reply latency into the same EWMA
// (§4.5 "Production-path RTT"): liveRtt = (3*liveRtt + observed) / 4, which
// is what ewma.NewMovingAverage(7) computes on each Add (decay 2/(7+1) =
// 1/4). The first sample seeds the average through Set, so AverageRTT is
// non-zero from the first sample on instead of after the library's warm-up.
func (s *Server) ProductionRTT(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveRTT.Value() == 0 {
		s.liveRTT.Set(float64(d))
	} else {
		s.liveRTT.Add(float64(d))
	}
}

// AverageRTT returns the current EWMA RTT estimate.
func (s *Server) AverageRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return time.Duration(s.liveRTT.Value())
}

// FailCount returns the current consecutive-failure counter.
func (s *Server) FailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failCount
}

// LastFailure returns the timestamp of the most recent recorded failure.
func (s *Server) LastFailure() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastFailure
}

// RecordFailure increments the fail counter by step unless the previous
// failure fell within RTTInitWindow (§4.4 "suppresses stampede when many
// uplinks share the same upstream").
func (s *Server) RecordFailure(step int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastFailure.IsZero() && time.Since(s.lastFailure) < RTTInitWindow {
		return
	}

	s.failCount += step
	s.lastFailure = time.Now()
}

// ClearFailures resets the fail counter after a successful exchange.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = 0
}

// BestCount returns the current hysteresis score (§4.5 "best-count switch").
func (s *Server) BestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bestCount
}

// BumpBestCount increments by delta, capping at 50 and floored at 0.
func (s *Server) BumpBestCount(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bestCount += delta
	if s.bestCount > 50 {
		s.bestCount = 50
	}

	if s.bestCount < 0 {
		s.bestCount = 0
	}
}

func (s *Server) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Server) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}

// Registry is the fixed-size alt-server table. Structural mutations (add,
// rearrange, remove) take mu; per-server counters are updated through each
// Server's own mutex without the structural lock, with the RTT probe as the
// single writer (§4.4).
type Registry struct {
	mu      deadlock.Mutex
	servers []*Server
}

// NewRegistry constructs an empty alt-server table.
func NewRegistry() *Registry {
	return &Registry{}
}

// LoadFromConfig populates the registry from parsed alt-servers file lines.
func LoadFromConfig(lines []config.AltServerLine) *Registry {
	reg := NewRegistry()
	for _, l := range lines {
		_ = reg.Add(l.Address, l.Comment, l.Private, l.ClientOnly)
	}

	return reg
}

// Add inserts a server, enforcing the MaxServers bound.
func (r *Registry) Add(host, comment string, private, clientOnly bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.servers) >= MaxServers {
		return false
	}

	r.servers = append(r.servers, newServer(host, comment, private, clientOnly))

	return true
}

// Remove drops a server by host.
func (r *Registry) Remove(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers = lo.Filter(r.servers, func(s *Server, _ int) bool { return s.Host != host })
}

// All returns a snapshot of every server in the table.
func (r *Registry) All() []*Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Server, len(r.servers))
	copy(out, r.servers)

	return out
}

// ByHost looks up a server by host, or nil.
func (r *Registry) ByHost(host string) *Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.servers {
		if s.Host == host {
			return s
		}
	}

	return nil
}

// ClientList computes the client-facing server list (§4.4 "Closeness
// score"): sorted by score-failCount descending, at most n returned.
// clientAddr and server addresses are compared as a coarse prefix-nibble
// match; differing address families incur a heavy penalty.
func (r *Registry) ClientList(clientAddr string, n int) []*Server {
	all := lo.Filter(r.All(), func(s *Server, _ int) bool { return !s.Private })

	type scored struct {
		s     *Server
		score int
	}

	scoredList := lo.Map(all, func(s *Server, _ int) scored {
		return scored{s: s, score: closenessScore(clientAddr, s.Host) - s.FailCount()}
	})

	// Stable sort descending by score.
	for i := 1; i < len(scoredList); i++ {
		for j := i; j > 0 && scoredList[j].score > scoredList[j-1].score; j-- {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
		}
	}

	out := make([]*Server, 0, n)

	for i, sc := range scoredList {
		if i >= n {
			break
		}

		out = append(out, sc.s)
	}

	return out
}

// closenessScore counts matching leading nibbles between two host[:port]
// addresses, after stripping ports and resolving to IPs if possible. Same
// address family is required; a family mismatch incurs a heavy penalty.
func closenessScore(a, b string) int {
	ipA := hostIP(a)
	ipB := hostIP(b)

	if ipA == nil || ipB == nil {
		return 0
	}

	a4, b4 := ipA.To4(), ipB.To4()
	if (a4 == nil) != (b4 == nil) {
		return -1000 // family mismatch: heavy penalty
	}

	var ba, bb []byte
	if a4 != nil {
		ba, bb = a4, b4
	} else {
		ba, bb = ipA.To16(), ipB.To16()
	}

	count := 0

	for i := 0; i < len(ba) && i < len(bb); i++ {
		hi := nibbleMatch(ba[i]>>4, bb[i]>>4)
		if hi == 0 {
			break
		}

		low := nibbleMatch(ba[i]&0xF, bb[i]&0xF)
		count += hi + low

		if low == 0 {
			break
		}
	}

	return count
}

func nibbleMatch(a, b byte) int {
	if a == b {
		return 1
	}

	return 0
}

func hostIP(hostport string) net.IP {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	} else if strings.Contains(hostport, ":") && strings.Count(hostport, ":") == 1 {
		host = strings.SplitN(hostport, ":", 2)[0]
	}

	return net.ParseIP(host)
}

// UplinkCandidates implements the two-pass uplink candidate selection of
// §4.4: first pass picks only zero-failure, non-client-only servers
// (private eligibility gated by allowPrivate); the second pass considers
// failing servers but skips those whose last failure is recent and whose
// fail-count exceeds threshold, unless emergency. The first slot returned
// is randomly swapped each call to tie-break among equals.
func (r *Registry) UplinkCandidates(max int, allowPrivate, emergency bool, failThreshold int, recentWindow time.Duration) []*Server {
	all := r.All()

	eligible := func(s *Server) bool {
		if s.ClientOnly {
			return false
		}

		if s.Private && !allowPrivate {
			return false
		}

		return true
	}

	var firstPass []*Server

	for _, s := range all {
		if eligible(s) && s.FailCount() == 0 {
			firstPass = append(firstPass, s)
		}
	}

	if len(firstPass) < max {
		for _, s := range all {
			if !eligible(s) || s.FailCount() == 0 {
				continue
			}

			recent := time.Since(s.LastFailure()) < recentWindow
			if recent && s.FailCount() > failThreshold && !emergency {
				continue
			}

			firstPass = append(firstPass, s)
		}
	}

	if len(firstPass) > 1 {
		i := rand.Intn(len(firstPass)) //nolint:gosec // tie-break randomness, not security sensitive
		firstPass[0], firstPass[i] = firstPass[i], firstPass[0]
	}

	if len(firstPass) > max {
		firstPass = firstPass[:max]
	}

	return firstPass
}
