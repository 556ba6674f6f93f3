package rtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
)

func server(t *testing.T, host string) *altsrv.Server {
	t.Helper()

	r := altsrv.NewRegistry()
	r.Add(host, "", false, false)

	return r.ByHost(host)
}

func TestDecideSwitchesWhenNotConnected(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	best := server(t, "best:1")

	v := p.decide(best, 10*time.Millisecond, nil, 0, false)
	assert.Equal(t, DoChange, v.Kind)
	assert.Same(t, best, v.Best)
}

func TestDecideKeepsCurrentWhenAlreadyBest(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	cur := server(t, "cur:1")

	v := p.decide(cur, 10*time.Millisecond, cur, 10*time.Millisecond, true)
	assert.Equal(t, DontChange, v.Kind)
}

func TestDecideSwitchesOnAbsoluteThreshold(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	best := server(t, "best:1")
	cur := server(t, "cur:1")

	v := p.decide(best, 10*time.Millisecond, cur, 10*time.Millisecond+RTTAbsoluteThreshold+time.Millisecond, true)
	assert.Equal(t, DoChange, v.Kind)
}

func TestDecideSwitchesOnRelativeThreshold(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	best := server(t, "best:1")
	cur := server(t, "cur:1")

	// currentRTT*(2/3) > bestRTT+1ms: best is substantially faster than
	// current, but the gap is below the absolute threshold.
	v := p.decide(best, 5*time.Millisecond, cur, 12*time.Millisecond, true)
	assert.Equal(t, DoChange, v.Kind)
}

func TestDecideHysteresisSwitchesPastAntiFlapGate(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	best := server(t, "best:1")
	cur := server(t, "cur:1")

	// BestCount=50 makes rand.Intn(50) < 50 always true.
	for i := 0; i < 30; i++ {
		best.BumpBestCount(2)
	}
	assert.Equal(t, 50, best.BestCount())

	v := p.decide(best, 10*time.Millisecond, cur, 15*time.Millisecond, true)
	assert.Equal(t, DoChange, v.Kind)
}

func TestDecideAntiFlapGateBlocksCloseCounts(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	best := server(t, "best:1")
	cur := server(t, "cur:1")

	for i := 0; i < 30; i++ {
		best.BumpBestCount(2)
		cur.BumpBestCount(2)
	}
	assert.Equal(t, 50, best.BestCount())
	assert.Equal(t, 50, cur.BestCount())

	v := p.decide(best, 10*time.Millisecond, cur, 15*time.Millisecond, true)
	assert.Equal(t, DontChange, v.Kind)
}

func TestDecideDefaultsToNoChange(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	best := server(t, "best:1")
	cur := server(t, "cur:1")

	v := p.decide(best, 10*time.Millisecond, cur, 11*time.Millisecond, true)
	assert.Equal(t, DontChange, v.Kind)
}

func TestRecordSwitchDetectsCycle(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	a := server(t, "a:1")
	b := server(t, "b:1")

	p.recordSwitch(a, b)
	assert.False(t, p.cycleDetected)

	p.recordSwitch(b, a)
	assert.True(t, p.cycleDetected)
}

func TestRunReturnsNotReachableWhenAllDialsFail(t *testing.T) {
	p := NewProber("alpine", 1, 4096)
	a := server(t, "a:1")

	failingDial := func(_ context.Context, _ string, _ time.Duration) (net.Conn, error) {
		return nil, fmt.Errorf("dial refused")
	}

	v := p.Run(context.Background(), []*altsrv.Server{a}, nil, 0, false, failingDial)
	assert.Equal(t, NotReachable, v.Kind)
	assert.Equal(t, 1, a.FailCount())
}
