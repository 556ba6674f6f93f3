package uplink

import (
	"context"
	"time"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/rtt"
)

// rttLoop runs the periodic RTT probe for this uplink's image (§4.5): it
// grows the interval toward DelayMax after each switch (handled in
// handleVerdict) and shrinks back to DelayInit only on restart, per the
// source's documented behavior.
func (w *Worker) rttLoop() {
	timer := time.NewTimer(w.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-w.shutdownCh:
			return
		case <-timer.C:
			w.runProbe()
			timer.Reset(w.currentInterval())
		}
	}
}

func (w *Worker) currentInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.altCheckInterval <= 0 {
		return rtt.DelayInit
	}

	return w.altCheckInterval
}

func (w *Worker) runProbe() {
	if w.altReg == nil {
		return
	}

	candidates := w.altReg.UplinkCandidates(4, true, false, altsrv.ProtocolFailureStep, altsrv.RTTInitWindow)

	w.mu.Lock()
	current := w.current
	connected := w.conn != nil
	w.mu.Unlock()

	var currentRTT time.Duration
	if current != nil {
		currentRTT = current.AverageRTT()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdict := w.prober.Run(ctx, candidates, current, currentRTT, connected, nil)
	if verdict.Kind == rtt.NotReachable {
		if w.log != nil {
			w.log.Warn("no alt-server reachable during RTT probe")
		}

		return
	}

	select {
	case w.verdictCh <- verdict:
	default:
	}
}
