package connect

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/moat"
)

// probeMinDelay and probeMaxDelay bound the randomized delay before
// InternetProbe issues its request.
const (
	probeMinDelay = 25 * time.Second
	probeMaxDelay = 35 * time.Second
)

// internetProbe is InternetProbe: a one-shot reachability test
// fired after a randomized delay, with explicit cancellation. No pack
// library offers a ranged-duration picker (go.mau.fi/util/random only
// generates raw byte strings), so the uniform pick itself is plain
// math/rand/v2 — see DESIGN.md.
type internetProbe struct {
	moatClient *moat.Client
	log        zerolog.Logger

	override string // SimulateProbeResult, set by tests

	mu        sync.Mutex
	cancelled bool
	done      bool
	onResult  func(moat.InternetReachability)
	onError   func(error)

	cancelTimer context.CancelFunc
}

func newInternetProbe(moatClient *moat.Client, log zerolog.Logger, override string) *internetProbe {
	return &internetProbe{moatClient: moatClient, log: log.With().Str("component", "internet_probe").Logger(), override: override}
}

// start schedules the probe. onResult fires with the reachability outcome
// unless the probe is cancelled first.
func (p *internetProbe) start(ctx context.Context, onResult func(moat.InternetReachability), onError func(error)) {
	p.mu.Lock()
	p.onResult = onResult
	p.onError = onError
	p.mu.Unlock()

	delayCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelTimer = cancel
	p.mu.Unlock()

	delay := probeMinDelay + time.Duration(rand.Int64N(int64(probeMaxDelay-probeMinDelay)))
	go p.wait(delayCtx, delay)
}

// forceNow runs the probe immediately, skipping the randomized delay: if a
// transport error arrives first, the probe is force-run to disambiguate it.
func (p *internetProbe) forceNow(ctx context.Context) {
	p.mu.Lock()
	if p.cancelTimer != nil {
		p.cancelTimer()
	}
	delayCtx, cancel := context.WithCancel(ctx)
	p.cancelTimer = cancel
	p.mu.Unlock()
	go p.wait(delayCtx, 0)
}

func (p *internetProbe) wait(ctx context.Context, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	p.run(ctx)
}

func (p *internetProbe) run(ctx context.Context) {
	p.mu.Lock()
	if p.cancelled || p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	onResult := p.onResult
	p.mu.Unlock()

	var result moat.InternetReachability
	if p.override != "" {
		result = moat.InternetReachability(p.override)
	} else {
		result = p.moatClient.TestInternetConnection(ctx)
	}
	if onResult != nil {
		onResult(result)
	}
}

// cancel is idempotent; a probe already fired or already cancelled is a
// no-op ("Cancel is idempotent").
func (p *internetProbe) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return
	}
	p.cancelled = true
	if p.cancelTimer != nil {
		p.cancelTimer()
	}
}
