package connect

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/moat"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/stage"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/transportprovider"
)

// Outcomes of a single BootstrapAttempt.
const (
	ResultComplete  = "complete"
	ResultOffline   = "offline"
	ResultCancelled = "cancelled"
)

// BootstrapAttempt is single-use: call Run once, then discard it.
type BootstrapAttempt struct {
	provider   transportprovider.Provider
	moatClient *moat.Client
	log        zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	resolved bool
}

// NewBootstrapAttempt constructs an attempt against provider, using
// moatClient for the optional InternetProbe.
func NewBootstrapAttempt(provider transportprovider.Provider, moatClient *moat.Client, log zerolog.Logger) *BootstrapAttempt {
	return &BootstrapAttempt{
		provider:   provider,
		moatClient: moatClient,
		log:        log.With().Str("component", "bootstrap_attempt").Logger(),
	}
}

// Run starts TransportProvider's bootstrap, races an optional InternetProbe
// against its progress, and resolves to one of ResultComplete, ResultOffline,
// or ResultCancelled, or returns a *stage.BootstrapError.
func (a *BootstrapAttempt) Run(ctx context.Context, onProgress func(progress int), opts stage.Options) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.resolved = true
		a.mu.Unlock()
		cancel()
	}()

	events, err := a.provider.StartBootstrap(runCtx, nil)
	if err != nil {
		return "", fmt.Errorf("bootstrap attempt: start: %w", err)
	}

	var probe *internetProbe
	var probeResultCh chan moat.InternetReachability
	if opts.TestInternet {
		probe = newInternetProbe(a.moatClient, a.log, opts.SimulateProbeResult)
		probeResultCh = make(chan moat.InternetReachability, 1)
		probe.start(runCtx, func(r moat.InternetReachability) {
			select {
			case probeResultCh <- r:
			default:
			}
		}, nil)
		defer probe.cancel()
	}

	var pending *stage.BootstrapError
	var known moat.InternetReachability
	for {
		select {
		case <-runCtx.Done():
			return ResultCancelled, nil

		case ev, ok := <-events:
			if !ok {
				if pending != nil {
					// The transport gave up before the forced probe answered:
					// stop reading the closed channel and wait for the probe.
					events = nil
					continue
				}
				return "", fmt.Errorf("bootstrap attempt: transport closed without a result")
			}
			switch ev.Kind {
			case "progress":
				if onProgress != nil {
					onProgress(ev.Progress)
				}
			case "complete":
				return ResultComplete, nil
			case "error":
				bErr := &stage.BootstrapError{
					Code:    stage.ErrorBootstrapError,
					Message: errMessage(ev.Err),
					Phase:   ev.Phase,
					Reason:  ev.Reason,
				}
				if probe == nil {
					return "", bErr
				}
				if known != "" {
					// The probe already resolved on its own schedule.
					if known == moat.Offline {
						return ResultOffline, nil
					}
					return "", bErr
				}
				// The error arrived before the probe fired on its own
				// schedule: force it to run immediately so the error can be
				// disambiguated.
				pending = bErr
				probe.forceNow(runCtx)
			}

		case reach := <-probeResultCh:
			if pending == nil {
				// Probe resolved before any transport error; remember its
				// verdict and keep waiting for the transport.
				known = reach
				continue
			}
			if reach == moat.Offline {
				return ResultOffline, nil
			}
			return "", pending
		}
	}
}

// Cancel resolves the attempt to ResultCancelled unless it has already
// resolved, per ("Cancel is idempotent, completes even if the
// underlying bootstrap has already resolved").
func (a *BootstrapAttempt) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
