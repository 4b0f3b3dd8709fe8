package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/moat"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/stage"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/transportprovider"
)

// PersistedTransportSettingsKey is where the winning candidate's
// TransportConfig is persisted once an AutoBootstrapAttempt succeeds
// ("persist this setting to SettingsStore").
const PersistedTransportSettingsKey = "connect.transport_settings"

// AutoBootstrapAttempt is single-use: fetches candidate
// circumvention settings from Moat and tries each in turn via a nested
// BootstrapAttempt.
type AutoBootstrapAttempt struct {
	provider          transportprovider.Provider
	moatClient        *moat.Client
	settings          settingsstore.Store
	builtinTransports []string
	log               zerolog.Logger

	mu       sync.Mutex
	current  *BootstrapAttempt
	cancel   context.CancelFunc
	detected string
}

// NewAutoBootstrapAttempt constructs an attempt. builtinTransports is the
// set of transport names offered to Moat alongside "vanilla".
func NewAutoBootstrapAttempt(provider transportprovider.Provider, moatClient *moat.Client, settings settingsstore.Store, builtinTransports []string, log zerolog.Logger) *AutoBootstrapAttempt {
	return &AutoBootstrapAttempt{
		provider:          provider,
		moatClient:        moatClient,
		settings:          settings,
		builtinTransports: builtinTransports,
		log:               log.With().Str("component", "auto_bootstrap_attempt").Logger(),
	}
}

// Run snapshots the current settings, fetches candidate circumvention
// settings, tries each in turn, and persists or restores settings
// depending on the outcome.
func (a *AutoBootstrapAttempt) Run(ctx context.Context, onProgress func(progress int), opts stage.Options) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	// The "existing settings" snapshot is taken once here and restored
	// verbatim on failure/cancellation, ignoring any concurrent
	// SettingsStore/TransportProvider writes during the attempt.
	//
	// The snapshot and the Moat candidate fetch don't depend on each other,
	// so they run concurrently via errgroup: the first of the two to fail
	// cancels gctx and aborts the other (the same parallel-prefetch shape
	// used to minimize round-trip latency against several independent
	// sources before starting the real work).
	var (
		existing       json.RawMessage
		candidates     []json.RawMessage
		detectedRegion string
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		var err error
		existing, err = a.provider.CurrentSettings(gctx)
		if err != nil {
			return fmt.Errorf("auto bootstrap: snapshot current settings: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		candidates, detectedRegion, err = a.fetchCandidates(gctx, opts.RegionCode)
		return err
	})
	err := g.Wait()
	a.mu.Lock()
	a.detected = detectedRegion
	a.mu.Unlock()
	if err != nil {
		if isCancelled(runCtx) {
			return ResultCancelled, nil
		}
		return "", err
	}
	if len(candidates) == 0 {
		if opts.RegionCode == "" || opts.RegionCode == "automatic" {
			return "", stage.NewBootstrapError(stage.ErrorCannotDetermineCountry, "could not determine a circumvention region")
		}
		return "", stage.NewBootstrapError(stage.ErrorNoSettingsForCountry, fmt.Sprintf("no circumvention settings for region %q", opts.RegionCode))
	}

	for _, candidate := range candidates {
		if isCancelled(runCtx) {
			a.restore(ctx, existing)
			return ResultCancelled, nil
		}

		merged, err := mergeSettings(existing, candidate)
		if err != nil {
			a.restore(ctx, existing)
			return "", err
		}
		if err := a.provider.ApplySettings(runCtx, merged); err != nil {
			if isCancelled(runCtx) {
				a.restore(ctx, existing)
				return ResultCancelled, nil
			}
			a.restore(ctx, existing)
			return "", fmt.Errorf("auto bootstrap: apply candidate settings: %w", err)
		}

		attempt := NewBootstrapAttempt(a.provider, a.moatClient, a.log)
		a.mu.Lock()
		a.current = attempt
		a.mu.Unlock()

		result, err := attempt.Run(runCtx, onProgress, opts)
		if err != nil {
			var bErr *stage.BootstrapError
			if errors.As(err, &bErr) {
				// Per-attempt terminal error: try the next candidate.
				continue
			}
			a.restore(ctx, existing)
			return "", err
		}
		switch result {
		case ResultComplete:
			if err := a.settings.SetString(ctx, PersistedTransportSettingsKey, string(candidate)); err != nil {
				a.restore(ctx, existing)
				return "", fmt.Errorf("auto bootstrap: persist winning settings: %w", err)
			}
			return ResultComplete, nil
		case ResultCancelled:
			a.restore(ctx, existing)
			return ResultCancelled, nil
		case ResultOffline:
			// Treated the same as a BootstrapError: this candidate didn't
			// produce a usable transport, try the next one.
			continue
		}
	}

	a.restore(ctx, existing)
	return "", stage.NewBootstrapError(stage.ErrorAllSettingsFailed, "every circumvention setting failed")
}

func (a *AutoBootstrapAttempt) fetchCandidates(ctx context.Context, regionCode string) ([]json.RawMessage, string, error) {
	transports := append(append([]string(nil), a.builtinTransports...), "vanilla")

	settings, err := a.moatClient.CircumventionSettings(ctx, transports, regionCode)
	if err != nil {
		return nil, "", fmt.Errorf("auto bootstrap: circumvention_settings: %w", err)
	}
	if len(settings.Settings) > 0 {
		return settings.Settings, settings.Country, nil
	}

	defaults, err := a.moatClient.CircumventionDefaults(ctx, transports)
	if err != nil {
		return nil, "", fmt.Errorf("auto bootstrap: circumvention_defaults: %w", err)
	}
	return defaults.Settings, settings.Country, nil
}

// restore reapplies the pre-attempt settings. It deliberately strips any
// cancellation from ctx so the restoration itself isn't aborted by the same
// cancel that ended the attempt.
func (a *AutoBootstrapAttempt) restore(ctx context.Context, original json.RawMessage) {
	if err := a.provider.ApplySettings(context.WithoutCancel(ctx), original); err != nil {
		a.log.Warn().Err(err).Msg("failed to restore prior transport settings after auto-bootstrap")
	}
}

// DetectedRegion returns the country Moat detected while fetching candidate
// settings, or "" if none was fetched or Moat returned none. Safe to call
// after Run returns, including after an error.
func (a *AutoBootstrapAttempt) DetectedRegion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detected
}

// Cancel cancels both the in-flight nested BootstrapAttempt and the Moat
// request racing against it ("Cancellation aborts the current
// sub-bootstrap and the Moat request simultaneously").
func (a *AutoBootstrapAttempt) Cancel() {
	a.mu.Lock()
	current := a.current
	cancel := a.cancel
	a.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

func isCancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func mergeSettings(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged := string(base)
	if merged == "" {
		merged = "{}"
	}
	var setErr error
	gjson.ParseBytes(overlay).ForEach(func(key, value gjson.Result) bool {
		merged, setErr = sjson.SetRaw(merged, key.String(), value.Raw)
		return setErr == nil
	})
	if setErr != nil {
		return nil, fmt.Errorf("merge transport settings: %w", setErr)
	}
	return json.RawMessage(merged), nil
}
