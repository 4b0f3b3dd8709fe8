package connect

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/eventbus"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/moat"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/stage"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/transportprovider"
)

// Persisted settings keys for the quick-start / process-exit-recovery flags
//. Not named in its persisted-key table, which enumerates
// only the Lox-credential keys; these follow the same "bridges.*"-style
// dotted naming for the connect subsystem.
const (
	keyQuickstartEnabled = "connect.quickstart_enabled"
	keyPromptAtStartup   = "connect.prompt_at_startup"
)

// ErrBootstrapInProgress is returned by BeginBootstrapping when an attempt
// is already live ("only one (Auto)BootstrapAttempt is live; new
// beginBootstrapping calls while one is running are rejected").
var ErrBootstrapInProgress = errors.New("connect: a bootstrap attempt is already in progress")

// ErrCannotBeginBootstrap is returned when the current stage fails the
// canBeginBootstrap/canBeginAutoBootstrap gate.
var ErrCannotBeginBootstrap = errors.New("connect: cannot begin a bootstrap attempt from the current stage")

type cancelFunc func()

// Orchestrator is ConnectOrchestrator: the stage machine driving
// an anonymizing transport from cold-start to Bootstrapped.
type Orchestrator struct {
	provider          transportprovider.Provider
	moatClient        *moat.Client
	settings          settingsstore.Store
	bus               *eventbus.Bus
	log               zerolog.Logger
	builtinTransports []string

	mu                 sync.Mutex
	stg                stage.Stage
	bootstrapTrigger   *stage.Stage
	tryAgain           bool
	potentiallyBlocked bool
	lastError          *stage.BootstrapError
	defaultRegion      string
	progress           int
	busy               bool
	requestedStage     *stage.Stage
	currentCancel      cancelFunc
	quickstartEnabled  bool
	promptAtStartup    bool
	unsubReady         func()
	unsubExit          func()
}

// New constructs an Orchestrator in stage Loading; call Init to load its
// persisted flags and reach Start.
func New(provider transportprovider.Provider, moatClient *moat.Client, settings settingsstore.Store, bus *eventbus.Bus, builtinTransports []string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		provider:          provider,
		moatClient:        moatClient,
		settings:          settings,
		bus:               bus,
		builtinTransports: builtinTransports,
		log:               log.With().Str("component", "connect_orchestrator").Logger(),
		stg:               stage.Loading,
	}
}

// Init loads the quick-start / prompt-at-startup flags, wires process-exit
// recovery and quick-start to the TransportProvider, and enters Start.
func (o *Orchestrator) Init(ctx context.Context) error {
	quickstart, err := o.settings.GetString(ctx, keyQuickstartEnabled)
	if err != nil {
		return err
	}
	prompt, err := o.settings.GetString(ctx, keyPromptAtStartup)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.quickstartEnabled = quickstart == "true"
	o.promptAtStartup = prompt == "true"
	o.stg = stage.Start
	o.mu.Unlock()

	o.unsubReady = o.provider.OnReady(func() { o.onProviderReady() })
	o.unsubExit = o.provider.OnExit(func() { o.onProviderExit() })

	o.emitSnapshot()
	return nil
}

// Uninit unregisters the TransportProvider callbacks.
func (o *Orchestrator) Uninit() {
	if o.unsubReady != nil {
		o.unsubReady()
	}
	if o.unsubExit != nil {
		o.unsubExit()
	}
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() stage.Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stg
}

// Snapshot returns a copy of the current StageSnapshot.
func (o *Orchestrator) Snapshot() stage.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() stage.Snapshot {
	return stage.Snapshot{
		Name:               o.stg,
		DefaultRegion:      o.defaultRegion,
		BootstrapTrigger:   o.bootstrapTrigger,
		Error:              o.lastError,
		TryAgain:           o.tryAgain,
		PotentiallyBlocked: o.potentiallyBlocked,
		Status:             stage.Status{Progress: o.progress, HasWarning: o.potentiallyBlocked},
	}
}

func (o *Orchestrator) emitSnapshot() {
	o.mu.Lock()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.bus.Emit(eventbus.TopicStageChange, snap)
}

// BeginBootstrapping starts an ordinary bootstrap when regionCode is nil, or
// an auto-bootstrap otherwise ("automatic" meaning "let Moat detect the
// country"). It blocks until the attempt resolves; callers that want this
// to run in the background should invoke it in a goroutine (the
// stage machine is conceptually single-threaded cooperative, each await
// point an explicit suspension — BeginBootstrapping's body models exactly
// one such await chain).
func (o *Orchestrator) BeginBootstrapping(ctx context.Context, regionCode *string) error {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrBootstrapInProgress
	}
	if !canBegin(o.stg, regionCode) {
		o.mu.Unlock()
		return ErrCannotBeginBootstrap
	}
	beginStage := o.stg
	trigger := beginStage
	o.bootstrapTrigger = &trigger
	o.stg = stage.Bootstrapping
	o.busy = true
	o.requestedStage = nil
	o.progress = 0
	o.mu.Unlock()
	o.emitSnapshot()

	explicitRegion := regionCode != nil && *regionCode != "" && *regionCode != "automatic"

	var (
		result         string
		err            error
		detectedRegion string
	)
	if regionCode == nil {
		attempt := NewBootstrapAttempt(o.provider, o.moatClient, o.log)
		o.setCurrentCancel(attempt.Cancel)
		result, err = attempt.Run(ctx, o.onProgress, stage.Options{TestInternet: true})
	} else {
		region := *regionCode
		if region == "automatic" {
			region = ""
		}
		attempt := NewAutoBootstrapAttempt(o.provider, o.moatClient, o.settings, o.builtinTransports, o.log)
		o.setCurrentCancel(attempt.Cancel)
		result, err = attempt.Run(ctx, o.onProgress, stage.Options{RegionCode: region, TestInternet: true})
		detectedRegion = attempt.DetectedRegion()
	}
	o.setCurrentCancel(nil)
	o.resolveAttempt(beginStage, explicitRegion, detectedRegion, result, err)
	return err
}

func canBegin(s stage.Stage, regionCode *string) bool {
	if regionCode == nil {
		return stage.CanBeginBootstrap(s)
	}
	return stage.CanBeginAutoBootstrap(s)
}

func (o *Orchestrator) setCurrentCancel(fn cancelFunc) {
	o.mu.Lock()
	o.currentCancel = fn
	o.mu.Unlock()
}

func (o *Orchestrator) onProgress(progress int) {
	o.mu.Lock()
	o.progress = progress
	o.mu.Unlock()
	o.bus.Emit(eventbus.TopicBootstrapProgress, progress)
}

// resolveAttempt applies the result/error of a just-finished attempt to the
// stage machine (its bullet list), honoring any stage requested
// while the attempt was in flight.
func (o *Orchestrator) resolveAttempt(beginStage stage.Stage, explicitRegion bool, detectedRegion, result string, err error) {
	o.mu.Lock()

	switch {
	case err != nil:
		var bErr *stage.BootstrapError
		if errors.As(err, &bErr) {
			o.tryAgain = true
			o.potentiallyBlocked = true
			o.lastError = bErr
			if detectedRegion != "" {
				o.defaultRegion = detectedRegion
			}
			o.stg = o.errorNextStage(beginStage, explicitRegion, detectedRegion)
		} else {
			o.tryAgain = true
			o.potentiallyBlocked = true
			o.lastError = stage.NewBootstrapError(stage.ErrorExternalError, err.Error())
			o.stg = stage.FinalError
		}
	case result == ResultComplete:
		o.stg = stage.Bootstrapped
		// Progress is forced to 100 here rather than trusting whatever the
		// transport's last progress event reported: TransportProvider makes
		// no guarantee that completion is preceded by an explicit
		// progress=100 event, so Snapshot's "progress==100 iff
		// Bootstrapped" invariant has to be enforced independently of it.
		o.progress = 100
		o.tryAgain = false
		o.potentiallyBlocked = false
		o.lastError = nil
	case result == ResultOffline:
		o.stg = stage.Offline
		o.tryAgain = true
		o.potentiallyBlocked = true
		o.lastError = stage.NewBootstrapError(stage.ErrorOffline, "transport reported offline")
	case result == ResultCancelled:
		o.stg = beginStage
	}

	requested := o.requestedStage
	if requested != nil && result != ResultComplete {
		o.stg = *requested
	}
	o.requestedStage = nil
	o.bootstrapTrigger = nil
	o.busy = false
	if o.stg != stage.Bootstrapped {
		o.progress = 0
	}

	finalErr := o.lastError
	o.mu.Unlock()

	switch {
	case result == ResultComplete:
		o.bus.Emit(eventbus.TopicBootstrapComplete, nil)
	case result == ResultCancelled:
		// Cancellation is not an error; nothing to emit.
	case finalErr != nil:
		o.bus.Emit(eventbus.TopicError, finalErr)
	}
	o.emitSnapshot()
}

// errorNextStage implements its error-dispatch bullet.
func (o *Orchestrator) errorNextStage(beginStage stage.Stage, explicitRegion bool, detectedRegion string) stage.Stage {
	switch beginStage {
	case stage.Start, stage.Offline:
		return stage.ChooseRegion
	case stage.ChooseRegion:
		if explicitRegion || detectedRegion != "" {
			return stage.ConfirmRegion
		}
		return stage.RegionNotFound
	default:
		return stage.FinalError
	}
}

// CancelBootstrapping delegates to the current attempt's cancel, if any.
// Idempotent, and a no-op when no attempt is in flight.
func (o *Orchestrator) CancelBootstrapping() {
	o.mu.Lock()
	cancel := o.currentCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StartAgain requests a transition to Start.
func (o *Orchestrator) StartAgain() {
	o.requestStage(stage.Start, false)
}

// ChooseRegion requests a transition to ChooseRegion.
func (o *Orchestrator) ChooseRegion() {
	o.requestStage(stage.ChooseRegion, false)
}

func (o *Orchestrator) requestStage(target stage.Stage, overrideBootstrapped bool) {
	o.mu.Lock()
	if o.stg == stage.Bootstrapped && !overrideBootstrapped {
		o.mu.Unlock()
		return
	}
	if o.busy {
		o.requestedStage = &target
		cancel := o.currentCancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	o.stg = target
	o.mu.Unlock()
	o.emitSnapshot()
}

// onProviderReady implements the quick-start paragraph of it: iff
// quickstart is enabled and the user isn't prompted at startup, begin an
// ordinary bootstrap as soon as the transport reports it's ready.
func (o *Orchestrator) onProviderReady() {
	o.mu.Lock()
	quickstart := o.quickstartEnabled
	prompt := o.promptAtStartup
	o.mu.Unlock()
	if !quickstart || prompt {
		return
	}
	go func() {
		if err := o.BeginBootstrapping(context.Background(), nil); err != nil {
			o.log.Warn().Err(err).Msg("quick-start bootstrap did not start")
		}
	}()
}

// onProviderExit implements process-exit recovery: force
// prompt_at_startup and request Start, overriding Bootstrapped.
func (o *Orchestrator) onProviderExit() {
	o.mu.Lock()
	o.promptAtStartup = true
	o.mu.Unlock()

	if err := o.settings.SetString(context.Background(), keyPromptAtStartup, "true"); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist prompt_at_startup after transport exit")
	}
	o.requestStage(stage.Start, true)
}
