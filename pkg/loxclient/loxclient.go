// Package loxclient implements LoxClient: the façade over
// CredentialStore, CredentialEngine, and LoxAuthority that exposes invite
// redemption, invite generation, credential introspection, and a background
// refresh loop that keeps a credential's trust level and server-side key
// material current.
package loxclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credential"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credstore"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/eventbus"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/loxauthority"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
)

// DefaultBackgroundRefreshInterval is the period of the pubkey/level-up/
// blockage background task when Config doesn't override it.
const DefaultBackgroundRefreshInterval = 12 * time.Hour

// Settings keys mirrored from SettingsStore.
const (
	settingEnabled = "bridges.enabled"
	settingSource  = "bridges.source"
	settingLoxID   = "bridges.lox_id"

	sourceLox = "lox"
)

// ErrNotInitialized is returned by every public operation before Init
// succeeds ("all require init; otherwise fail with NotInitialized").
var ErrNotInitialized = errors.New("lox client: not initialized")

// ErrBadInvite is surfaced when LoxAuthority rejects an openreq.
var ErrBadInvite = errors.New("lox client: invitation was rejected by the server")

// ErrNoInvitations is returned by generateInvite when the credential's trust
// level is 0.
var ErrNoInvitations = errors.New("lox client: trust level too low to issue invitations")

// ErrRetryLater is returned by generateInvite when pubkeys are not yet
// cached; a refresh has been kicked off in the background.
var ErrRetryLater = errors.New("lox client: public key material not yet cached, retry later")

// Client is LoxClient.
type Client struct {
	settings  settingsstore.Store
	store     *credstore.Store
	engine    credential.Engine
	authority *loxauthority.Client
	bus       *eventbus.Bus
	log       zerolog.Logger

	refreshInterval time.Duration

	mu          sync.Mutex
	initialized bool
	activeLoxID credential.LoxID

	unsubSettings func()
	bgCancel      context.CancelFunc
	refreshCancel context.CancelFunc

	promoMu sync.Mutex
	promo   map[credential.LoxID]string
}

// New constructs a Client. Call Init before use. refreshInterval configures
// the background pubkey/level-up/blockage loop's period; zero means
// DefaultBackgroundRefreshInterval.
func New(settings settingsstore.Store, store *credstore.Store, engine credential.Engine, authority *loxauthority.Client, bus *eventbus.Bus, refreshInterval time.Duration, log zerolog.Logger) *Client {
	if refreshInterval <= 0 {
		refreshInterval = DefaultBackgroundRefreshInterval
	}
	return &Client{
		settings:        settings,
		store:           store,
		engine:          engine,
		authority:       authority,
		bus:             bus,
		refreshInterval: refreshInterval,
		log:             log.With().Str("component", "lox_client").Logger(),
		promo:           make(map[credential.LoxID]string),
	}
}

// Init hydrates the credential store, computes activeLoxId, subscribes to
// the SettingsStore keys that drive it, and starts the background refresh
// loop if appropriate ("init()").
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Load(ctx); err != nil {
		return fmt.Errorf("loxclient: init: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	c.bgCancel = cancel

	c.recomputeActiveLoxIDLocked(bgCtx)
	c.unsubSettings = c.settings.Subscribe([]string{settingEnabled, settingSource, settingLoxID}, func(key string) {
		c.onSettingsChanged(bgCtx)
	})

	c.initialized = true
	c.syncBackgroundRefreshLocked(bgCtx)
	return nil
}

// Uninit stops the background refresh loop and unsubscribes from
// SettingsStore, per its "explicit init/uninit" guidance.
func (c *Client) Uninit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	if c.unsubSettings != nil {
		c.unsubSettings()
		c.unsubSettings = nil
	}
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
	if c.bgCancel != nil {
		c.bgCancel()
		c.bgCancel = nil
	}
	c.initialized = false
}

func (c *Client) onSettingsChanged(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	c.recomputeActiveLoxIDLocked(ctx)
	c.syncBackgroundRefreshLocked(ctx)
}

// recomputeActiveLoxIDLocked mirrors bridges.lox_id from SettingsStore. On
// change it clears events (only events, not invites) and emits
// update-active-lox-id. Caller holds c.mu.
func (c *Client) recomputeActiveLoxIDLocked(ctx context.Context) {
	raw, err := c.settings.GetString(ctx, settingLoxID)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to read bridges.lox_id")
		return
	}
	next := credential.LoxID(raw)
	if next == c.activeLoxID {
		return
	}
	prev := c.activeLoxID
	c.activeLoxID = next
	if prev != "" {
		if err := c.store.ClearEvents(ctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to clear events on active lox id change")
		}
		c.promoMu.Lock()
		delete(c.promo, prev)
		c.promoMu.Unlock()
	}
	c.bus.Emit(eventbus.TopicUpdateActiveLoxID, next)
}

func (c *Client) shouldRunBackgroundRefreshLocked(ctx context.Context) bool {
	if c.activeLoxID == "" {
		return false
	}
	enabled, err := c.settings.GetString(ctx, settingEnabled)
	if err != nil || enabled != "true" {
		return false
	}
	source, err := c.settings.GetString(ctx, settingSource)
	if err != nil || source != sourceLox {
		return false
	}
	return true
}

func (c *Client) syncBackgroundRefreshLocked(ctx context.Context) {
	want := c.shouldRunBackgroundRefreshLocked(ctx)
	running := c.refreshCancel != nil
	if want == running {
		return
	}
	if !want {
		c.refreshCancel()
		c.refreshCancel = nil
		return
	}
	refreshCtx, cancel := context.WithCancel(ctx)
	c.refreshCancel = cancel
	go c.backgroundRefreshLoop(refreshCtx)
}

func (c *Client) backgroundRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runBackgroundRefreshOnce(ctx)
		}
	}
}

func (c *Client) requireInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (c *Client) activeID() credential.LoxID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLoxID
}

// ValidateInvitation is LoxClient op 1: syntactic validation only.
func (c *Client) ValidateInvitation(ctx context.Context, invitation string) (bool, error) {
	if err := c.requireInitialized(); err != nil {
		return false, err
	}
	return c.engine.InvitationIsTrusted(ctx, invitation)
}

// RedeemInvite is LoxClient op 2.
func (c *Client) RedeemInvite(ctx context.Context, envelope string) (credential.LoxID, error) {
	if err := c.requireInitialized(); err != nil {
		return "", err
	}
	invite, err := credential.ParseInviteEnvelope(envelope)
	if err != nil {
		return "", err
	}

	pubKeys, err := c.authority.PubKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("redeem invite: fetch pubkeys: %w", err)
	}
	if err := c.store.SetPubKeys(ctx, pubKeys); err != nil {
		return "", err
	}

	req, err := c.engine.OpenInvite(ctx, invite)
	if err != nil {
		return "", fmt.Errorf("redeem invite: open_invite: %w", err)
	}
	resp, err := c.authority.OpenReq(ctx, req)
	if err != nil {
		var serverErr *loxauthority.ServerError
		if errors.As(err, &serverErr) {
			return "", ErrBadInvite
		}
		return "", fmt.Errorf("redeem invite: openreq: %w", err)
	}
	cred, err := c.engine.HandleNewLoxCredential(ctx, req, resp, pubKeys)
	if err != nil {
		return "", fmt.Errorf("redeem invite: handle_new_lox_credential: %w", err)
	}

	var id credential.LoxID
	for {
		id = credential.LoxID(uuid.New().String())
		if !c.store.Has(id) {
			break
		}
	}
	if err := c.store.Insert(ctx, id, cred); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateInvite is LoxClient op 3.
func (c *Client) GenerateInvite(ctx context.Context, loxID credential.LoxID) (string, error) {
	if err := c.requireInitialized(); err != nil {
		return "", err
	}

	if c.store.PubKeys() == "" {
		go c.refreshPubKeysBestEffort(context.WithoutCancel(ctx))
		return "", ErrRetryLater
	}

	encTable, err := c.authority.Reachability(ctx)
	if err != nil {
		return "", fmt.Errorf("generate invite: fetch reachability: %w", err)
	}
	if err := c.store.SetEncTable(ctx, encTable); err != nil {
		return "", err
	}

	cred := c.store.Get(loxID)
	if cred == "" {
		return "", fmt.Errorf("generate invite: no credential for %s", loxID)
	}
	level, err := c.engine.GetTrustLevel(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("generate invite: get_trust_level: %w", err)
	}
	if level < 1 {
		return "", ErrNoInvitations
	}

	pubKeys := c.store.PubKeys()
	var invitation string
	err = c.store.Mutate(ctx, loxID, func(ctx context.Context, current string) (string, error) {
		req, err := c.engine.IssueInvite(ctx, current, encTable, pubKeys)
		if err != nil {
			return "", fmt.Errorf("issue_invite: %w", err)
		}
		resp, err := c.authority.IssueInvite(ctx, req)
		if err != nil {
			return "", fmt.Errorf("issueinvite: %w", err)
		}
		newCred, err := c.engine.HandleIssueInvite(ctx, req, resp, pubKeys)
		if err != nil {
			return "", fmt.Errorf("handle_issue_invite: %w", err)
		}
		invitation, err = c.engine.PrepareInvite(ctx, newCred)
		if err != nil {
			return "", fmt.Errorf("prepare_invite: %w", err)
		}
		return newCred, nil
	})
	if err != nil {
		return "", err
	}

	if err := c.store.AppendInvite(ctx, invitation); err != nil {
		return "", err
	}
	c.bus.Emit(eventbus.TopicNewInvite, invitation)
	return invitation, nil
}

func (c *Client) refreshPubKeysBestEffort(ctx context.Context) {
	pubKeys, err := c.authority.PubKeys(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("background pubkeys refresh failed")
		return
	}
	if err := c.store.SetPubKeys(ctx, pubKeys); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist refreshed pubkeys")
	}
}

// GetRemainingInviteCount is LoxClient op 4.
func (c *Client) GetRemainingInviteCount(ctx context.Context, loxID credential.LoxID) (int, error) {
	if err := c.requireInitialized(); err != nil {
		return 0, err
	}
	cred := c.store.Get(loxID)
	if cred == "" {
		return 0, fmt.Errorf("get remaining invite count: no credential for %s", loxID)
	}
	return c.engine.GetInvitesRemaining(ctx, cred)
}

// GetBridges is LoxClient op 5.
func (c *Client) GetBridges(ctx context.Context, loxID credential.LoxID) ([]string, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	cred := c.store.Get(loxID)
	if cred == "" {
		return nil, fmt.Errorf("get bridges: no credential for %s", loxID)
	}
	return credential.ExtractBridgeLines(cred)
}

// GetNextUnlock is LoxClient op 6.
func (c *Client) GetNextUnlock(ctx context.Context, loxID credential.LoxID) (credential.NextUnlock, error) {
	if err := c.requireInitialized(); err != nil {
		return credential.NextUnlock{}, err
	}
	constants, err := c.authority.Constants(ctx)
	if err != nil {
		return credential.NextUnlock{}, fmt.Errorf("get next unlock: fetch constants: %w", err)
	}
	if err := c.store.SetConstants(ctx, constants); err != nil {
		return credential.NextUnlock{}, err
	}
	cred := c.store.Get(loxID)
	if cred == "" {
		return credential.NextUnlock{}, fmt.Errorf("get next unlock: no credential for %s", loxID)
	}
	return c.engine.GetNextUnlock(ctx, constants, cred)
}

// GetEventData is LoxClient op 7's getter. A non-active loxID is rejected
// with a warning and an empty result, per.
func (c *Client) GetEventData(ctx context.Context, loxID credential.LoxID) ([]credential.EventRecord, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	if loxID != c.activeID() {
		c.log.Warn().Str("lox_id", string(loxID)).Msg("getEventData called for non-active lox id")
		return nil, nil
	}
	return c.store.Events(), nil
}

// ClearEventData is LoxClient op 7's reset. A non-active loxID is a no-op.
func (c *Client) ClearEventData(ctx context.Context, loxID credential.LoxID) error {
	if err := c.requireInitialized(); err != nil {
		return err
	}
	if loxID != c.activeID() {
		c.log.Warn().Str("lox_id", string(loxID)).Msg("clearEventData called for non-active lox id")
		return nil
	}
	return c.store.ClearEvents(ctx)
}

func (c *Client) getCachedPromo(id credential.LoxID) string {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	return c.promo[id]
}

func (c *Client) setCachedPromo(id credential.LoxID, promo string) {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	c.promo[id] = promo
}

func (c *Client) clearCachedPromo(id credential.LoxID) {
	c.promoMu.Lock()
	defer c.promoMu.Unlock()
	delete(c.promo, id)
}

// runBackgroundRefreshOnce performs one 12h background-refresh cycle: pubkey
// rotation, then level-up or trust-promotion/migration, then blockage
// migration.
func (c *Client) runBackgroundRefreshOnce(ctx context.Context) {
	id := c.activeID()
	if id == "" {
		return
	}
	c.refreshPubKeysRotation(ctx, id)
	c.refreshLevelOrTrust(ctx, id)
	c.refreshBlockageMigration(ctx, id)
}

func (c *Client) refreshPubKeysRotation(ctx context.Context, id credential.LoxID) {
	newPubKeys, err := c.authority.PubKeys(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("background pubkeys fetch failed")
		return
	}
	oldPubKeys := c.store.PubKeys()
	if newPubKeys == oldPubKeys {
		return
	}

	err = c.store.Mutate(ctx, id, func(ctx context.Context, current string) (string, error) {
		req, updated, err := c.engine.CheckLoxPubKeysUpdate(ctx, newPubKeys, oldPubKeys, current)
		if err != nil {
			return "", fmt.Errorf("check_lox_pubkeys_update: %w", err)
		}
		if !updated {
			return "", nil
		}
		resp, err := c.authority.UpdateCred(ctx, req)
		if err != nil {
			return "", fmt.Errorf("updatecred: %w", err)
		}
		newCred, err := c.engine.HandleUpdateCred(ctx, req, resp, newPubKeys)
		if err != nil {
			return "", fmt.Errorf("handle_update_cred: %w", err)
		}
		return newCred, nil
	})
	if err != nil {
		// Old pubKeys stay persisted so the next cycle retries.
		c.log.Warn().Err(err).Msg("pubkey rotation failed, retaining old pubkeys")
		return
	}
	if err := c.store.SetPubKeys(ctx, newPubKeys); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist rotated pubkeys")
	}
}

func (c *Client) refreshLevelOrTrust(ctx context.Context, id credential.LoxID) {
	cred := c.store.Get(id)
	if cred == "" {
		return
	}
	level, err := c.engine.GetTrustLevel(ctx, cred)
	if err != nil {
		c.log.Debug().Err(err).Msg("get_trust_level failed during background refresh")
		return
	}

	if level >= 1 {
		c.attemptLevelUp(ctx, id)
		return
	}
	c.attemptTrustPromotion(ctx, id)
}

func (c *Client) attemptLevelUp(ctx context.Context, id credential.LoxID) {
	err := c.store.Mutate(ctx, id, func(ctx context.Context, current string) (string, error) {
		req, err := c.engine.LevelUp(ctx, current, c.store.EncTable(), c.store.PubKeys())
		if err != nil {
			return "", fmt.Errorf("level_up: %w", err)
		}
		resp, err := c.authority.LevelUp(ctx, req)
		if errors.Is(err, loxauthority.ErrLevelUpNotReady) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("levelup: %w", err)
		}
		newCred, err := c.engine.HandleLevelUp(ctx, req, resp)
		if err != nil {
			return "", fmt.Errorf("handle_level_up: %w", err)
		}
		newLevel, err := c.engine.GetTrustLevel(ctx, newCred)
		if err == nil {
			if appendErr := c.store.AppendEvent(ctx, credential.EventRecord{Type: credential.EventTypeLevelUp, NewLevel: newLevel}); appendErr != nil {
				c.log.Warn().Err(appendErr).Msg("failed to append levelup event")
			}
		}
		return newCred, nil
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("level-up attempt failed")
	}
}

func (c *Client) attemptTrustPromotion(ctx context.Context, id credential.LoxID) {
	err := c.store.Mutate(ctx, id, func(ctx context.Context, current string) (string, error) {
		promo := c.getCachedPromo(id)
		if promo == "" {
			req, err := c.engine.TrustPromotion(ctx, current, c.store.PubKeys())
			if err != nil {
				return "", fmt.Errorf("trust_promotion: %w", err)
			}
			resp, err := c.authority.TrustPromo(ctx, req)
			if errors.Is(err, loxauthority.ErrTrustPromotionNotPossible) {
				return "", nil
			}
			if err != nil {
				return "", fmt.Errorf("trustpromo: %w", err)
			}
			promo, err = c.engine.HandleTrustPromotion(ctx, req, resp)
			if err != nil {
				return "", fmt.Errorf("handle_trust_promotion: %w", err)
			}
			// Cache before attempting trustmig: the server refuses a second
			// identical trustpromo, so a trustmig failure must retry locally
			// against this same promo value.
			c.setCachedPromo(id, promo)
		}

		req2, err := c.engine.TrustMigration(ctx, current, promo, c.store.PubKeys())
		if err != nil {
			return "", fmt.Errorf("trust_migration: %w", err)
		}
		resp2, err := c.authority.TrustMig(ctx, req2)
		if err != nil {
			return "", fmt.Errorf("trustmig: %w", err)
		}
		newCred, err := c.engine.HandleTrustMigration(ctx, req2, resp2)
		if err != nil {
			return "", fmt.Errorf("handle_trust_migration: %w", err)
		}
		c.clearCachedPromo(id)
		newLevel, err := c.engine.GetTrustLevel(ctx, newCred)
		if err == nil {
			if appendErr := c.store.AppendEvent(ctx, credential.EventRecord{Type: credential.EventTypeLevelUp, NewLevel: newLevel}); appendErr != nil {
				c.log.Warn().Err(appendErr).Msg("failed to append levelup event")
			}
		}
		return newCred, nil
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("trust promotion attempt failed")
	}
}

func (c *Client) refreshBlockageMigration(ctx context.Context, id credential.LoxID) {
	err := c.store.Mutate(ctx, id, func(ctx context.Context, current string) (string, error) {
		req, err := c.engine.CheckBlockage(ctx, current, c.store.PubKeys())
		if err != nil {
			// CredentialEngine throwing from check_blockage means "not
			// ready", not a failure.
			return "", nil
		}
		resp, err := c.authority.CheckBlockage(ctx, req)
		if err != nil {
			return "", fmt.Errorf("checkblockage: %w", err)
		}
		migCred, err := c.engine.HandleCheckBlockage(ctx, current, resp)
		if err != nil {
			return "", fmt.Errorf("handle_check_blockage: %w", err)
		}
		req2, err := c.engine.BlockageMigration(ctx, current, migCred, c.store.PubKeys())
		if err != nil {
			return "", fmt.Errorf("blockage_migration: %w", err)
		}
		resp2, err := c.authority.BlockageMigration(ctx, req2)
		if err != nil {
			return "", fmt.Errorf("blockagemigration: %w", err)
		}
		newCred, err := c.engine.HandleBlockageMigration(ctx, current, resp2, c.store.PubKeys())
		if err != nil {
			return "", fmt.Errorf("handle_blockage_migration: %w", err)
		}
		newLevel, err := c.engine.GetTrustLevel(ctx, newCred)
		if err == nil {
			if appendErr := c.store.AppendEvent(ctx, credential.EventRecord{Type: credential.EventTypeBlockage, NewLevel: newLevel}); appendErr != nil {
				c.log.Warn().Err(appendErr).Msg("failed to append blockage event")
			}
		}
		return newCred, nil
	})
	if err != nil {
		c.log.Debug().Err(err).Msg("blockage migration attempt failed")
	}
}
