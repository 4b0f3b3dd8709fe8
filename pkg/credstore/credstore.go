// Package credstore implements CredentialStore: a persistent
// map of LoxID to credential, plus the auxiliary public material (pubkeys,
// encTable, constants), invites, and events, with per-LoxID mutation
// serialization so a Lox-style single-show credential is never double-spent.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credential"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/eventbus"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/future"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
)

// Persisted key names.
const (
	KeyCredentials = "lox.settings.credentials"
	KeyInvites     = "lox.settings.invites"
	KeyEvents      = "lox.settings.events"
	KeyPubKeys     = "lox.settings.pubkeys"
	KeyEncTable    = "lox.settings.enctable"
	KeyConstants   = "lox.settings.constants"
)

// MaxInvites is the bounded invite history cap.
const MaxInvites = 50

// Store is CredentialStore.
type Store struct {
	settings settingsstore.Store
	bus      *eventbus.Bus
	log      zerolog.Logger

	mu          sync.RWMutex
	credentials map[credential.LoxID]string
	invites     []string
	events      []credential.EventRecord
	pubKeys     string
	encTable    string
	constants   string

	tasksMu sync.Mutex
	tasks   map[credential.LoxID]*future.Future[struct{}]
}

// New creates a Store. Call Load before use.
func New(settings settingsstore.Store, bus *eventbus.Bus, log zerolog.Logger) *Store {
	return &Store{
		settings:    settings,
		bus:         bus,
		log:         log.With().Str("component", "credential_store").Logger(),
		credentials: make(map[credential.LoxID]string),
		tasks:       make(map[credential.LoxID]*future.Future[struct{}]),
	}
}

// Load hydrates persisted state from SettingsStore ("#load()").
// Malformed persisted JSON is treated as empty, per its "Fatal"
// policy for startup-time corruption.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	credsRaw, err := s.settings.GetString(ctx, KeyCredentials)
	if err != nil {
		return fmt.Errorf("credstore: load credentials: %w", err)
	}
	s.credentials = decodeOrEmpty[map[credential.LoxID]string](credsRaw, s.log, KeyCredentials)
	if s.credentials == nil {
		s.credentials = make(map[credential.LoxID]string)
	}

	invitesRaw, err := s.settings.GetString(ctx, KeyInvites)
	if err != nil {
		return fmt.Errorf("credstore: load invites: %w", err)
	}
	s.invites = decodeOrEmpty[[]string](invitesRaw, s.log, KeyInvites)

	eventsRaw, err := s.settings.GetString(ctx, KeyEvents)
	if err != nil {
		return fmt.Errorf("credstore: load events: %w", err)
	}
	s.events = decodeOrEmpty[[]credential.EventRecord](eventsRaw, s.log, KeyEvents)

	s.pubKeys, err = s.settings.GetString(ctx, KeyPubKeys)
	if err != nil {
		return fmt.Errorf("credstore: load pubkeys: %w", err)
	}
	s.encTable, err = s.settings.GetString(ctx, KeyEncTable)
	if err != nil {
		return fmt.Errorf("credstore: load enctable: %w", err)
	}
	s.constants, err = s.settings.GetString(ctx, KeyConstants)
	if err != nil {
		return fmt.Errorf("credstore: load constants: %w", err)
	}
	return nil
}

func decodeOrEmpty[T any](raw string, log zerolog.Logger, key string) T {
	var zero T
	if raw == "" {
		return zero
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding malformed persisted JSON")
		return zero
	}
	return v
}

// storeAll writes every field to SettingsStore ("#store()"). Callers
// hold s.mu for reading the fields they pass in; store itself does not lock.
func (s *Store) storeAll(ctx context.Context) error {
	if err := s.storeField(ctx, KeyCredentials, s.credentials); err != nil {
		return err
	}
	if err := s.storeField(ctx, KeyInvites, s.invites); err != nil {
		return err
	}
	if err := s.storeField(ctx, KeyEvents, s.events); err != nil {
		return err
	}
	if err := s.settings.SetString(ctx, KeyPubKeys, s.pubKeys); err != nil {
		return err
	}
	if err := s.settings.SetString(ctx, KeyEncTable, s.encTable); err != nil {
		return err
	}
	if err := s.settings.SetString(ctx, KeyConstants, s.constants); err != nil {
		return err
	}
	return nil
}

func (s *Store) storeField(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("credstore: encode %s: %w", key, err)
	}
	return s.settings.SetString(ctx, key, string(raw))
}

// Get returns the current credential for id, or "" if none exists.
func (s *Store) Get(id credential.LoxID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[id]
}

// Has reports whether id already has a stored credential.
func (s *Store) Has(id credential.LoxID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.credentials[id]
	return ok
}

// PubKeys, EncTable, Constants return the cached auxiliary public material.
func (s *Store) PubKeys() string   { s.mu.RLock(); defer s.mu.RUnlock(); return s.pubKeys }
func (s *Store) EncTable() string  { s.mu.RLock(); defer s.mu.RUnlock(); return s.encTable }
func (s *Store) Constants() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.constants }

// Invites returns a snapshot of the invite history (cap MaxInvites, FIFO).
func (s *Store) Invites() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.invites))
	copy(out, s.invites)
	return out
}

// Events returns a snapshot of the accumulated events.
func (s *Store) Events() []credential.EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]credential.EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// SetPubKeys persists a freshly fetched pubkeys blob. Per its
// pubkey-rotation note, callers must only call this after any dependent
// updatecred round-trip has already succeeded, so a mid-rotation failure
// leaves the old pubKeys in place for retry.
func (s *Store) SetPubKeys(ctx context.Context, pubKeys string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubKeys = pubKeys
	return s.settings.SetString(ctx, KeyPubKeys, s.pubKeys)
}

// SetEncTable persists a freshly fetched encTable blob.
func (s *Store) SetEncTable(ctx context.Context, encTable string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encTable = encTable
	return s.settings.SetString(ctx, KeyEncTable, s.encTable)
}

// SetConstants persists a freshly fetched constants blob.
func (s *Store) SetConstants(ctx context.Context, constants string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constants = constants
	return s.settings.SetString(ctx, KeyConstants, s.constants)
}

// Insert adds a brand-new credential under id (used only by redeemInvite,
// which has already guaranteed id is fresh) and persists it.
func (s *Store) Insert(ctx context.Context, id credential.LoxID, cred string) error {
	if cred == "" {
		return fmt.Errorf("credstore: refusing to insert empty credential")
	}
	s.mu.Lock()
	s.credentials[id] = cred
	creds := cloneMap(s.credentials)
	s.mu.Unlock()
	return s.storeField(ctx, KeyCredentials, creds)
}

func cloneMap(m map[credential.LoxID]string) map[credential.LoxID]string {
	out := make(map[credential.LoxID]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AppendInvite appends a freshly issued invitation, evicting the oldest
// entry once the cap of MaxInvites is exceeded.
func (s *Store) AppendInvite(ctx context.Context, invitation string) error {
	s.mu.Lock()
	s.invites = append(s.invites, invitation)
	if len(s.invites) > MaxInvites {
		s.invites = s.invites[len(s.invites)-MaxInvites:]
	}
	invites := append([]string(nil), s.invites...)
	s.mu.Unlock()
	return s.storeField(ctx, KeyInvites, invites)
}

// AppendEvent appends a levelup/blockage EventRecord for the active LoxID
// and emits update-events. Called only by LoxClient's background refresh.
func (s *Store) AppendEvent(ctx context.Context, rec credential.EventRecord) error {
	s.mu.Lock()
	s.events = append(s.events, rec)
	events := append([]credential.EventRecord(nil), s.events...)
	s.mu.Unlock()
	if err := s.storeField(ctx, KeyEvents, events); err != nil {
		return err
	}
	s.bus.Emit(eventbus.TopicUpdateEvents, events)
	return nil
}

// ClearEvents discards all accumulated events, used both by
// clearEventData(activeLoxId) and automatically when the active LoxID
// changes.
func (s *Store) ClearEvents(ctx context.Context) error {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
	return s.storeField(ctx, KeyEvents, []credential.EventRecord{})
}

// Remove deletes a LoxID's credential entirely and persists the updated
// map. LoxClient does not call it when the active LoxID changes.
func (s *Store) Remove(ctx context.Context, id credential.LoxID) error {
	s.mu.Lock()
	delete(s.credentials, id)
	creds := cloneMap(s.credentials)
	s.mu.Unlock()
	return s.storeField(ctx, KeyCredentials, creds)
}

// Mutator reads the current credential for id and returns either a new
// credential to store, or "" to leave the stored value untouched (e.g. a
// non-fatal "not ready yet" outcome). An error aborts the mutation without
// touching the stored credential.
type Mutator func(ctx context.Context, current string) (next string, err error)

// Mutate runs fn against id's current credential under id's per-LoxID
// credential-mutation lock, guaranteeing FIFO ordering against any other
// call to Mutate(id). On success with a non-empty next
// value, the new credential is persisted and the bridges/invites/next-unlock
// topics are emitted — next-unlock is only meaningful after a
// mutation because every mutating operation replaces the credential whose
// unlock date the next getNextUnlock call would read.
func (s *Store) Mutate(ctx context.Context, id credential.LoxID, fn Mutator) error {
	mine := future.New[struct{}]()
	prev := s.chainTask(id, mine)

	// Wait for whatever was already queued for this id, so operations apply
	// in FIFO submission order.
	if prev != nil {
		_, _ = prev.Get(ctx)
	}
	defer mine.Set(struct{}{})

	current := s.Get(id)
	next, err := fn(ctx, current)
	if err != nil {
		return err
	}
	if next == "" {
		// Non-null-but-empty result: treat as "no update", matching spec
		// §4.3's "Only on non-null does the store write the new value".
		return nil
	}

	s.mu.Lock()
	s.credentials[id] = next
	creds := cloneMap(s.credentials)
	s.mu.Unlock()
	if err := s.storeField(ctx, KeyCredentials, creds); err != nil {
		return err
	}

	bridges, err := credential.ExtractBridgeLines(next)
	if err != nil {
		// The credential is already persisted; a malformed bridgelines
		// section only degrades the UI-facing bridge list, it does not
		// invalidate the credential itself.
		s.log.Warn().Err(err).Str("lox_id", string(id)).Msg("failed to extract bridgelines from updated credential")
	}
	s.bus.Emit(eventbus.TopicUpdateBridges, bridges)
	s.bus.Emit(eventbus.TopicUpdateRemainingInvites, nil)
	s.bus.Emit(eventbus.TopicUpdateNextUnlock, nil)
	return nil
}

// chainTask atomically swaps in mine as the future chained for id and
// returns whatever was previously chained there (nil if id had no pending
// task). The read-and-replace must happen under a single lock acquisition,
// or two concurrent Mutate calls could both read the same prior future and
// run unserialized instead of queuing behind each other.
func (s *Store) chainTask(id credential.LoxID, mine *future.Future[struct{}]) *future.Future[struct{}] {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	prev := s.tasks[id]
	s.tasks[id] = mine
	return prev
}
