package credstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credential"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/eventbus"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
)

func newTestStore(t *testing.T) (*Store, settingsstore.Store, *eventbus.Bus) {
	t.Helper()
	ss := settingsstore.NewMemoryStore()
	bus := eventbus.New()
	s := New(ss, bus, zerolog.Nop())
	require.NoError(t, s.Load(t.Context()))
	return s, ss, bus
}

func sampleCredential(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"bridgelines": []string{},
	})
	require.NoError(t, err)
	return string(raw)
}

func TestStore_InsertAndGet(t *testing.T) {
	s, _, _ := newTestStore(t)
	id := credential.LoxID("abc-123")

	assert.False(t, s.Has(id))
	require.NoError(t, s.Insert(t.Context(), id, sampleCredential(t)))
	assert.True(t, s.Has(id))
	assert.NotEmpty(t, s.Get(id))
}

func TestStore_InsertRefusesEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.Insert(t.Context(), credential.LoxID("x"), "")
	assert.Error(t, err)
}

func TestStore_PersistsAcrossLoad(t *testing.T) {
	ss := settingsstore.NewMemoryStore()
	bus := eventbus.New()
	s1 := New(ss, bus, zerolog.Nop())
	require.NoError(t, s1.Load(t.Context()))

	id := credential.LoxID("persist-id")
	require.NoError(t, s1.Insert(t.Context(), id, sampleCredential(t)))
	require.NoError(t, s1.AppendInvite(t.Context(), "invite-1"))
	require.NoError(t, s1.SetPubKeys(t.Context(), "pk"))

	s2 := New(ss, bus, zerolog.Nop())
	require.NoError(t, s2.Load(t.Context()))
	assert.True(t, s2.Has(id))
	assert.Equal(t, []string{"invite-1"}, s2.Invites())
	assert.Equal(t, "pk", s2.PubKeys())
}

func TestStore_MalformedPersistedJSONTreatedAsEmpty(t *testing.T) {
	ss := settingsstore.NewMemoryStore()
	require.NoError(t, ss.SetString(t.Context(), KeyCredentials, "{not json"))
	bus := eventbus.New()
	s := New(ss, bus, zerolog.Nop())
	require.NoError(t, s.Load(t.Context()))
	assert.False(t, s.Has(credential.LoxID("anything")))
}

func TestStore_AppendInviteCapsAtMax(t *testing.T) {
	s, _, _ := newTestStore(t)
	for i := 0; i < MaxInvites+10; i++ {
		require.NoError(t, s.AppendInvite(t.Context(), "invite"))
	}
	assert.Len(t, s.Invites(), MaxInvites)
}

func TestStore_AppendEventEmitsUpdateEvents(t *testing.T) {
	s, _, bus := newTestStore(t)

	var got []credential.EventRecord
	bus.Subscribe(eventbus.TopicUpdateEvents, func(payload any) {
		got, _ = payload.([]credential.EventRecord)
	})

	require.NoError(t, s.AppendEvent(t.Context(), credential.EventRecord{Type: credential.EventTypeLevelUp, NewLevel: 2}))
	require.Len(t, got, 1)
	assert.Equal(t, credential.EventTypeLevelUp, got[0].Type)

	require.NoError(t, s.ClearEvents(t.Context()))
	assert.Empty(t, s.Events())
}

func TestStore_MutateReplacesCredentialAndEmits(t *testing.T) {
	s, _, bus := newTestStore(t)
	id := credential.LoxID("mutate-id")
	require.NoError(t, s.Insert(t.Context(), id, sampleCredential(t)))

	var bridgesEmitted, invitesEmitted, unlockEmitted bool
	bus.Subscribe(eventbus.TopicUpdateBridges, func(any) { bridgesEmitted = true })
	bus.Subscribe(eventbus.TopicUpdateRemainingInvites, func(any) { invitesEmitted = true })
	bus.Subscribe(eventbus.TopicUpdateNextUnlock, func(any) { unlockEmitted = true })

	next := sampleCredential(t)
	err := s.Mutate(t.Context(), id, func(ctx context.Context, current string) (string, error) {
		return next, nil
	})
	require.NoError(t, err)
	assert.Equal(t, next, s.Get(id))
	assert.True(t, bridgesEmitted)
	assert.True(t, invitesEmitted)
	assert.True(t, unlockEmitted)
}

func TestStore_MutateNoopOnEmptyResult(t *testing.T) {
	s, _, _ := newTestStore(t)
	id := credential.LoxID("noop-id")
	orig := sampleCredential(t)
	require.NoError(t, s.Insert(t.Context(), id, orig))

	err := s.Mutate(t.Context(), id, func(ctx context.Context, current string) (string, error) {
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, orig, s.Get(id))
}

func TestStore_MutateSerializesPerID(t *testing.T) {
	s, _, _ := newTestStore(t)
	id := credential.LoxID("serial-id")
	require.NoError(t, s.Insert(t.Context(), id, sampleCredential(t)))

	var mu sync.Mutex
	var order []int
	var active, maxActive int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		n := i
		go func() {
			defer wg.Done()
			_ = s.Mutate(t.Context(), id, func(ctx context.Context, current string) (string, error) {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				order = append(order, n)
				mu.Unlock()
				return current, nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, order, 5)
	assert.Equal(t, 1, maxActive, "mutations on the same id must not overlap")
}
