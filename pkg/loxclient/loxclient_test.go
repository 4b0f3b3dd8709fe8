package loxclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credential"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credstore"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/eventbus"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/fetch"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/loxauthority"
	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/settingsstore"
)

type alwaysBootstrapped struct{}

func (alwaysBootstrapped) IsBootstrapped() bool { return true }

// testHarness wires a Client against a scriptable HTTP server standing in
// for LoxAuthority.
type testHarness struct {
	client   *Client
	store    *credstore.Store
	settings settingsstore.Store
	bus      *eventbus.Bus
	engine   *fakeEngine
	mux      *http.ServeMux
	srv      *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ch := fetch.New(srv.URL, "", alwaysBootstrapped{}, nil, srv.Client(), zerolog.Nop())
	authority := loxauthority.New(ch)
	settings := settingsstore.NewMemoryStore()
	bus := eventbus.New()
	store := credstore.New(settings, bus, zerolog.Nop())
	engine := newFakeEngine()
	client := New(settings, store, engine, authority, bus, 0, zerolog.Nop())

	mux.HandleFunc("/pubkeys", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"pubkeys-v1"`))
	})
	mux.HandleFunc("/reachability", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"enctable-v1"`))
	})
	mux.HandleFunc("/constants", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"constants-v1"`))
	})
	mux.HandleFunc("/openreq", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"level":0,"invites":0}`))
	})

	return &testHarness{client: client, store: store, settings: settings, bus: bus, engine: engine, mux: mux, srv: srv}
}

func TestClient_OperationsRejectedBeforeInit(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.ValidateInvitation(t.Context(), "x")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestClient_RedeemInvite(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	envelope, err := json.Marshal(map[string]string{"invite": "opaque-invite"})
	require.NoError(t, err)

	id, err := h.client.RedeemInvite(t.Context(), string(envelope))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	level, err := h.client.engineTrustLevel(t, id)
	require.NoError(t, err)
	assert.Equal(t, 0, level)
}

// engineTrustLevel is a small test helper avoiding a public getter just for
// assertions.
func (c *Client) engineTrustLevel(t *testing.T, id credential.LoxID) (int, error) {
	t.Helper()
	return c.engine.GetTrustLevel(t.Context(), c.store.Get(id))
}

func TestClient_RedeemInviteBadInvite(t *testing.T) {
	h := newHarnessWithBadOpenReq(t)
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	envelope, err := json.Marshal(map[string]string{"invite": "opaque-invite"})
	require.NoError(t, err)
	_, err = h.client.RedeemInvite(t.Context(), string(envelope))
	assert.ErrorIs(t, err, ErrBadInvite)
}

func newHarnessWithBadOpenReq(t *testing.T) *testHarness {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ch := fetch.New(srv.URL, "", alwaysBootstrapped{}, nil, srv.Client(), zerolog.Nop())
	authority := loxauthority.New(ch)
	settings := settingsstore.NewMemoryStore()
	bus := eventbus.New()
	store := credstore.New(settings, bus, zerolog.Nop())
	engine := newFakeEngine()
	client := New(settings, store, engine, authority, bus, 0, zerolog.Nop())

	mux.HandleFunc("/pubkeys", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`"pubkeys-v1"`)) })
	mux.HandleFunc("/openreq", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"error":"nope"}`)) })

	return &testHarness{client: client, store: store, settings: settings, bus: bus, engine: engine, mux: mux, srv: srv}
}

func TestClient_GenerateInviteRetryLaterWithoutPubkeys(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	id := credential.LoxID("some-id")
	require.NoError(t, h.store.Insert(t.Context(), id, encodeFakeCred(fakeCred{Level: 1, Invites: 3})))

	_, err := h.client.GenerateInvite(t.Context(), id)
	assert.ErrorIs(t, err, ErrRetryLater)
}

func TestClient_GenerateInviteNoInvitationsBelowLevel1(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()
	require.NoError(t, h.store.SetPubKeys(t.Context(), "pubkeys-v1"))

	id := credential.LoxID("some-id")
	require.NoError(t, h.store.Insert(t.Context(), id, encodeFakeCred(fakeCred{Level: 0, Invites: 0})))

	_, err := h.client.GenerateInvite(t.Context(), id)
	assert.ErrorIs(t, err, ErrNoInvitations)
}

func TestClient_GenerateInviteSuccess(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/issueinvite", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"level":1,"invites":2}`))
	})
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()
	require.NoError(t, h.store.SetPubKeys(t.Context(), "pubkeys-v1"))

	id := credential.LoxID("some-id")
	require.NoError(t, h.store.Insert(t.Context(), id, encodeFakeCred(fakeCred{Level: 1, Invites: 3})))

	var gotInvite any
	h.bus.Subscribe(eventbus.TopicNewInvite, func(payload any) { gotInvite = payload })

	invitation, err := h.client.GenerateInvite(t.Context(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, invitation)
	assert.Equal(t, invitation, gotInvite)
	assert.Contains(t, h.store.Invites(), invitation)

	remaining, err := h.client.GetRemainingInviteCount(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestClient_GetEventDataRejectsNonActiveID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	events, err := h.client.GetEventData(t.Context(), credential.LoxID("not-active"))
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestClient_ActiveLoxIDChangeClearsEventsNotInvites(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.settings.SetString(t.Context(), settingLoxID, "id-a"))
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	require.NoError(t, h.store.AppendEvent(t.Context(), credential.EventRecord{Type: credential.EventTypeLevelUp, NewLevel: 1}))
	require.NoError(t, h.store.AppendInvite(t.Context(), "invite-1"))

	require.NoError(t, h.settings.SetString(t.Context(), settingLoxID, "id-b"))

	assert.Empty(t, h.store.Events())
	assert.Equal(t, []string{"invite-1"}, h.store.Invites())
}

func TestClient_BackgroundRefreshPubkeyRotation(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/updatecred", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"level":0,"invites":0}`))
	})
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	id := credential.LoxID("rotate-id")
	require.NoError(t, h.store.Insert(t.Context(), id, encodeFakeCred(fakeCred{Level: 0, Invites: 0})))
	require.NoError(t, h.store.SetPubKeys(t.Context(), "old-pubkeys"))

	h.client.refreshPubKeysRotation(t.Context(), id)
	assert.Equal(t, `"pubkeys-v1"`, h.store.PubKeys())
}

func TestClient_BackgroundRefreshLevelUp(t *testing.T) {
	h := newHarness(t)
	h.mux.HandleFunc("/levelup", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"level":2,"invites":1}`))
	})
	require.NoError(t, h.client.Init(t.Context()))
	defer h.client.Uninit()

	id := credential.LoxID("levelup-id")
	require.NoError(t, h.store.Insert(t.Context(), id, encodeFakeCred(fakeCred{Level: 1, Invites: 0})))

	h.client.refreshLevelOrTrust(t.Context(), id)

	level, err := h.engine.GetTrustLevel(t.Context(), h.store.Get(id))
	require.NoError(t, err)
	assert.Equal(t, 2, level)

	events := h.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, credential.EventTypeLevelUp, events[0].Type)
}
