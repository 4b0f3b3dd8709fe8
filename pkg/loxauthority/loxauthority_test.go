package loxauthority

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/fetch"
)

type alwaysBootstrapped struct{}

func (alwaysBootstrapped) IsBootstrapped() bool { return true }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	ch := fetch.New(srv.URL, "", alwaysBootstrapped{}, nil, srv.Client(), zerolog.Nop())
	return New(ch), srv
}

func TestClient_InviteSuccess(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invite", r.URL.Path)
		w.Write([]byte(`{"open_invitation":"abc"}`))
	})
	defer srv.Close()

	resp, err := c.Invite(t.Context())
	require.NoError(t, err)
	assert.Equal(t, `{"open_invitation":"abc"}`, resp)
}

func TestClient_OpenReqServerError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"bad invite"}`))
	})
	defer srv.Close()

	_, err := c.OpenReq(t.Context(), "req")
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, "bad invite", serverErr.Message)
}

func TestClient_PubKeysHasNoErrorEnvelope(t *testing.T) {
	// pubkeys has no error envelope per: even a body that looks like
	// {"error":...} is returned verbatim.
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"not actually an error here"}`))
	})
	defer srv.Close()

	resp, err := c.PubKeys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, `{"error":"not actually an error here"}`, resp)
}

func TestClient_LevelUpNotReady(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"not ready"}`))
	})
	defer srv.Close()

	_, err := c.LevelUp(t.Context(), "req")
	assert.ErrorIs(t, err, ErrLevelUpNotReady)
}

func TestClient_TrustPromoNotPossible(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"not possible"}`))
	})
	defer srv.Close()

	_, err := c.TrustPromo(t.Context(), "req")
	assert.ErrorIs(t, err, ErrTrustPromotionNotPossible)
}

func TestClient_ReachabilityAndConstants(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reachability":
			w.Write([]byte(`{"table":1}`))
		case "/constants":
			w.Write([]byte(`{"const":2}`))
		}
	})
	defer srv.Close()

	resp, err := c.Reachability(t.Context())
	require.NoError(t, err)
	assert.Equal(t, `{"table":1}`, resp)

	resp, err = c.Constants(t.Context())
	require.NoError(t, err)
	assert.Equal(t, `{"const":2}`, resp)
}
