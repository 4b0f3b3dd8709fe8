// Package loxauthority implements the client side of the LoxAuthority wire
// protocol: one POST per procedure, carried over FetchChannel,
// with a uniform {error: string} shape for server-side rejections.
package loxauthority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/fetch"
)

// ServerError wraps a {"error": "..."} response body. Callers decide per
// procedure whether this is fatal (BadInvite), a local "not ready yet" (level
// up), or something else.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("lox authority: %s", e.Message)
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// Client talks to LoxAuthority over a fetch.Channel.
type Client struct {
	ch *fetch.Channel
}

// New wraps an already-configured fetch.Channel pointed at the LoxAuthority
// base URL.
func New(ch *fetch.Channel) *Client {
	return &Client{ch: ch}
}

// call performs procedure with body and returns the raw success response, or
// a *ServerError if the response is a {"error": ...} envelope.
func (c *Client) call(ctx context.Context, procedure, body string) (string, error) {
	resp, err := c.ch.Fetch(ctx, procedure, body)
	if err != nil {
		return "", err
	}
	var env errorEnvelope
	// Only treat it as an error envelope if decoding succeeds AND the error
	// field is actually present; a legitimate success response might
	// coincidentally be valid JSON with no "error" key, which is the normal
	// case.
	if json.Unmarshal([]byte(resp), &env) == nil && env.Error != "" {
		return "", &ServerError{Message: env.Error}
	}
	return resp, nil
}

// Invite requests a fresh open invitation from the server ("invite").
func (c *Client) Invite(ctx context.Context) (string, error) {
	return c.call(ctx, "invite", "")
}

// OpenReq submits the request produced by Engine.OpenInvite.
func (c *Client) OpenReq(ctx context.Context, request string) (string, error) {
	return c.call(ctx, "openreq", request)
}

// PubKeys fetches the server's current public key material. It has no error
// envelope per.
func (c *Client) PubKeys(ctx context.Context) (string, error) {
	return c.ch.Fetch(ctx, "pubkeys", "")
}

// Reachability fetches the encrypted reachability table (encTable).
func (c *Client) Reachability(ctx context.Context) (string, error) {
	return c.ch.Fetch(ctx, "reachability", "")
}

// Constants fetches the protocol constants blob.
func (c *Client) Constants(ctx context.Context) (string, error) {
	return c.ch.Fetch(ctx, "constants", "")
}

// IssueInvite submits the request produced by Engine.IssueInvite.
func (c *Client) IssueInvite(ctx context.Context, request string) (string, error) {
	return c.call(ctx, "issueinvite", request)
}

// ErrLevelUpNotReady is returned by LevelUp instead of a *ServerError: the
// spec (§4.4, §6, §7) treats a levelup error-response as "not ready yet",
// not a failure to be surfaced to the user.
var ErrLevelUpNotReady = errors.New("level up: not ready yet")

// LevelUp submits the request produced by Engine.LevelUp. A server-side
// rejection is translated to ErrLevelUpNotReady; only a transport failure
// (ErrUnreachable/StatusError from fetch) is returned as-is.
func (c *Client) LevelUp(ctx context.Context, request string) (string, error) {
	resp, err := c.call(ctx, "levelup", request)
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return "", ErrLevelUpNotReady
	}
	return resp, err
}

// ErrTrustPromotionNotPossible mirrors ErrLevelUpNotReady for trustpromo
// ("{error} -> upgrade not possible").
var ErrTrustPromotionNotPossible = errors.New("trust promotion: not possible")

// TrustPromo submits the request produced by Engine.TrustPromotion.
func (c *Client) TrustPromo(ctx context.Context, request string) (string, error) {
	resp, err := c.call(ctx, "trustpromo", request)
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return "", ErrTrustPromotionNotPossible
	}
	return resp, err
}

// TrustMig submits the request produced by Engine.TrustMigration.
func (c *Client) TrustMig(ctx context.Context, request string) (string, error) {
	return c.call(ctx, "trustmig", request)
}

// CheckBlockage submits the request produced by Engine.CheckBlockage.
func (c *Client) CheckBlockage(ctx context.Context, request string) (string, error) {
	return c.call(ctx, "checkblockage", request)
}

// BlockageMigration submits the request produced by Engine.BlockageMigration.
func (c *Client) BlockageMigration(ctx context.Context, request string) (string, error) {
	return c.call(ctx, "blockagemigration", request)
}

// UpdateCred submits the request produced by Engine.CheckLoxPubKeysUpdate.
func (c *Client) UpdateCred(ctx context.Context, request string) (string, error) {
	return c.call(ctx, "updatecred", request)
}
