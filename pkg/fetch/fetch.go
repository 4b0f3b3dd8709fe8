// Package fetch implements FetchChannel: a single HTTPS request
// primitive shared by the Moat and LoxAuthority clients, with two transport
// strategies selected per-call based on whether the anonymizing network is
// already bootstrapped.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnreachable is returned for any network-level failure (DNS, connect,
// TLS, timeout) reaching the server, matching its
// "LoxServerUnreachable".
var ErrUnreachable = errors.New("server unreachable")

// StatusError is returned when the server responds with a non-2xx status.
// Per it this is explicitly non-retriable.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Status)
}

// BootstrapChecker reports whether the anonymizing transport is currently
// bootstrapped. FetchChannel uses it to pick a strategy on every call.
type BootstrapChecker interface {
	IsBootstrapped() bool
}

// FrontRoundTripper builds the http.RoundTripper used for domain-fronted
// requests. Constructing the fronted path can itself be slow (setting up a
// reflector connection), hence the one-shot/reuse contract in Channel.
type FrontRoundTripper func(ctx context.Context) (http.RoundTripper, error)

// Channel is a FetchChannel bound to one base URL (Moat or LoxAuthority).
type Channel struct {
	BaseURL string
	APIKey  string
	Checker BootstrapChecker
	Front   FrontRoundTripper
	Client  *http.Client

	log zerolog.Logger

	frontOnce sync.Once
	frontRT   http.RoundTripper
	frontErr  error
}

// New creates a Channel. client may be nil, in which case http.DefaultClient
// is used for the direct path (a fresh client is constructed for the
// domain-fronted path by Front). apiKey, if non-empty, is sent as a Bearer
// token on every request.
func New(baseURL string, apiKey string, checker BootstrapChecker, front FrontRoundTripper, client *http.Client, log zerolog.Logger) *Channel {
	if client == nil {
		client = http.DefaultClient
	}
	return &Channel{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Checker: checker,
		Front:   front,
		Client:  client,
		log:     log.With().Str("component", "fetch_channel").Logger(),
	}
}

// Fetch performs procedure with an optional request body and returns the raw
// response body as a string. It never returns both a non-empty string and a
// non-nil error.
func (c *Channel) Fetch(ctx context.Context, procedure string, body string) (string, error) {
	if c.Checker != nil && c.Checker.IsBootstrapped() {
		return c.direct(ctx, procedure, body)
	}
	return c.fronted(ctx, procedure, body)
}

func (c *Channel) direct(ctx context.Context, procedure, body string) (string, error) {
	url := c.BaseURL + "/" + procedure
	return c.do(ctx, c.Client, url, body)
}

func (c *Channel) fronted(ctx context.Context, procedure, body string) (string, error) {
	rt, err := c.frontRoundTripper(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	client := &http.Client{Transport: rt}
	url := c.BaseURL + "/" + procedure
	return c.do(ctx, client, url, body)
}

// frontRoundTripper lazily constructs the domain-fronted requester exactly
// once and reuses it thereafter, per.
func (c *Channel) frontRoundTripper(ctx context.Context) (http.RoundTripper, error) {
	c.frontOnce.Do(func() {
		if c.Front == nil {
			c.frontErr = errors.New("fetch: no domain-fronted transport configured")
			return
		}
		c.frontRT, c.frontErr = c.Front(ctx)
	})
	return c.frontRT, c.frontErr
}

func (c *Channel) do(ctx context.Context, client *http.Client, url, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("url", url).Msg("fetch failed")
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}

	return string(respBody), nil
}
