// Package transportprovider defines the TransportProvider contract: the
// external collaborator that starts/stops the anonymizing transport,
// reports progress/errors, accepts a settings blob, and reports the
// current bridge fingerprint. The real implementation (driving an actual
// Tor process) is out of scope ("proxy plumbing"); this package only
// defines the contract plus a deterministic in-memory stand-in used by
// tests and by cmd/loxconnectd.
package transportprovider

import (
	"context"
	"encoding/json"
)

// Event is reported by Provider during a bootstrap attempt.
type Event struct {
	// Kind is one of "progress", "complete", "error".
	Kind     string
	Progress int    // valid when Kind == "progress"
	Phase    string // valid when Kind == "error"
	Reason   string // valid when Kind == "error"
	Err      error  // valid when Kind == "error"
}

// Provider is the TransportProvider contract.
type Provider interface {
	// IsBootstrapped reports whether the transport is currently usable.
	// FetchChannel (pkg/fetch.BootstrapChecker) is satisfied by this method.
	IsBootstrapped() bool

	// StartBootstrap begins bringing the transport up, emitting Events on
	// the returned channel until it closes (on completion or error) or ctx
	// is cancelled. settings is the merged TransportConfig JSON to apply,
	// or nil to use whatever is already configured.
	StartBootstrap(ctx context.Context, settings json.RawMessage) (<-chan Event, error)

	// ApplySettings writes settings without initiating a new bootstrap
	// attempt; used by AutoBootstrapAttempt to restore prior settings after
	// an unsuccessful run.
	ApplySettings(ctx context.Context, settings json.RawMessage) error

	// CurrentSettings returns the settings currently applied, so
	// AutoBootstrapAttempt can snapshot them before trying candidates.
	CurrentSettings(ctx context.Context) (json.RawMessage, error)

	// BridgeFingerprint returns the fingerprint of the bridge currently in
	// use, or "" if none.
	BridgeFingerprint(ctx context.Context) string

	// OnExit registers a callback invoked when the transport process exits
	// unexpectedly ("process-exit recovery"). Returns an
	// unsubscribe function.
	OnExit(func()) (unsubscribe func())

	// OnReady registers a callback invoked once when the provider first
	// becomes ready to begin bootstrapping ("quick-start").
	// Returns an unsubscribe function.
	OnReady(func()) (unsubscribe func())
}
