package credential

import (
	"context"
	"errors"
)

// ErrEngineUnavailable is returned by every UnavailableEngine method. Wiring
// the real Lox cryptographic primitives is out of scope; UnavailableEngine
// lets a caller stand up the rest of the system without one. LoxClient has
// no separate disabled state: its Init still succeeds, and each operation
// that reaches the engine fails with this error.
var ErrEngineUnavailable = errors.New("credential: engine not available")

// UnavailableEngine implements Engine by failing every call. It is the
// default wired into cmd/loxconnectd until a real engine binding exists.
type UnavailableEngine struct{}

var _ Engine = UnavailableEngine{}

func (UnavailableEngine) InvitationIsTrusted(context.Context, string) (bool, error) {
	return false, ErrEngineUnavailable
}

func (UnavailableEngine) OpenInvite(context.Context, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleNewLoxCredential(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) GetTrustLevel(context.Context, string) (int, error) {
	return 0, ErrEngineUnavailable
}

func (UnavailableEngine) GetInvitesRemaining(context.Context, string) (int, error) {
	return 0, ErrEngineUnavailable
}

func (UnavailableEngine) GetNextUnlock(context.Context, string, string) (NextUnlock, error) {
	return NextUnlock{}, ErrEngineUnavailable
}

func (UnavailableEngine) IssueInvite(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleIssueInvite(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) PrepareInvite(context.Context, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) LevelUp(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleLevelUp(context.Context, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) TrustPromotion(context.Context, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleTrustPromotion(context.Context, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) TrustMigration(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleTrustMigration(context.Context, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) CheckBlockage(context.Context, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleCheckBlockage(context.Context, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) BlockageMigration(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) HandleBlockageMigration(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}

func (UnavailableEngine) CheckLoxPubKeysUpdate(context.Context, string, string, string) (string, bool, error) {
	return "", false, ErrEngineUnavailable
}

func (UnavailableEngine) HandleUpdateCred(context.Context, string, string, string) (string, error) {
	return "", ErrEngineUnavailable
}
