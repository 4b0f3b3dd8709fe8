package loxclient

import (
	"context"
	"encoding/json"
	"fmt"

	"gitlab.torproject.org/tpo/anti-censorship/lox-connect-go/pkg/credential"
)

// fakeCred is the opaque credential shape used by fakeEngine; tests never
// need the real Lox wire format, only something fakeEngine can round-trip.
type fakeCred struct {
	Level   int `json:"level"`
	Invites int `json:"invites"`
}

func encodeFakeCred(c fakeCred) string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

func decodeFakeCred(s string) fakeCred {
	var c fakeCred
	_ = json.Unmarshal([]byte(s), &c)
	return c
}

// fakeEngine is a credential.Engine test double. Every method has a
// sensible default; tests override individual function fields to force
// specific error paths.
type fakeEngine struct {
	onInvitationIsTrusted func(ctx context.Context, inv string) (bool, error)
	onOpenInvite          func(ctx context.Context, inv string) (string, error)
	onHandleNewCred       func(ctx context.Context, req, resp, pubKeys string) (string, error)

	onGetTrustLevel      func(ctx context.Context, cred string) (int, error)
	onGetInvitesRemain   func(ctx context.Context, cred string) (int, error)
	onGetNextUnlock      func(ctx context.Context, constants, cred string) (credential.NextUnlock, error)

	onIssueInvite       func(ctx context.Context, cred, encTable, pubKeys string) (string, error)
	onHandleIssueInvite func(ctx context.Context, req, resp, pubKeys string) (string, error)
	onPrepareInvite     func(ctx context.Context, cred string) (string, error)

	onLevelUp       func(ctx context.Context, cred, encTable, pubKeys string) (string, error)
	onHandleLevelUp func(ctx context.Context, req, resp string) (string, error)

	onTrustPromotion       func(ctx context.Context, cred, pubKeys string) (string, error)
	onHandleTrustPromotion func(ctx context.Context, req, resp string) (string, error)
	onTrustMigration       func(ctx context.Context, cred, promo, pubKeys string) (string, error)
	onHandleTrustMigration func(ctx context.Context, req, resp string) (string, error)

	onCheckBlockage          func(ctx context.Context, cred, pubKeys string) (string, error)
	onHandleCheckBlockage    func(ctx context.Context, cred, resp string) (string, error)
	onBlockageMigration      func(ctx context.Context, cred, migCred, pubKeys string) (string, error)
	onHandleBlockageMigration func(ctx context.Context, cred, resp, pubKeys string) (string, error)

	onCheckLoxPubKeysUpdate func(ctx context.Context, newPubKeys, oldPubKeys, cred string) (string, bool, error)
	onHandleUpdateCred      func(ctx context.Context, req, resp, newPubKeys string) (string, error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (f *fakeEngine) InvitationIsTrusted(ctx context.Context, inv string) (bool, error) {
	if f.onInvitationIsTrusted != nil {
		return f.onInvitationIsTrusted(ctx, inv)
	}
	return inv != "", nil
}

func (f *fakeEngine) OpenInvite(ctx context.Context, inv string) (string, error) {
	if f.onOpenInvite != nil {
		return f.onOpenInvite(ctx, inv)
	}
	return "openreq:" + inv, nil
}

func (f *fakeEngine) HandleNewLoxCredential(ctx context.Context, req, resp, pubKeys string) (string, error) {
	if f.onHandleNewCred != nil {
		return f.onHandleNewCred(ctx, req, resp, pubKeys)
	}
	return encodeFakeCred(fakeCred{Level: 0, Invites: 0}), nil
}

func (f *fakeEngine) GetTrustLevel(ctx context.Context, cred string) (int, error) {
	if f.onGetTrustLevel != nil {
		return f.onGetTrustLevel(ctx, cred)
	}
	return decodeFakeCred(cred).Level, nil
}

func (f *fakeEngine) GetInvitesRemaining(ctx context.Context, cred string) (int, error) {
	if f.onGetInvitesRemain != nil {
		return f.onGetInvitesRemain(ctx, cred)
	}
	return decodeFakeCred(cred).Invites, nil
}

func (f *fakeEngine) GetNextUnlock(ctx context.Context, constants, cred string) (credential.NextUnlock, error) {
	if f.onGetNextUnlock != nil {
		return f.onGetNextUnlock(ctx, constants, cred)
	}
	return credential.NextUnlock{Date: "2026-08-01", NextLevel: decodeFakeCred(cred).Level + 1}, nil
}

func (f *fakeEngine) IssueInvite(ctx context.Context, cred, encTable, pubKeys string) (string, error) {
	if f.onIssueInvite != nil {
		return f.onIssueInvite(ctx, cred, encTable, pubKeys)
	}
	return "issuereq:" + cred, nil
}

func (f *fakeEngine) HandleIssueInvite(ctx context.Context, req, resp, pubKeys string) (string, error) {
	if f.onHandleIssueInvite != nil {
		return f.onHandleIssueInvite(ctx, req, resp, pubKeys)
	}
	c := decodeFakeCred(resp)
	return encodeFakeCred(c), nil
}

func (f *fakeEngine) PrepareInvite(ctx context.Context, cred string) (string, error) {
	if f.onPrepareInvite != nil {
		return f.onPrepareInvite(ctx, cred)
	}
	return fmt.Sprintf("invite-for-%s", cred), nil
}

func (f *fakeEngine) LevelUp(ctx context.Context, cred, encTable, pubKeys string) (string, error) {
	if f.onLevelUp != nil {
		return f.onLevelUp(ctx, cred, encTable, pubKeys)
	}
	return "levelupreq:" + cred, nil
}

func (f *fakeEngine) HandleLevelUp(ctx context.Context, req, resp string) (string, error) {
	if f.onHandleLevelUp != nil {
		return f.onHandleLevelUp(ctx, req, resp)
	}
	return resp, nil
}

func (f *fakeEngine) TrustPromotion(ctx context.Context, cred, pubKeys string) (string, error) {
	if f.onTrustPromotion != nil {
		return f.onTrustPromotion(ctx, cred, pubKeys)
	}
	return "trustpromoreq:" + cred, nil
}

func (f *fakeEngine) HandleTrustPromotion(ctx context.Context, req, resp string) (string, error) {
	if f.onHandleTrustPromotion != nil {
		return f.onHandleTrustPromotion(ctx, req, resp)
	}
	return resp, nil
}

func (f *fakeEngine) TrustMigration(ctx context.Context, cred, promo, pubKeys string) (string, error) {
	if f.onTrustMigration != nil {
		return f.onTrustMigration(ctx, cred, promo, pubKeys)
	}
	return "trustmigreq:" + promo, nil
}

func (f *fakeEngine) HandleTrustMigration(ctx context.Context, req, resp string) (string, error) {
	if f.onHandleTrustMigration != nil {
		return f.onHandleTrustMigration(ctx, req, resp)
	}
	return resp, nil
}

func (f *fakeEngine) CheckBlockage(ctx context.Context, cred, pubKeys string) (string, error) {
	if f.onCheckBlockage != nil {
		return f.onCheckBlockage(ctx, cred, pubKeys)
	}
	return "checkblockagereq:" + cred, nil
}

func (f *fakeEngine) HandleCheckBlockage(ctx context.Context, cred, resp string) (string, error) {
	if f.onHandleCheckBlockage != nil {
		return f.onHandleCheckBlockage(ctx, cred, resp)
	}
	return resp, nil
}

func (f *fakeEngine) BlockageMigration(ctx context.Context, cred, migCred, pubKeys string) (string, error) {
	if f.onBlockageMigration != nil {
		return f.onBlockageMigration(ctx, cred, migCred, pubKeys)
	}
	return "blockagemigreq:" + migCred, nil
}

func (f *fakeEngine) HandleBlockageMigration(ctx context.Context, cred, resp, pubKeys string) (string, error) {
	if f.onHandleBlockageMigration != nil {
		return f.onHandleBlockageMigration(ctx, cred, resp, pubKeys)
	}
	return resp, nil
}

func (f *fakeEngine) CheckLoxPubKeysUpdate(ctx context.Context, newPubKeys, oldPubKeys, cred string) (string, bool, error) {
	if f.onCheckLoxPubKeysUpdate != nil {
		return f.onCheckLoxPubKeysUpdate(ctx, newPubKeys, oldPubKeys, cred)
	}
	return "updatereq:" + cred, true, nil
}

func (f *fakeEngine) HandleUpdateCred(ctx context.Context, req, resp, newPubKeys string) (string, error) {
	if f.onHandleUpdateCred != nil {
		return f.onHandleUpdateCred(ctx, req, resp, newPubKeys)
	}
	return resp, nil
}

var _ credential.Engine = (*fakeEngine)(nil)
