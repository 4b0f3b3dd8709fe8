package credential

import (
	"encoding/json"
	"fmt"
)

// openInviteEnvelope is the textual wrapper a user pastes in, e.g.
// `{"invite":"<opaque invitation>"}`.
type openInviteEnvelope struct {
	Invite string `json:"invite"`
}

// ParseInviteEnvelope extracts the opaque invitation payload from the
// envelope string handed to redeemInvite.
func ParseInviteEnvelope(raw string) (string, error) {
	var env openInviteEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("malformed invitation: %w", err)
	}
	if env.Invite == "" {
		return "", fmt.Errorf("malformed invitation: missing invite field")
	}
	return env.Invite, nil
}
