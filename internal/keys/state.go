package keys

import (
	"time"

	"token-engine/internal/db"
)

// State is derived from a stored key at query time; it is never persisted.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateRetired State = "retired"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

var stateNames = map[State]string{
	StatePending: "Pending",
	StateActive:  "Active",
	StateRetired: "Retired",
	StateExpired: "Expired",
	StateRevoked: "Revoked",
}

// StateOf resolves a key's lifecycle state at now. Revocation wins over
// expiry, and expiry over activation.
func StateOf(key *db.SigningKey, now time.Time) State {
	switch {
	case key.IsRevoked:
		return StateRevoked
	case key.ExpirationDate != nil && !now.Before(*key.ExpirationDate):
		return StateExpired
	case now.Before(key.ActivationDate):
		return StatePending
	case key.IsActive:
		return StateActive
	default:
		return StateRetired
	}
}

func StateDisplay(s State) string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown (" + string(s) + ")"
}

// isPublished reports whether verifiers may still use the key.
func (s State) isPublished() bool {
	return s == StatePending || s == StateActive || s == StateRetired
}
