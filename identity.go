package netmod

import "github.com/google/uuid"

// Identity is the 128-bit peer identifier exchanged during the handshake.
// The nil Identity (all-zero) denotes "no peer"; it is what the rejected
// side of a connect_result_handler callback receives.
type Identity = uuid.UUID

// NilIdentity is the all-zero identity meaning "no peer".
var NilIdentity = uuid.Nil

// newIdentity generates a random (version 4) identity, matching the
// original implementation's random_uuid_generator<mt19937>.
func newIdentity() Identity {
	return uuid.New()
}
