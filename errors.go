package netmod

import "github.com/pkg/errors"

// Sentinel errors returned by Session methods.
var (
	ErrSessionClosed   = errors.New("netmod: session is closed")
	ErrUnknownPeer     = errors.New("netmod: no connection for that identity")
	ErrPayloadTooLarge = errors.New("netmod: payload exceeds configured mtu")
)
