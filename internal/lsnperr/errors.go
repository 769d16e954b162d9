// Package lsnperr defines the sentinel error taxonomy shared across LSNP components (spec §7).
package lsnperr

import "errors"

var (
	ErrMalformedFrame    = errors.New("malformed_frame")
	ErrUnknownType       = errors.New("unknown_type")
	ErrDuplicate         = errors.New("duplicate")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnknownPeer       = errors.New("unknown_peer")
	ErrDeliveryFailed    = errors.New("delivery_failed")
	ErrSessionTimeout    = errors.New("session_timeout")
	ErrProtocolViolation = errors.New("protocol_violation")
	ErrTransportError    = errors.New("transport_error")
)
