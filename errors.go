package transport

import "errors"

// Construction-fatal errors (spec §7.1).
var (
	ErrBindExhausted  = errors.New("transport: exhausted port range without a successful bind")
	ErrResolveFailed  = errors.New("transport: address resolution failed")
	ErrSocketCreation = errors.New("transport: failed to create datagram socket")
)

// Receive-fatal errors (spec §7.2).
var (
	ErrTruncated = errors.New("transport: datagram truncated on receive")
)

// Send-soft conditions are not returned as errors by Send; they are
// recorded and polled via Connection.LastSendError, per spec §4.3 step 4
// and §7.3.

// ErrNoRemote is never returned to a caller; Send silently no-ops per spec
// §4.3 step 1 when no remote address is latched. It is exported only so
// tests and callers can recognize the condition if they inspect internals.
var ErrNoRemote = errors.New("transport: no remote address latched")

// ErrUnknownAddressFamily marks a programmer error: an address type the
// socket manager does not know how to compare for roaming purposes, per
// spec §9's closed address-family-list decision.
var ErrUnknownAddressFamily = errors.New("transport: unknown address family")
