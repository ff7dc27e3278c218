package partytracks

import "errors"

// Sentinel errors, checked with errors.Is against the (possibly wrapped)
// error returned by coordinator and engine operations. Mirrors the
// taxonomy in SPEC_FULL.md §7.
var (
	// ErrSessionClosed is returned by an operation submitted before the
	// coordinator has produced any session (nothing has subscribed to
	// Sessions() yet). Once a session exists, later operations run against
	// the most recent one and do not return this error.
	ErrSessionClosed = errors.New("partytracks: session closed")

	// ErrSFU wraps a non-empty errorCode reported by the SFU in a
	// response body.
	ErrSFU = errors.New("partytracks: sfu reported an error")

	// ErrProtocolViolation covers responses that do not match the shape
	// SPEC_FULL.md §6 requires: a missing tracks[] array, no entry
	// matching a requested track, an undecodable body, or a status of 400
	// or above. A transceiver that never surfaces within the bounded wait
	// is reported as ErrTransceiverTimeout instead.
	ErrProtocolViolation = errors.New("partytracks: protocol violation")

	// ErrSessionExpired is raised when the SFU responds with an opaque
	// redirect (status 0 in the source; here, an HTTP redirect response),
	// signalling the session must be rebuilt with fresh credentials.
	ErrSessionExpired = errors.New("partytracks: session expired")

	// ErrNoURLProvider is user-fatal: when Config.BaseURL is empty the
	// session stream fails with it before any request is made, and it is
	// never retried.
	ErrNoURLProvider = errors.New("partytracks: no SFU base URL configured")

	// ErrTransceiverTimeout is raised when a track event never surfaces a
	// transceiver for a MID within the bounded wait.
	ErrTransceiverTimeout = errors.New("partytracks: timed out waiting for transceiver")

	// ErrSignalingStableTimeout is raised when a pushed track's sender
	// reports no outbound bytes within Config.SignalingStableTimeout. The
	// signaling state itself is not polled, so no error is raised for a
	// peer connection that stays out of the stable state.
	ErrSignalingStableTimeout = errors.New("partytracks: timed out waiting for stable signaling state")

	// ErrNotPushed is returned when a caller asks to replace the track or
	// the send encodings of a push this engine does not hold. Closing an
	// unknown push or pull is a no-op and returns nil.
	ErrNotPushed = errors.New("partytracks: track was not pushed by this coordinator")
)
