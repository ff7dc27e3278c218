// Package partytracks coordinates one WebRTC peer connection to a
// Selective Forwarding Unit: it rebuilds the session on failure, batches
// and serializes signaling calls, and resolves pushed/pulled tracks
// against the SFU's HTTP API.
//
// The entry point is NewCoordinator, which constructs a
// SessionCoordinator. Subscribe to Sessions() to start (and keep alive)
// the underlying peer connection, then construct a PushTrackEngine,
// PullTrackEngine, and TrackCloseEngine against the same coordinator to
// publish, consume, and tear down tracks.
package partytracks
