package partytracks

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"

	"partytracks/internal/batch"
	"partytracks/internal/fifo"
)

// TrackCloseEngine tears down pushed or pulled tracks. Like push and
// pull, concurrent close requests within one batching window coalesce
// into a single PUT /tracks/close call (SPEC_FULL.md §5: "push calls,
// pull calls, and close calls each batch separately").
//
// Grounded on client.go's removeTrack/removePublishedTrack (unpublish
// bookkeeping) and the teacher's renegotiate-after-removal pattern in
// sfu.go's OnTrack read loop (io.EOF -> removeTrack -> renegotiateAllClients),
// retargeted from "tell every other client" to "tell the SFU once, for
// every MID closing this tick".
type TrackCloseEngine struct {
	coordinator *SessionCoordinator
	dispatcher  *batch.Dispatcher[closeItem, *closeBatchResult]
}

type closeItem struct {
	mid   string
	force bool
}

type closeBatchResult struct{}

// NewTrackCloseEngine constructs a TrackCloseEngine bound to coordinator.
func NewTrackCloseEngine(coordinator *SessionCoordinator) *TrackCloseEngine {
	return &TrackCloseEngine{
		coordinator: coordinator,
		dispatcher:  batch.NewDispatcher[closeItem, *closeBatchResult](256),
	}
}

// Close enqueues mid for closing. force mirrors the wire field of the
// same name (SPEC_FULL.md §6): true skips the SFU's graceful drain.
func (e *TrackCloseEngine) Close(ctx context.Context, mid string, force bool) error {
	_, err := e.dispatcher.Do(closeItem{mid: mid, force: force}, e.flush)
	return err
}

func (e *TrackCloseEngine) flush(items []closeItem) (*closeBatchResult, error) {
	sess, scheduler, err := e.coordinator.active()
	if err != nil {
		return nil, err
	}

	res := fifo.Schedule(scheduler, func(ctx context.Context) (*closeBatchResult, error) {
		return e.negotiate(ctx, sess, items)
	})

	out := <-res
	return out.Value, out.Err
}

func (e *TrackCloseEngine) negotiate(ctx context.Context, sess *Session, items []closeItem) (*closeBatchResult, error) {
	// SPEC_FULL.md §4.7: "skip the round-trip entirely if the peer
	// connection is already closed" -- there is nothing left to offer or
	// tell the SFU about.
	if sess.PeerConnection.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return &closeBatchResult{}, nil
	}

	mids := make([]string, len(items))
	force := false
	for i, item := range items {
		mids[i] = item.mid
		force = force || item.force

		// Stop each closing track's transceiver before offering, so the
		// offer actually reflects the removal (SPEC_FULL.md §4.7: "stop
		// each transceiver; create an offer reflecting the stopped
		// transceivers").
		if t := transceiverByMID(sess.PeerConnection, item.mid); t != nil {
			if err := t.Stop(); err != nil {
				return nil, fmt.Errorf("partytracks: stop transceiver %q: %w", item.mid, err)
			}
		}
	}

	offer, err := sess.PeerConnection.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("partytracks: create offer: %w", err)
	}
	if err := sess.PeerConnection.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("partytracks: set local description: %w", err)
	}

	resp, err := e.coordinator.sfu.tracksClose(ctx, sess.SessionID,
		sessionDescriptionPayload{Type: "offer", SDP: sess.PeerConnection.LocalDescription().SDP},
		mids, force)
	if err != nil {
		return nil, err
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.SessionDescription.SDP}
	if err := sess.PeerConnection.SetRemoteDescription(answer); err != nil {
		return nil, fmt.Errorf("partytracks: set remote description: %w", err)
	}

	return &closeBatchResult{}, nil
}

func transceiverByMID(pc *webrtc.PeerConnection, mid string) *webrtc.RTPTransceiver {
	for _, t := range pc.GetTransceivers() {
		if t.Mid() == mid {
			return t
		}
	}
	return nil
}
