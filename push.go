package partytracks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"partytracks/internal/batch"
	"partytracks/internal/fifo"
	"partytracks/internal/sharedstream"
)

// PushTrackEngine publishes locally-sourced tracks to the SFU. Concurrent
// pushes submitted within one batching window are coalesced into a single
// POST /tracks/new request (boundary scenarios 1-2), but the request
// itself -- and every other signaling call against the session -- still
// serializes through the session's FIFOScheduler (SPEC_FULL.md §5).
//
// Grounded on client.go's addTrack/setClientTrack (AddTrack bookkeeping)
// and renegotiateQueuOp (offer/answer cycle run as a single queued
// operation), retargeted from "add one track, maybe renegotiate later" to
// "batch N tracks, negotiate once".
type PushTrackEngine struct {
	coordinator *SessionCoordinator

	mu     sync.Mutex
	pushed map[string]*PushedTrack

	lastSessionID string
	seenSession   bool

	dispatcher *batch.Dispatcher[pushItem, *pushBatchResult]
	rebuildSub *sharedstream.Subscription
}

type pushItem struct {
	stableID  string
	track     webrtc.TrackLocal
	encodings []webrtc.RTPEncodingParameters
}

type pushBatchResult struct {
	metadata map[string]TrackMetadata
	senders  map[string]*webrtc.RTPSender
	mids     map[string]string
}

// NewPushTrackEngine constructs a PushTrackEngine bound to coordinator. It
// subscribes to coordinator.Sessions() for the life of the engine so that a
// session rebuild (SPEC_FULL.md §4.5: "on session rebuild ... re-push with
// the preserved stableId") re-pushes every currently tracked track without
// any caller involvement.
func NewPushTrackEngine(coordinator *SessionCoordinator) *PushTrackEngine {
	e := &PushTrackEngine{
		coordinator: coordinator,
		pushed:      make(map[string]*PushedTrack),
		dispatcher:  batch.NewDispatcher[pushItem, *pushBatchResult](256),
	}
	e.rebuildSub = coordinator.Sessions().Subscribe(e.onSession, nil)
	return e
}

// onSession observes every session generation the coordinator produces. The
// first emission is the initial session and needs no action; any later
// emission with a different SessionID is a rebuild (SPEC_FULL.md §4.4), and
// every track this engine has pushed so far is re-pushed against it using
// its preserved stableID.
func (e *PushTrackEngine) onSession(sess *Session) {
	e.mu.Lock()
	first := !e.seenSession
	rebuilt := e.seenSession && e.lastSessionID != sess.SessionID
	e.seenSession = true
	e.lastSessionID = sess.SessionID

	var tracks []*PushedTrack
	if rebuilt {
		tracks = make([]*PushedTrack, 0, len(e.pushed))
		for _, t := range e.pushed {
			tracks = append(tracks, t)
		}
	}
	e.mu.Unlock()

	if first || !rebuilt || len(tracks) == 0 {
		return
	}

	go e.rePush(tracks)
}

// rePush re-runs the push flow for tracks that survived a session rebuild,
// keyed by the stableID each was originally minted with (boundary scenario
// 3: "a new /tracks/new push using the same stableId").
func (e *PushTrackEngine) rePush(tracks []*PushedTrack) {
	for _, t := range tracks {
		result, err := e.dispatcher.Do(pushItem{stableID: t.StableID, track: t.Track, encodings: t.SendEncodings}, e.flush)
		if err != nil {
			e.coordinator.logger.Warnf("partytracks: re-push %q after session rebuild: %v", t.StableID, err)
			continue
		}

		e.mu.Lock()
		if pushed, ok := e.pushed[t.StableID]; ok {
			if meta, ok := result.metadata[t.StableID]; ok {
				pushed.SessionID = meta.SessionID
			}
			pushed.MID = result.mids[t.StableID]
			pushed.Sender = result.senders[t.StableID]
		}
		e.mu.Unlock()
	}
}

// Push mints a fresh stableID (SPEC_FULL.md §4.5: "on first emission of
// sourceTrack$, mint stableId") and publishes track under it. It blocks
// until the SFU has acknowledged the track and the sender has begun
// sending bytes, per the universal invariant that metadata emission
// follows bytesSent > 0. The returned PushSubscription is the caller's
// handle for later replaceTrack/setParameters calls and for Unsubscribe.
func (e *PushTrackEngine) Push(ctx context.Context, track webrtc.TrackLocal) (TrackMetadata, *PushSubscription, error) {
	stableID := uuid.NewString()

	meta, err := e.pushOnce(ctx, stableID, track, nil)
	if err != nil {
		return TrackMetadata{}, nil, err
	}

	return meta, &PushSubscription{engine: e, stableID: stableID}, nil
}

func (e *PushTrackEngine) pushOnce(ctx context.Context, stableID string, track webrtc.TrackLocal, encodings []webrtc.RTPEncodingParameters) (TrackMetadata, error) {
	result, err := e.dispatcher.Do(pushItem{stableID: stableID, track: track, encodings: encodings}, e.flush)
	if err != nil {
		return TrackMetadata{}, err
	}

	meta, ok := result.metadata[stableID]
	if !ok {
		return TrackMetadata{}, fmt.Errorf("%w: no metadata returned for %q", ErrProtocolViolation, stableID)
	}

	e.mu.Lock()
	e.pushed[stableID] = &PushedTrack{
		StableID:      stableID,
		Track:         track,
		SessionID:     meta.SessionID,
		MID:           result.mids[stableID],
		Sender:        result.senders[stableID],
		SendEncodings: encodings,
	}
	e.mu.Unlock()

	if sender, ok := result.senders[stableID]; ok {
		if err := e.waitForBytesSent(ctx, e.coordinator, sender); err != nil {
			return TrackMetadata{}, err
		}
	}

	return meta, nil
}

// flush is the BatchFunc invoked once per batching window with every
// Push call that arrived inside it (SPEC_FULL.md §5: "push calls ...
// batch separately" from pull and close).
func (e *PushTrackEngine) flush(items []pushItem) (*pushBatchResult, error) {
	sess, scheduler, err := e.coordinator.active()
	if err != nil {
		return nil, err
	}

	res := fifo.Schedule(scheduler, func(ctx context.Context) (*pushBatchResult, error) {
		return e.negotiate(ctx, sess, items)
	})

	out := <-res
	return out.Value, out.Err
}

func (e *PushTrackEngine) negotiate(ctx context.Context, sess *Session, items []pushItem) (*pushBatchResult, error) {
	senders := make(map[string]*webrtc.RTPSender, len(items))
	transceivers := make(map[string]*webrtc.RTPTransceiver, len(items))

	for _, item := range items {
		// A pushed track is sendonly: this session never expects media
		// back on it (SPEC_FULL.md §4.5: "add a sendonly transceiver per
		// source track stream"). AddTrack would instead reuse or create
		// a sendrecv transceiver.
		transceiver, err := sess.PeerConnection.AddTransceiverFromTrack(item.track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return nil, fmt.Errorf("partytracks: add transceiver %q: %w", item.stableID, err)
		}
		transceivers[item.stableID] = transceiver
		senders[item.stableID] = transceiver.Sender()

		if len(item.encodings) > 0 {
			if err := applySendEncodings(transceiver.Sender(), item.encodings); err != nil {
				return nil, fmt.Errorf("partytracks: set send encodings %q: %w", item.stableID, err)
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

	requestTracks := make([]TrackMetadata, len(items))
	mids := make(map[string]string, len(items))
	for i, item := range items {
		mid := transceivers[item.stableID].Mid()
		mids[item.stableID] = mid
		requestTracks[i] = TrackMetadata{
			Location:  LocationLocal,
			TrackName: item.stableID,
			MID:       &mid,
		}
	}

	resp, err := e.coordinator.sfu.tracksNew(ctx, sess.SessionID,
		&sessionDescriptionPayload{Type: "offer", SDP: sess.PeerConnection.LocalDescription().SDP},
		requestTracks)
	if err != nil {
		return nil, err
	}

	if resp.SessionDescription != nil {
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.SessionDescription.SDP}
		if err := sess.PeerConnection.SetRemoteDescription(answer); err != nil {
			return nil, fmt.Errorf("partytracks: set remote description: %w", err)
		}
	}

	metadata := make(map[string]TrackMetadata, len(resp.Tracks))
	for _, t := range resp.Tracks {
		if t.ErrorCode != "" {
			return nil, fmt.Errorf("%w: %s", ErrSFU, t.ErrorDescription)
		}
		// The metadata surfaced to the caller never carries a MID
		// (universal invariant: "for every emitted pushed-track
		// metadata, mid is absent").
		metadata[t.TrackName] = TrackMetadata{
			Location:  LocationLocal,
			TrackName: t.TrackName,
			SessionID: sess.SessionID,
		}
	}

	return &pushBatchResult{metadata: metadata, senders: senders, mids: mids}, nil
}

// waitForBytesSent polls the peer connection's outbound-RTP stats until
// this sender's cumulative BytesSent is nonzero, bounded by
// SignalingStableTimeout (SPEC_FULL.md §5: "waiting for an outbound-RTP
// stat").
func (e *PushTrackEngine) waitForBytesSent(ctx context.Context, coordinator *SessionCoordinator, sender *webrtc.RTPSender) error {
	sess, _, err := coordinator.active()
	if err != nil {
		return err
	}

	deadline := time.NewTimer(coordinator.cfg.SignalingStableTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	ssrc := senderSSRC(sender)

	for {
		if outboundBytesSent(sess.PeerConnection, ssrc) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrSignalingStableTimeout
		case <-ticker.C:
		}
	}
}

func senderSSRC(sender *webrtc.RTPSender) webrtc.SSRC {
	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		return 0
	}
	return params.Encodings[0].SSRC
}

func outboundBytesSent(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) uint64 {
	if ssrc == 0 {
		return 0
	}
	for _, stat := range pc.GetStats() {
		if rtpStat, ok := stat.(webrtc.OutboundRTPStreamStats); ok {
			if webrtc.SSRC(rtpStat.SSRC) == ssrc {
				return rtpStat.BytesSent
			}
		}
	}
	return 0
}

// applySendEncodings merges updates into sender's current send parameters
// and applies them in place (SPEC_FULL.md §4.5: "call setParameters on the
// sender with the new encodings merged into existing parameters"). An
// encoding in updates replaces the existing entry with the same RID; an
// encoding whose RID is not already present is appended.
func applySendEncodings(sender *webrtc.RTPSender, updates []webrtc.RTPEncodingParameters) error {
	params := sender.GetParameters()
	params.Encodings = mergeSendEncodings(params.Encodings, updates)
	return sender.SetParameters(params)
}

func mergeSendEncodings(existing, updates []webrtc.RTPEncodingParameters) []webrtc.RTPEncodingParameters {
	merged := make([]webrtc.RTPEncodingParameters, len(existing))
	copy(merged, existing)

	for _, u := range updates {
		replaced := false
		if u.RID != "" {
			for i, e := range merged {
				if e.RID == u.RID {
					merged[i] = u
					replaced = true
					break
				}
			}
		}
		if !replaced {
			merged = append(merged, u)
		}
	}
	return merged
}

// PushSubscription is the caller's handle to one active push, returned by
// Push. Its identity (StableID) survives a session rebuild; the handle's
// methods always act against whatever session the track is currently
// pushed on.
type PushSubscription struct {
	engine   *PushTrackEngine
	stableID string
}

// StableID returns the identity minted for this push on first emission.
func (s *PushSubscription) StableID() string {
	return s.stableID
}

// ReplaceTrack swaps the locally-sourced track feeding this push without
// renegotiating (SPEC_FULL.md §4.5: "on later emissions of sourceTrack$:
// call replaceTrack on the sender").
func (s *PushSubscription) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.engine.replaceTrack(s.stableID, track)
}

// SetSendEncodings merges updates into the sender's current parameters
// (SPEC_FULL.md §4.5: "on later emissions of sendEncodings$: call
// setParameters on the sender").
func (s *PushSubscription) SetSendEncodings(updates []webrtc.RTPEncodingParameters) error {
	return s.engine.setSendEncodings(s.stableID, updates)
}

// Unsubscribe tears down the push (SPEC_FULL.md §5: "unsubscribing from a
// push ... enqueues a close").
func (s *PushSubscription) Unsubscribe(ctx context.Context, closer *TrackCloseEngine) error {
	return s.engine.Unsubscribe(ctx, s.stableID, closer)
}

func (e *PushTrackEngine) replaceTrack(stableID string, track webrtc.TrackLocal) error {
	e.mu.Lock()
	pushed, ok := e.pushed[stableID]
	e.mu.Unlock()

	if !ok || pushed.Sender == nil {
		return fmt.Errorf("%w: %q", ErrNotPushed, stableID)
	}
	if err := pushed.Sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("partytracks: replace track %q: %w", stableID, err)
	}

	e.mu.Lock()
	pushed.Track = track
	e.mu.Unlock()
	return nil
}

func (e *PushTrackEngine) setSendEncodings(stableID string, updates []webrtc.RTPEncodingParameters) error {
	e.mu.Lock()
	pushed, ok := e.pushed[stableID]
	e.mu.Unlock()

	if !ok || pushed.Sender == nil {
		return fmt.Errorf("%w: %q", ErrNotPushed, stableID)
	}
	if err := applySendEncodings(pushed.Sender, updates); err != nil {
		return fmt.Errorf("partytracks: set send encodings %q: %w", stableID, err)
	}

	e.mu.Lock()
	pushed.SendEncodings = mergeSendEncodings(pushed.SendEncodings, updates)
	e.mu.Unlock()
	return nil
}

// Unsubscribe tears down a previously pushed track (SPEC_FULL.md §5:
// "unsubscribing from a push ... enqueues a close"). It is a no-op if
// stableID was never successfully pushed or its MID is not yet known.
func (e *PushTrackEngine) Unsubscribe(ctx context.Context, stableID string, closer *TrackCloseEngine) error {
	e.mu.Lock()
	pushed, ok := e.pushed[stableID]
	if ok {
		delete(e.pushed, stableID)
	}
	e.mu.Unlock()

	if !ok || pushed.MID == "" {
		return nil
	}
	return closer.Close(ctx, pushed.MID, false)
}

// PushedTracks returns a snapshot of every track currently pushed under
// this engine, as read by Snapshot and by callers.
func (e *PushTrackEngine) PushedTracks() []*PushedTrack {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*PushedTrack, 0, len(e.pushed))
	for _, t := range e.pushed {
		out = append(out, t)
	}
	return out
}
