package partytracks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"partytracks/internal/batch"
	"partytracks/internal/fifo"
	"partytracks/internal/sharedstream"
)

// PullTrackEngine pulls remote tracks (published by other sessions)
// into this peer connection. Concurrent pulls submitted within one
// batching window coalesce into a single POST /tracks/new request
// (boundary scenario 2's pull analogue), and a pull response that sets
// requiresImmediateRenegotiation drives one extra offer/answer round
// before the MID is resolved (boundary scenario 4).
//
// Grounded on client.go's negotiateQueuOp (SetRemoteDescription ->
// CreateAnswer -> SetLocalDescription, run as one queued operation) and
// the teacher's OnTrack handler in sfu.go/client.go (a one-shot listener
// that surfaces a newly negotiated track), retargeted from "accept
// whatever the remote offers" to "resolve the transceiver this specific
// pull asked for, by MID, within a bounded wait".
type PullTrackEngine struct {
	coordinator *SessionCoordinator

	mu     sync.Mutex
	pulled map[string]*PulledTrack // keyed by current MID
	active []*pullSubscription     // every live pull, for rebuild resubscription

	lastSessionID string
	seenSession   bool

	dispatcher *batch.Dispatcher[pullItem, *pullBatchResult]
	rebuildSub *sharedstream.Subscription
}

// pullSubscription preserves the descriptor a pull was originally made
// with. trackName+sourceSessionID -- never the MID, which is session-local
// (SPEC_FULL.md §9) -- is what survives a session rebuild.
type pullSubscription struct {
	trackName       string
	sourceSessionID string

	mu  sync.Mutex
	mid string
}

type pullItem struct {
	trackName string
	sessionID string
}

type pullBatchResult struct {
	midByTrackName map[string]string
}

// NewPullTrackEngine constructs a PullTrackEngine bound to coordinator. It
// subscribes to coordinator.Sessions() for the life of the engine so that a
// session rebuild (SPEC_FULL.md §4.6: "session rebuild resubscribes from
// step 1") re-pulls every currently active pull.
func NewPullTrackEngine(coordinator *SessionCoordinator) *PullTrackEngine {
	e := &PullTrackEngine{
		coordinator: coordinator,
		pulled:      make(map[string]*PulledTrack),
		dispatcher:  batch.NewDispatcher[pullItem, *pullBatchResult](256),
	}
	e.rebuildSub = coordinator.Sessions().Subscribe(e.onSession, nil)
	return e
}

func (e *PullTrackEngine) onSession(sess *Session) {
	e.mu.Lock()
	first := !e.seenSession
	rebuilt := e.seenSession && e.lastSessionID != sess.SessionID
	e.seenSession = true
	e.lastSessionID = sess.SessionID

	var subs []*pullSubscription
	if rebuilt {
		subs = make([]*pullSubscription, len(e.active))
		copy(subs, e.active)
	}
	e.mu.Unlock()

	if first || !rebuilt || len(subs) == 0 {
		return
	}

	go e.rePull(subs)
}

// rePull re-runs the pull flow for every subscription that survived a
// session rebuild, resolving a fresh transceiver by the new MID the SFU
// assigns and updating the pulled-by-MID index accordingly.
func (e *PullTrackEngine) rePull(subs []*pullSubscription) {
	for _, sub := range subs {
		resolved, err := e.pullOnce(context.Background(), sub.trackName, sub.sourceSessionID)
		if err != nil {
			e.coordinator.logger.Warnf("partytracks: re-pull %q after session rebuild: %v", sub.trackName, err)
			continue
		}

		sub.mu.Lock()
		oldMID := sub.mid
		sub.mid = resolved.MID
		sub.mu.Unlock()

		e.mu.Lock()
		delete(e.pulled, oldMID)
		e.pulled[resolved.MID] = &resolved
		e.mu.Unlock()
	}
}

// Pull requests trackName from sourceSessionID and blocks until a
// transceiver surfaces carrying it, or TransceiverTimeout elapses.
func (e *PullTrackEngine) Pull(ctx context.Context, trackName, sourceSessionID string) (PulledTrack, error) {
	resolved, err := e.pullOnce(ctx, trackName, sourceSessionID)
	if err != nil {
		return PulledTrack{}, err
	}

	sub := &pullSubscription{trackName: trackName, sourceSessionID: sourceSessionID, mid: resolved.MID}

	e.mu.Lock()
	e.active = append(e.active, sub)
	e.pulled[resolved.MID] = &resolved
	e.mu.Unlock()

	return resolved, nil
}

// pullOnce runs one pull request/response/resolve cycle without touching
// e.pulled or e.active; both Pull and the session-rebuild re-pull path
// build on it.
func (e *PullTrackEngine) pullOnce(ctx context.Context, trackName, sourceSessionID string) (PulledTrack, error) {
	waitDone := make(chan struct{})
	var resolved PulledTrack
	var resolveErr error

	sess, _, err := e.coordinator.active()
	if err != nil {
		return PulledTrack{}, err
	}

	var once sync.Once
	waiter := &trackWaiter{trackName: trackName}
	waiter.unregister = sess.OnTrack(func(mid string, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		waiter.resolve(mid, remote, receiver, func(pt PulledTrack, err error) {
			once.Do(func() {
				resolved, resolveErr = pt, err
				close(waitDone)
			})
		})
	})
	defer waiter.cancel()

	result, err := e.dispatcher.Do(pullItem{trackName: trackName, sessionID: sourceSessionID}, e.flush)
	if err != nil {
		return PulledTrack{}, err
	}

	mid, ok := result.midByTrackName[trackName]
	if !ok {
		return PulledTrack{}, fmt.Errorf("%w: no mid returned for %q", ErrProtocolViolation, trackName)
	}
	waiter.expectMID(mid)

	select {
	case <-waitDone:
		if resolveErr != nil {
			return PulledTrack{}, resolveErr
		}
		resolved.SourceSessionID = sourceSessionID
		return resolved, nil
	case <-ctx.Done():
		return PulledTrack{}, ctx.Err()
	case <-time.After(e.coordinator.cfg.TransceiverTimeout):
		return PulledTrack{}, ErrTransceiverTimeout
	}
}

func (e *PullTrackEngine) flush(items []pullItem) (*pullBatchResult, error) {
	sess, scheduler, err := e.coordinator.active()
	if err != nil {
		return nil, err
	}

	res := fifo.Schedule(scheduler, func(ctx context.Context) (*pullBatchResult, error) {
		return e.negotiate(ctx, sess, items)
	})

	out := <-res
	return out.Value, out.Err
}

func (e *PullTrackEngine) negotiate(ctx context.Context, sess *Session, items []pullItem) (*pullBatchResult, error) {
	requestTracks := make([]TrackMetadata, len(items))
	for i, item := range items {
		requestTracks[i] = TrackMetadata{
			Location:  LocationRemote,
			TrackName: item.trackName,
			SessionID: item.sessionID,
		}
	}

	resp, err := e.coordinator.sfu.tracksNew(ctx, sess.SessionID, nil, requestTracks)
	if err != nil {
		return nil, err
	}

	midByTrackName := make(map[string]string, len(resp.Tracks))
	for _, t := range resp.Tracks {
		if t.ErrorCode != "" {
			return nil, fmt.Errorf("%w: %s", ErrSFU, t.ErrorDescription)
		}
		if t.MID != nil {
			midByTrackName[t.TrackName] = *t.MID
		}
	}

	if resp.RequiresImmediateRenegotiation {
		if resp.SessionDescription == nil {
			return nil, fmt.Errorf("%w: requiresImmediateRenegotiation without an offer", ErrProtocolViolation)
		}
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: resp.SessionDescription.SDP}
		if err := sess.PeerConnection.SetRemoteDescription(offer); err != nil {
			return nil, fmt.Errorf("partytracks: set remote description: %w", err)
		}

		answer, err := sess.PeerConnection.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("partytracks: create answer: %w", err)
		}
		if err := sess.PeerConnection.SetLocalDescription(answer); err != nil {
			return nil, fmt.Errorf("partytracks: set local description: %w", err)
		}

		// The teacher's source reads currentLocalDescription.sdp here
		// rather than localDescription.sdp; SPEC_FULL.md §9 flags this
		// as an unresolved intentional-vs-accidental question. This
		// implementation follows the source literally.
		local := sess.PeerConnection.CurrentLocalDescription()
		if local == nil {
			local = sess.PeerConnection.LocalDescription()
		}

		if err := e.coordinator.sfu.renegotiate(ctx, sess.SessionID, sessionDescriptionPayload{Type: "answer", SDP: local.SDP}); err != nil {
			return nil, err
		}
	}

	return &pullBatchResult{midByTrackName: midByTrackName}, nil
}

// UpdateSimulcastPreference sends a preferred RID for an already-pulled
// track (boundary scenario 5). It never triggers a new /tracks/new call;
// it is a direct PUT /tracks/update through the FIFOScheduler.
func (e *PullTrackEngine) UpdateSimulcastPreference(ctx context.Context, mid, preferredRID string) error {
	sess, scheduler, err := e.coordinator.active()
	if err != nil {
		return err
	}

	res := fifo.Schedule(scheduler, func(ctx context.Context) (struct{}, error) {
		err := e.coordinator.sfu.tracksUpdate(ctx, sess.SessionID, []tracksUpdateEntry{
			{MID: mid, Simulcast: &SimulcastPreference{PreferredRID: preferredRID}},
		})
		return struct{}{}, err
	})

	out := <-res
	return out.Err
}

// trackWaiter resolves a pending Pull once a track event surfaces a
// transceiver whose MID matches the one assigned by the SFU's response.
// One-shot by construction: SPEC_FULL.md §9 names the MID-by-track-event
// coupling an unavoidable WebRTC API constraint, modeled as a bounded
// one-shot listener.
type trackWaiter struct {
	mu         sync.Mutex
	trackName  string
	wantMID    string
	fired      bool
	cancelled  bool
	unregister func()
}

func (w *trackWaiter) expectMID(mid string) {
	w.mu.Lock()
	w.wantMID = mid
	w.mu.Unlock()
}

func (w *trackWaiter) cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	if w.unregister != nil {
		w.unregister()
	}
}

// resolve is invoked from the session's fanned-out OnTrack handler for
// every incoming transceiver; it is a no-op unless mid matches the MID
// this waiter was told to expect.
func (w *trackWaiter) resolve(mid string, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, onResolve func(PulledTrack, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fired || w.cancelled || w.wantMID == "" || w.wantMID != mid {
		return
	}
	w.fired = true

	onResolve(PulledTrack{
		TrackName: w.trackName,
		MID:       mid,
		Track:     remote,
		Receiver:  receiver,
	}, nil)
}

// Unsubscribe tears down a previously pulled track (SPEC_FULL.md §5:
// "unsubscribing from a pull: enqueues a close if a MID was obtained").
func (e *PullTrackEngine) Unsubscribe(ctx context.Context, mid string, closer *TrackCloseEngine) error {
	e.mu.Lock()
	_, ok := e.pulled[mid]
	if ok {
		delete(e.pulled, mid)
		for i, sub := range e.active {
			sub.mu.Lock()
			match := sub.mid == mid
			sub.mu.Unlock()
			if match {
				e.active = append(e.active[:i], e.active[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return closer.Close(ctx, mid, false)
}

// PulledTracks returns a snapshot of every track currently pulled,
// keyed by MID.
func (e *PullTrackEngine) PulledTracks() map[string]*PulledTrack {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]*PulledTrack, len(e.pulled))
	for k, v := range e.pulled {
		out[k] = v
	}
	return out
}
