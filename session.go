// Package partytracks implements a reactive coordinator for one WebRTC
// peer connection to an SFU: session lifecycle, signaling batching and
// serialization, and per-track push/pull/close wiring.
//
// Grounded on the teacher's sfu.go (SFU: ICE-server construction from a
// TurnServer, createClient's MediaEngine/interceptor registration,
// onConnectionStateChanged's state switch, startIdleTimeout/
// cancelIdleTimeout) and client.go (the same idle-timeout context+timer
// pattern at client scope, the per-client queue used to serialize
// negotiation). Where the teacher manages N clients of one room, this
// coordinator manages exactly one peer connection to one remote SFU.
package partytracks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"partytracks/internal/fifo"
	"partytracks/internal/history"
	"partytracks/internal/retry"
	"partytracks/internal/sharedstream"
)

// SessionCoordinator owns the single peer connection to the SFU, rebuilds
// it on failure, and serializes all signaling calls against it through a
// FIFOScheduler.
type SessionCoordinator struct {
	cfg     Config
	sfu     *sfuClient
	history *history.Ring
	logger  logging.LeveledLogger
	stream  *sharedstream.Hot[*Session]

	mu        sync.Mutex
	session   *Session
	scheduler *fifo.Scheduler
}

// NewCoordinator constructs a SessionCoordinator. It does not dial the SFU
// until the first Sessions().Subscribe call (sharedstream.Hot's contract:
// first subscriber triggers creation).
func NewCoordinator(cfg Config) *SessionCoordinator {
	cfg.setDefaults()

	ring := history.New(cfg.MaxAPIHistory)
	c := &SessionCoordinator{
		cfg:     cfg,
		sfu:     newSFUClient(cfg, ring),
		history: ring,
		logger:  cfg.LoggerFactory.NewLogger("session"),
	}
	c.stream = sharedstream.New(func() sharedstream.Producer[*Session] { return c.produce })
	return c
}

// Sessions exposes the session stream: hot, ref-counted, replays the
// latest session to a late subscriber (SPEC_FULL.md §4.4).
func (c *SessionCoordinator) Sessions() *sharedstream.Hot[*Session] {
	return c.stream
}

// History returns the ring of every SFU request/response recorded so far,
// oldest first.
func (c *SessionCoordinator) History() []history.Entry {
	return c.history.Snapshot()
}

func (c *SessionCoordinator) produce(ctx context.Context, emit func(*Session), fail func(error)) {
	if c.cfg.BaseURL == "" {
		fail(ErrNoURLProvider)
		return
	}

	policy := retry.DefaultPolicy()
	err := retry.Run(ctx, policy,
		c.runGeneration,
		func(s *Session) { emit(s) },
		func(attempt int, delay time.Duration, cause error) {
			c.logger.Warnf("rebuilding session (attempt %d, retrying in %v): %v", attempt, delay, cause)
		},
	)
	if err != nil {
		fail(err)
	}
}

// runGeneration builds one peer connection, emits it once it exists, and
// blocks until it is deliberately closed (returns nil, ending the stream
// for good) or fails (returns a non-nil error, triggering retry.Run's
// backoff-then-resubscribe -- which is this coordinator's "rebuild").
func (c *SessionCoordinator) runGeneration(ctx context.Context, onValue func(*Session)) error {
	pc, err := c.newPeerConnection(ctx)
	if err != nil {
		return err
	}

	sessionID, err := c.sfu.newSession(ctx)
	if err != nil {
		_ = pc.Close()
		return err
	}

	sess := &Session{PeerConnection: pc, SessionID: sessionID}
	scheduler := fifo.NewScheduler(ctx)

	c.mu.Lock()
	c.session = sess
	c.scheduler = scheduler
	c.mu.Unlock()

	outcome := make(chan error, 1)
	report := func(err error) {
		select {
		case outcome <- err:
		default:
		}
	}

	var probationCancel context.CancelFunc
	var probationMu sync.Mutex

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateDisconnected:
			probCtx, cancel := context.WithTimeout(ctx, c.cfg.ICEDisconnectedProbation)
			probationMu.Lock()
			probationCancel = cancel
			probationMu.Unlock()
			go func() {
				<-probCtx.Done()
				if probCtx.Err() == context.DeadlineExceeded {
					report(fmt.Errorf("session: ice disconnected probation expired"))
				}
			}()
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			probationMu.Lock()
			if probationCancel != nil {
				probationCancel()
				probationCancel = nil
			}
			probationMu.Unlock()
		case webrtc.ICEConnectionStateFailed:
			report(fmt.Errorf("session: ice connection failed"))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		mid := ""
		for _, t := range pc.GetTransceivers() {
			if t.Receiver() == receiver {
				mid = t.Mid()
				break
			}
		}
		sess.dispatchTrack(mid, remote, receiver)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			report(fmt.Errorf("session: peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			report(nil)
		}
	})

	onValue(sess)

	select {
	case <-ctx.Done():
		_ = pc.Close()
		scheduler.Close()
		return ctx.Err()
	case err := <-outcome:
		_ = pc.Close()
		scheduler.Close()
		return err
	}
}

// newPeerConnection mirrors the teacher's createClient: register the
// codecs and header extensions the SFU negotiates, install the default
// interceptor set, and build the RTCConfiguration. Unlike the teacher
// (which runs the SFU side and needs a UDPMux for many peers), this is a
// single outbound client connection, so no UDPMux is set up; the
// SettingEngine only carries Config.ICEAgentTimeouts when those are set.
func (c *SessionCoordinator) newPeerConnection(ctx context.Context) (*webrtc.PeerConnection, error) {
	iceServers, err := c.resolveICEServers(ctx)
	if err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("partytracks: register codecs: %w", err)
	}
	for _, ext := range []string{
		"urn:ietf:params:rtp-hdrext:sdes:mid",
		"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
		"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
	} {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("partytracks: register header extension: %w", err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("partytracks: register interceptors: %w", err)
	}

	var settingEngine webrtc.SettingEngine
	if t := c.cfg.ICEAgentTimeouts; t != nil {
		if err := settingEngine.SetICETimeouts(t.Disconnected, t.Failed, t.Keepalive); err != nil {
			return nil, fmt.Errorf("partytracks: set ice timeouts: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry), webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("partytracks: new peer connection: %w", err)
	}
	return pc, nil
}

func (c *SessionCoordinator) resolveICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if c.cfg.ICEServers != nil {
		return c.cfg.ICEServers, nil
	}

	raw, err := c.sfu.generateICEServers(ctx)
	if err != nil {
		return nil, err
	}

	var servers []webrtc.ICEServer
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, fmt.Errorf("%w: iceServers: %v", ErrProtocolViolation, err)
	}
	return servers, nil
}

// active returns the current session and its scheduler, or
// ErrSessionClosed if no generation has been produced yet (caller must
// Subscribe to Sessions() first).
func (c *SessionCoordinator) active() (*Session, *fifo.Scheduler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.scheduler == nil {
		return nil, nil, ErrSessionClosed
	}
	return c.session, c.scheduler, nil
}
