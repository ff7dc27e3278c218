package partytracks

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Session is the SFU-side abstraction bound to one peer connection
// (GLOSSARY). Every track attached to PeerConnection belongs to SessionID.
type Session struct {
	PeerConnection *webrtc.PeerConnection
	SessionID      string

	mu            sync.Mutex
	trackHandlers []*trackHandlerEntry
	nextHandlerID int
}

type trackHandlerEntry struct {
	id int
	cb func(mid string, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// OnTrack registers cb to be invoked, with the MID resolved from the
// peer connection's transceiver list, for every remote track event on
// this session. It returns an unregister function. One-shot listeners
// (PullTrackEngine's trackWaiter) call it and unregister immediately
// once resolved.
func (s *Session) OnTrack(cb func(mid string, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) func() {
	s.mu.Lock()
	id := s.nextHandlerID
	s.nextHandlerID++
	s.trackHandlers = append(s.trackHandlers, &trackHandlerEntry{id: id, cb: cb})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, h := range s.trackHandlers {
			if h.id == id {
				s.trackHandlers = append(s.trackHandlers[:i], s.trackHandlers[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) dispatchTrack(mid string, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mu.Lock()
	handlers := make([]*trackHandlerEntry, len(s.trackHandlers))
	copy(handlers, s.trackHandlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h.cb(mid, remote, receiver)
	}
}

// TrackLocation distinguishes a track pushed from this peer connection
// from one pulled from another session.
type TrackLocation string

const (
	LocationLocal  TrackLocation = "local"
	LocationRemote TrackLocation = "remote"
)

// SimulcastPreference selects one simulcast layer (GLOSSARY: RID).
type SimulcastPreference struct {
	PreferredRID string
}

// TrackMetadata is the wire shape exchanged with the SFU for both push
// and pull operations (SPEC_FULL.md §6).
type TrackMetadata struct {
	Location  TrackLocation        `json:"location"`
	TrackName string               `json:"trackName"`
	SessionID string               `json:"sessionId,omitempty"`
	MID       *string              `json:"mid,omitempty"`
	Simulcast *SimulcastPreference `json:"simulcast,omitempty"`

	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

// PushedTrack is the coordinator's record of one locally published track.
// stableId survives session resets (boundary scenario 3): the same
// PushedTrack re-pushes itself against a freshly built session using the
// same StableID, so downstream consumers see a consistent identity.
type PushedTrack struct {
	StableID      string
	Track         webrtc.TrackLocal
	SessionID     string
	MID           string
	Sender        *webrtc.RTPSender
	SendEncodings []webrtc.RTPEncodingParameters
}

// PulledTrack is the coordinator's record of one remote track pulled into
// this peer connection.
type PulledTrack struct {
	TrackName       string
	SourceSessionID string
	MID             string
	Track           *webrtc.TrackRemote
	Receiver        *webrtc.RTPReceiver
}

// PendingBatch describes the items of one BulkRequestDispatcher batch.
// internal/batch's BatchFunc receives those items as a plain []I slice;
// nothing in this module constructs or consumes a PendingBatch.
type PendingBatch[I any] struct {
	Items []I
}
