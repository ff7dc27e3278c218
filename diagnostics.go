package partytracks

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// PushedTrackStats reports outbound-RTP stats for one pushed track.
// Grounded on room_stats.go's TrackSentStats: a typed, tagged struct
// rather than an untyped stats document, matching this module's history
// ring (internal/history) choice of tagged variants over raw JSON.
type PushedTrackStats struct {
	StableID    string  `json:"stableId"`
	MID         string  `json:"mid"`
	Kind        string  `json:"kind"`
	PacketsSent uint64  `json:"packetsSent"`
	BytesSent   uint64  `json:"bytesSent"`
	PacketsLost int64   `json:"packetsLost"`
}

// PulledTrackStats reports inbound-RTP stats for one pulled track.
// Grounded on room_stats.go's TrackReceivedStats.
type PulledTrackStats struct {
	TrackName       string `json:"trackName"`
	MID             string `json:"mid"`
	Kind            string `json:"kind"`
	PacketsReceived uint64 `json:"packetsReceived"`
	BytesReceived   int64  `json:"bytesReceived"`
	PacketsLost     int64  `json:"packetsLost"`
}

// SessionSnapshot is a point-in-time report of one session's tracks and
// their RTP stats. Grounded on room_stats.go's RoomStats, narrowed from
// "every client in the room" to "the one session this coordinator owns".
type SessionSnapshot struct {
	SessionID string              `json:"sessionId"`
	Timestamp time.Time           `json:"timestamp"`
	Pushed    []PushedTrackStats  `json:"pushed"`
	Pulled    []PulledTrackStats  `json:"pulled"`
}

// Snapshot reports current stats for every track this coordinator has
// pushed or pulled. It is a read of the live peer connection's stats
// report, not of the history ring.
func Snapshot(coordinator *SessionCoordinator, push *PushTrackEngine, pull *PullTrackEngine) (SessionSnapshot, error) {
	sess, _, err := coordinator.active()
	if err != nil {
		return SessionSnapshot{}, err
	}

	report := sess.PeerConnection.GetStats()

	snap := SessionSnapshot{SessionID: sess.SessionID, Timestamp: timeNow()}

	for _, pt := range push.PushedTracks() {
		stat := PushedTrackStats{StableID: pt.StableID, MID: pt.MID}
		for _, s := range report {
			if out, ok := s.(webrtc.OutboundRTPStreamStats); ok && out.Mid == pt.MID {
				stat.Kind = string(out.Kind)
				stat.PacketsSent = out.PacketsSent
				stat.BytesSent = out.BytesSent
				break
			}
		}
		snap.Pushed = append(snap.Pushed, stat)
	}

	for mid, pt := range pull.PulledTracks() {
		stat := PulledTrackStats{TrackName: pt.TrackName, MID: mid}
		for _, s := range report {
			if in, ok := s.(webrtc.InboundRTPStreamStats); ok && in.Mid == mid {
				stat.Kind = string(in.Kind)
				stat.PacketsReceived = in.PacketsReceived
				stat.BytesReceived = int64(in.BytesReceived)
				stat.PacketsLost = int64(in.PacketsLost)
				break
			}
		}
		snap.Pulled = append(snap.Pulled, stat)
	}

	return snap, nil
}
