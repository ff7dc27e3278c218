package partytracks

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// TestPullResolvesTrackByMID is boundary scenario 4: a pull whose response
// requires immediate renegotiation completes one extra offer/answer round
// before the transceiver surfaces.
func TestPullResolvesTrackByMID(t *testing.T) {
	fake := newFakeSFU(t)
	srv := fake.server()
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.TransceiverTimeout = 3 * time.Second
	c := NewCoordinator(cfg)
	sess := awaitSession(t, c)

	remoteTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "remote")
	require.NoError(t, err)
	fake.pushRemoteTrack(sess.SessionID, remoteTrack)

	stop := make(chan struct{})
	defer close(stop)
	go feedRTP(remoteTrack, stop)

	pull := NewPullTrackEngine(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pulled, err := pull.Pull(ctx, "webcam", "other-session")
	require.NoError(t, err)
	require.Equal(t, "webcam", pulled.TrackName)
	require.NotEmpty(t, pulled.MID)
	require.NotNil(t, pulled.Track)

	require.Contains(t, pull.PulledTracks(), pulled.MID)
}

// TestUpdateSimulcastPreferenceSendsTracksUpdatePut is boundary scenario 5:
// a simulcast preference change is a direct PUT /tracks/update, never a
// new /tracks/new call.
func TestUpdateSimulcastPreferenceSendsTracksUpdatePut(t *testing.T) {
	fake := newFakeSFU(t)
	srv := fake.server()
	defer srv.Close()

	c := NewCoordinator(testConfig(srv.URL))
	awaitSession(t, c)

	pull := NewPullTrackEngine(c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	callsBefore := fake.callCount()

	err := pull.UpdateSimulcastPreference(ctx, "1", "h")
	require.NoError(t, err)

	require.Equal(t, callsBefore, fake.callCount(), "simulcast preference update must not call tracks/new")

	entries := fake.updateEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "1", entries[0].MID)
	require.NotNil(t, entries[0].Simulcast)
	require.Equal(t, "h", entries[0].Simulcast.PreferredRID)
}
