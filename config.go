package partytracks

import (
	"net/http"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// Config configures a SessionCoordinator. Grounded on the teacher's
// TurnServer/ClientOptions pattern (sfu.go, client.go): a small plain
// struct with a Default* constructor rather than functional options,
// matching the teacher's own calling convention.
type Config struct {
	// Prefix is prepended to every SFU HTTP path. Default "/partytracks".
	Prefix string

	// BaseURL is the SFU's origin, e.g. "https://sfu.example.com".
	BaseURL string

	// APIExtraParams is appended as a URL-encoded query string to every
	// SFU call.
	APIExtraParams string

	// Headers are appended to every SFU call.
	Headers http.Header

	// ICEServers overrides the auto-fetched ICE server list from
	// GET /generate-ice-servers. When nil, the coordinator fetches it
	// once per session.
	ICEServers []webrtc.ICEServer

	// MaxAPIHistory bounds the request/response history ring. Default 100.
	MaxAPIHistory int

	// HTTPClient performs the SFU calls. Defaults to http.DefaultClient.
	HTTPClient HTTPDoer

	// SignalingStableTimeout bounds the wait, after a push is answered, for
	// the sender's outbound-RTP stats to report bytes sent. Default 5s.
	// The push and pull flows make no separate wait for the stable
	// signaling state.
	SignalingStableTimeout time.Duration

	// TransceiverTimeout bounds waits for a track event to surface a
	// transceiver by MID. Default 5s.
	TransceiverTimeout time.Duration

	// ICEDisconnectedProbation bounds how long the coordinator tolerates
	// an ICE "disconnected" state before declaring the session failed.
	// Default 7s.
	ICEDisconnectedProbation time.Duration

	// ICEAgentTimeouts, when set, overrides pion's own ICE agent
	// disconnected/failed/keepalive timers via SettingEngine.SetICETimeouts.
	// Left nil, pion's defaults apply; tests tighten these to exercise
	// session rebuild without waiting on pion's (multi-second) defaults.
	ICEAgentTimeouts *ICEAgentTimeouts

	LoggerFactory logging.LoggerFactory
}

// ICEAgentTimeouts mirrors the three durations pion/webrtc's
// SettingEngine.SetICETimeouts accepts together.
type ICEAgentTimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration
}

// DefaultConfig returns a Config with every bounded wait and ring size
// set to the values named in SPEC_FULL.md §5/§6.
func DefaultConfig() Config {
	return Config{
		Prefix:                   "/partytracks",
		MaxAPIHistory:            100,
		SignalingStableTimeout:   5 * time.Second,
		TransceiverTimeout:       5 * time.Second,
		ICEDisconnectedProbation: 7 * time.Second,
		LoggerFactory:            logging.NewDefaultLoggerFactory(),
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.MaxAPIHistory <= 0 {
		c.MaxAPIHistory = def.MaxAPIHistory
	}
	if c.SignalingStableTimeout <= 0 {
		c.SignalingStableTimeout = def.SignalingStableTimeout
	}
	if c.TransceiverTimeout <= 0 {
		c.TransceiverTimeout = def.TransceiverTimeout
	}
	if c.ICEDisconnectedProbation <= 0 {
		c.ICEDisconnectedProbation = def.ICEDisconnectedProbation
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = def.LoggerFactory
	}
}
