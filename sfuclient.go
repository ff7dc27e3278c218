package partytracks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"partytracks/internal/history"
)

// HTTPDoer is satisfied directly by *http.Client; it is the caller's sole
// collaborator for reaching the SFU (SPEC_FULL.md §6).
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// sessionDescriptionPayload mirrors the wire shape of an RTCSessionDescription.
type sessionDescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type newSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type iceServersResponse struct {
	ICEServers json.RawMessage `json:"iceServers"`
}

type tracksNewRequest struct {
	SessionDescription *sessionDescriptionPayload `json:"sessionDescription,omitempty"`
	Tracks             []TrackMetadata            `json:"tracks"`
}

type tracksNewResponse struct {
	SessionDescription            *sessionDescriptionPayload `json:"sessionDescription,omitempty"`
	Tracks                        []TrackMetadata            `json:"tracks"`
	RequiresImmediateRenegotiation bool                      `json:"requiresImmediateRenegotiation,omitempty"`
	ErrorCode                      string                    `json:"errorCode,omitempty"`
	ErrorDescription               string                    `json:"errorDescription,omitempty"`
}

type renegotiateRequest struct {
	SessionDescription sessionDescriptionPayload `json:"sessionDescription"`
}

type renegotiateResponse struct {
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
}

type trackCloseEntry struct {
	MID string `json:"mid"`
}

type tracksCloseRequest struct {
	SessionDescription sessionDescriptionPayload `json:"sessionDescription"`
	Tracks             []trackCloseEntry         `json:"tracks"`
	Force              bool                      `json:"force"`
}

type tracksCloseResponse struct {
	SessionDescription sessionDescriptionPayload `json:"sessionDescription"`
}

type tracksUpdateEntry struct {
	TrackMetadata
	MID       string                `json:"mid"`
	Simulcast *SimulcastPreference  `json:"simulcast,omitempty"`
}

type tracksUpdateRequest struct {
	Tracks []tracksUpdateEntry `json:"tracks"`
}

// sfuClient performs the HTTP API described in SPEC_FULL.md §6 and
// records every request/response to a history ring regardless of outcome
// (§7: "the coordinator's logs record every request/response to the
// history ring regardless of outcome").
type sfuClient struct {
	cfg     Config
	history *history.Ring
}

func newSFUClient(cfg Config, h *history.Ring) *sfuClient {
	return &sfuClient{cfg: cfg, history: h}
}

func (c *sfuClient) endpoint(path string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", ErrNoURLProvider
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("partytracks: parse base url: %w", err)
	}
	u.Path = u.Path + c.cfg.Prefix + path

	if c.cfg.APIExtraParams != "" {
		if u.RawQuery == "" {
			u.RawQuery = c.cfg.APIExtraParams
		} else {
			u.RawQuery += "&" + c.cfg.APIExtraParams
		}
	}

	return u.String(), nil
}

func (c *sfuClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	target, err := c.endpoint(path)
	if err != nil {
		return err
	}

	var reqBody []byte
	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("partytracks: marshal request: %w", err)
		}
	}

	c.history.Record(history.Entry{
		Kind:      history.KindRequest,
		Endpoint:  path,
		Method:    method,
		Body:      append(json.RawMessage{}, reqBody...),
		Timestamp: timeNow(),
	})

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("partytracks: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("partytracks: sfu unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("partytracks: read response: %w", err)
	}

	c.history.Record(history.Entry{
		Kind:      history.KindResponse,
		Endpoint:  path,
		Method:    method,
		Body:      append(json.RawMessage{}, respBody...),
		Timestamp: timeNow(),
	})

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return ErrSessionExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: sfu returned status %d", ErrProtocolViolation, resp.StatusCode)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
	}

	return nil
}

func (c *sfuClient) newSession(ctx context.Context) (string, error) {
	var out newSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/new", nil, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: empty sessionId", ErrProtocolViolation)
	}
	return out.SessionID, nil
}

func (c *sfuClient) generateICEServers(ctx context.Context) (json.RawMessage, error) {
	var out iceServersResponse
	if err := c.do(ctx, http.MethodGet, "/generate-ice-servers", nil, &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}

func (c *sfuClient) tracksNew(ctx context.Context, sessionID string, offer *sessionDescriptionPayload, tracks []TrackMetadata) (*tracksNewResponse, error) {
	var out tracksNewResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/tracks/new", sessionID),
		tracksNewRequest{SessionDescription: offer, Tracks: tracks}, &out)
	if err != nil {
		return nil, err
	}
	if out.ErrorCode != "" {
		return nil, fmt.Errorf("%w: %s", ErrSFU, out.ErrorDescription)
	}
	if out.Tracks == nil {
		return nil, fmt.Errorf("%w: response missing tracks[]", ErrProtocolViolation)
	}
	return &out, nil
}

func (c *sfuClient) renegotiate(ctx context.Context, sessionID string, answer sessionDescriptionPayload) error {
	var out renegotiateResponse
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/sessions/%s/renegotiate", sessionID),
		renegotiateRequest{SessionDescription: answer}, &out)
	if err != nil {
		return err
	}
	if out.ErrorCode != "" {
		return fmt.Errorf("%w: %s", ErrSFU, out.ErrorDescription)
	}
	return nil
}

func (c *sfuClient) tracksUpdate(ctx context.Context, sessionID string, entries []tracksUpdateEntry) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/sessions/%s/tracks/update", sessionID),
		tracksUpdateRequest{Tracks: entries}, nil)
}

func (c *sfuClient) tracksClose(ctx context.Context, sessionID string, offer sessionDescriptionPayload, mids []string, force bool) (*tracksCloseResponse, error) {
	entries := make([]trackCloseEntry, len(mids))
	for i, mid := range mids {
		entries[i] = trackCloseEntry{MID: mid}
	}

	var out tracksCloseResponse
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/sessions/%s/tracks/close", sessionID),
		tracksCloseRequest{SessionDescription: offer, Tracks: entries, Force: force}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// timeNow is a thin seam so history timestamps are testable; production
// code always uses the wall clock.
var timeNow = time.Now
