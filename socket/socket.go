// Package socket implements ReconnectingSocket: a stateful wrapper around
// a raw WebSocket connection that reconnects with backoff, queues
// pre-open sends, and survives repeated failures.
//
// New in this expansion -- the teacher has no client-side socket at all.
// Grounded on the retrieval pack's gorilla/websocket usage
// (n0remac-robot-webrtc/websocket/websocket.go: WebsocketClient wraps a
// *websocket.Conn with a Send channel and separate ReadPump/WritePump
// goroutines). Socket keeps that separation of concerns -- one goroutine
// owns the connection and drains a queue -- but turns it around from a
// server Upgrader accept loop into a client Dial-with-backoff loop, using
// the same github.com/gorilla/websocket library.
package socket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// State mirrors the raw WebSocket's lifecycle (spec.md §4.8).
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// MessageType selects the WebSocket frame type used for BinaryType and for
// Socket.SendDefault's default framing.
type MessageType int

const (
	TextMessage MessageType = iota
	BinaryMessage
)

// Message is a transport-neutral inbound frame.
type Message struct {
	Data   []byte
	Binary bool
}

// CloseEvent is a transport-neutral close notification.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// ErrorEvent is a transport-neutral error notification.
type ErrorEvent struct {
	Err error
}

// URLProvider resolves the URL to dial. Evaluated before every connect
// attempt, so it may return a fresh, token-refreshed URL on each call.
type URLProvider func(ctx context.Context) (string, error)

// ProtocolsProvider resolves the Sec-WebSocket-Protocol subprotocols to
// offer. Evaluated before every connect attempt, same as URLProvider.
type ProtocolsProvider func(ctx context.Context) ([]string, error)

// Backoff configures reconnect delay growth.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	GrowFactor float64
	MaxRetries int // 0 means unlimited
}

func (b Backoff) delay(retryCount int) time.Duration {
	min := b.Min
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	grow := b.GrowFactor
	if grow <= 0 {
		grow = 1.5
	}

	d := float64(min) * math.Pow(grow, float64(retryCount))
	if d > float64(max) {
		d = float64(max)
	}
	d *= 0.85 + 0.3*rand.Float64() // +/-15% jitter
	return time.Duration(d)
}

// Options configures a Socket.
type Options struct {
	URLProvider       URLProvider
	ProtocolsProvider ProtocolsProvider
	Header            http.Header

	Backoff Backoff

	// MinUptime is how long a connection must stay open before a
	// subsequent close is allowed to reset the retry counter.
	MinUptime time.Duration

	// ConnectionTimeout bounds how long a single dial may take before it
	// is treated as a failed attempt.
	ConnectionTimeout time.Duration

	// MaxEnqueuedMessages bounds the pre-open send queue; overflow sends
	// are silently dropped.
	MaxEnqueuedMessages int

	// StartClosed, if true, constructs the Socket without dialing; the
	// caller must call Connect explicitly.
	StartClosed bool

	Logger logging.LeveledLogger
}

func (o *Options) setDefaults() {
	if o.MinUptime <= 0 {
		o.MinUptime = 5 * time.Second
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = 10 * time.Second
	}
	if o.MaxEnqueuedMessages <= 0 {
		o.MaxEnqueuedMessages = 64
	}
	if o.Logger == nil {
		o.Logger = logging.NewDefaultLoggerFactory().NewLogger("socket")
	}
}

var (
	// ErrNoURLProvider is a user-fatal error: the caller never supplied a
	// way to resolve a URL to dial. The connect loop stops on it without
	// retrying.
	ErrNoURLProvider = errors.New("socket: no URL provider configured")
	// ErrMaxRetriesExceeded is surfaced once Backoff.MaxRetries consecutive
	// failed connect attempts have all failed.
	ErrMaxRetriesExceeded = errors.New("socket: max retries exceeded")
)

type queuedMessage struct {
	data   []byte
	binary bool
}

// Socket is a reconnecting WebSocket client. The zero value is not usable;
// construct with New.
type Socket struct {
	opts Options

	mu              sync.Mutex
	state           State
	conn            *websocket.Conn
	retryCount      int
	shouldReconnect bool
	connecting      bool
	binaryType      MessageType
	queue           []queuedMessage
	queuedBytes     int

	onOpen    []func()
	onClose   []func(CloseEvent)
	onError   []func(ErrorEvent)
	onMessage []func(Message)

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New constructs a Socket. Unless Options.StartClosed is set, it begins
// connecting immediately.
func New(opts Options) *Socket {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Socket{
		opts:            opts,
		shouldReconnect: true,
		state:           StateClosed,
		baseCtx:         ctx,
		baseCancel:      cancel,
	}

	if !opts.StartClosed {
		s.Connect()
	}

	return s
}

// OnOpen registers a callback invoked every time the connection opens.
func (s *Socket) OnOpen(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = append(s.onOpen, cb)
}

// OnClose registers a callback invoked every time the connection closes.
func (s *Socket) OnClose(cb func(CloseEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, cb)
}

// OnError registers a callback invoked on every connect failure or
// terminal error.
func (s *Socket) OnError(cb func(ErrorEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, cb)
}

// OnMessage registers a callback invoked for every inbound frame.
func (s *Socket) OnMessage(cb func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = append(s.onMessage, cb)
}

// State reports the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetBinaryType sets the frame type SendDefault uses, and is retained
// across reconnects since it lives on the Socket, not the underlying
// connection.
func (s *Socket) SetBinaryType(t MessageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaryType = t
}

// BufferedAmount reports the total byte size of messages still queued
// because the connection is not open.
func (s *Socket) BufferedAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedBytes
}

// Connect starts (or is a no-op if already connecting/open) the dial
// loop. Safe to call multiple times.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.connecting || s.state == StateOpen {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	s.state = StateConnecting
	s.shouldReconnect = true
	if s.baseCtx.Err() != nil {
		// A prior Close cancelled the dial context; start a fresh one.
		s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	go s.runConnectLoop()
}

// Reconnect resets the retry counter and (re-)initiates a connection even
// if a prior campaign had already exhausted Backoff.MaxRetries. This is
// the regression guard named in spec.md §8 boundary scenario 6: a
// previous maxRetries exhaustion must release the connect lock, or this
// call would silently do nothing.
func (s *Socket) Reconnect() {
	s.mu.Lock()
	s.retryCount = 0
	s.shouldReconnect = true
	conn := s.conn
	s.conn = nil
	alreadyRunning := s.connecting
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if !alreadyRunning {
		s.Connect()
	}
}

// Close sets the "should not reconnect" flag and transitions to CLOSED.
// A subsequent Reconnect clears the flag.
func (s *Socket) Close() {
	s.mu.Lock()
	s.shouldReconnect = false
	s.state = StateClosing
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	} else {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	}

	s.baseCancel()
}

// SendDefault enqueues or sends data using the socket's configured
// BinaryType to choose the frame type.
func (s *Socket) SendDefault(data []byte) {
	s.Send(data, s.currentBinaryType() == BinaryMessage)
}

func (s *Socket) currentBinaryType() MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binaryType
}

// Send transmits data immediately if the connection is open, or enqueues
// it (up to Options.MaxEnqueuedMessages; overflow is silently dropped)
// for delivery once the connection opens.
func (s *Socket) Send(data []byte, binary bool) {
	s.mu.Lock()
	if s.state == StateOpen && s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		s.writeOne(conn, data, binary)
		return
	}

	if len(s.queue) >= s.opts.MaxEnqueuedMessages {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, queuedMessage{data: data, binary: binary})
	s.queuedBytes += len(data)
	s.mu.Unlock()
}

func (s *Socket) writeOne(conn *websocket.Conn, data []byte, binary bool) {
	frameType := websocket.TextMessage
	if binary {
		frameType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(frameType, data); err != nil {
		s.emitError(ErrorEvent{Err: fmt.Errorf("socket: write failed: %w", err)})
	}
}

func (s *Socket) flushQueue(conn *websocket.Conn) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.queuedBytes = 0
	s.mu.Unlock()

	for _, m := range pending {
		s.writeOne(conn, m.data, m.binary)
	}
}

func (s *Socket) runConnectLoop() {
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if !s.shouldReconnect {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		conn, err := s.dialOnce()
		if errors.Is(err, ErrNoURLProvider) {
			s.mu.Lock()
			s.state = StateClosed
			s.mu.Unlock()
			s.emitError(ErrorEvent{Err: err})
			return
		}
		if err != nil {
			s.mu.Lock()
			s.retryCount++
			retryCount := s.retryCount
			maxRetries := s.opts.Backoff.MaxRetries
			s.mu.Unlock()

			s.emitError(ErrorEvent{Err: err})

			if maxRetries > 0 && retryCount >= maxRetries {
				s.mu.Lock()
				s.state = StateClosed
				s.mu.Unlock()
				s.emitError(ErrorEvent{Err: ErrMaxRetriesExceeded})
				return
			}

			d := s.opts.Backoff.delay(retryCount - 1)
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-s.baseCtx.Done():
				t.Stop()
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateOpen
		openedAt := time.Now()
		s.mu.Unlock()

		s.flushQueue(conn)
		s.emitOpen()

		uptimeTimer := time.AfterFunc(s.opts.MinUptime, func() {
			s.mu.Lock()
			s.retryCount = 0
			s.mu.Unlock()
		})

		closeEvt := s.readLoop(conn)
		uptimeTimer.Stop()

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		sustained := time.Since(openedAt) >= s.opts.MinUptime
		if sustained {
			s.retryCount = 0
		}
		shouldReconnect := s.shouldReconnect
		if shouldReconnect {
			s.state = StateConnecting
		} else {
			s.state = StateClosed
		}
		s.mu.Unlock()

		s.emitClose(closeEvt)

		if !shouldReconnect {
			return
		}
	}
}

func (s *Socket) dialOnce() (*websocket.Conn, error) {
	if s.opts.URLProvider == nil {
		return nil, ErrNoURLProvider
	}

	dialCtx, cancel := context.WithTimeout(s.baseCtx, s.opts.ConnectionTimeout)
	defer cancel()

	rawURL, err := s.opts.URLProvider(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("socket: resolve url: %w", err)
	}
	rawURL = ensureScheme(rawURL)

	var protocols []string
	if s.opts.ProtocolsProvider != nil {
		protocols, err = s.opts.ProtocolsProvider(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("socket: resolve protocols: %w", err)
		}
	}

	header := s.opts.Header
	if header == nil {
		header = http.Header{}
	}
	for _, p := range protocols {
		header.Add("Sec-WebSocket-Protocol", p)
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.ConnectionTimeout}
	conn, _, err := dialer.DialContext(dialCtx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("socket: dial: %w", err)
	}

	return conn, nil
}

func (s *Socket) readLoop(conn *websocket.Conn) CloseEvent {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			wasClean := false
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
				wasClean = true
			}
			return CloseEvent{Code: code, Reason: reason, WasClean: wasClean}
		}

		s.emitMessage(Message{Data: data, Binary: msgType == websocket.BinaryMessage})
	}
}

func (s *Socket) emitOpen() {
	s.mu.Lock()
	cbs := append([]func(){}, s.onOpen...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (s *Socket) emitClose(evt CloseEvent) {
	s.mu.Lock()
	cbs := append([]func(CloseEvent){}, s.onClose...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(evt)
	}
}

func (s *Socket) emitError(evt ErrorEvent) {
	s.mu.Lock()
	cbs := append([]func(ErrorEvent){}, s.onError...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(evt)
	}
}

func (s *Socket) emitMessage(m Message) {
	s.mu.Lock()
	cbs := append([]func(Message){}, s.onMessage...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(m)
	}
}
