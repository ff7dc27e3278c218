package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if conn.WriteMessage(mt, data) != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + srv.URL[len("http"):]
}

func TestSocketConnectsAndDeliversMessages(t *testing.T) {
	srv := echoServer(t)

	opened := make(chan struct{}, 1)
	received := make(chan Message, 1)

	s := New(Options{
		URLProvider: func(ctx context.Context) (string, error) { return wsURL(srv), nil },
	})
	defer s.Close()

	s.OnOpen(func() { opened <- struct{}{} })
	s.OnMessage(func(m Message) { received <- m })

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("socket never opened")
	}

	s.Send([]byte("hello"), false)

	select {
	case m := <-received:
		require.Equal(t, "hello", string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("never received echoed message")
	}
}

func TestSocketQueuesMessagesBeforeOpen(t *testing.T) {
	srv := echoServer(t)

	received := make(chan Message, 4)
	s := New(Options{
		URLProvider: func(ctx context.Context) (string, error) { return wsURL(srv), nil },
		StartClosed: true,
	})
	defer s.Close()

	s.OnMessage(func(m Message) { received <- m })

	s.Send([]byte("a"), false)
	s.Send([]byte("b"), false)
	require.Equal(t, 2, s.BufferedAmount())

	s.Connect()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-received:
			got[string(m.Data)] = true
		case <-time.After(time.Second):
			t.Fatalf("only received %d of 2 queued messages", len(got))
		}
	}
	require.True(t, got["a"])
	require.True(t, got["b"])
	require.Equal(t, 0, s.BufferedAmount())
}

func TestSocketOverflowDropsSilently(t *testing.T) {
	s := New(Options{
		URLProvider:         func(ctx context.Context) (string, error) { return "ws://127.0.0.1:1/no-such-port", nil },
		StartClosed:         true,
		MaxEnqueuedMessages: 2,
	})
	defer s.Close()

	s.Send([]byte("1"), false)
	s.Send([]byte("2"), false)
	s.Send([]byte("3"), false) // dropped

	require.Equal(t, 2, s.BufferedAmount())
}

// TestSocketReconnectReleasesLockAfterMaxRetries is the regression guard
// named in spec.md §8 boundary scenario 6: a connect campaign that gives
// up after MaxRetries must still release its internal connect lock, or a
// later Reconnect call is silently ignored forever.
func TestSocketReconnectReleasesLockAfterMaxRetries(t *testing.T) {
	var errCount int32

	s := New(Options{
		URLProvider: func(ctx context.Context) (string, error) {
			return "ws://127.0.0.1:1/refused", nil
		},
		Backoff: Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, GrowFactor: 1.1, MaxRetries: 3},
	})
	defer s.Close()

	s.OnError(func(ErrorEvent) { atomic.AddInt32(&errCount, 1) })

	require.Eventually(t, func() bool {
		return s.State() == StateClosed
	}, time.Second, time.Millisecond, "socket never gave up after MaxRetries")

	srv := echoServer(t)
	opened := make(chan struct{}, 1)
	s.OnOpen(func() { opened <- struct{}{} })

	s.mu.Lock()
	s.opts.URLProvider = func(ctx context.Context) (string, error) { return wsURL(srv), nil }
	s.mu.Unlock()

	s.Reconnect()

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("reconnect after exhausted retries was silently ignored")
	}
}

func TestSocketCloseStopsReconnecting(t *testing.T) {
	srv := echoServer(t)
	s := New(Options{
		URLProvider: func(ctx context.Context) (string, error) { return wsURL(srv), nil },
	})

	require.Eventually(t, func() bool { return s.State() == StateOpen }, time.Second, time.Millisecond)

	s.Close()

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateClosed, s.State())
}

func TestIsLocalOrPrivateHost(t *testing.T) {
	require.True(t, isLocalOrPrivateHost("localhost:8080"))
	require.True(t, isLocalOrPrivateHost("127.0.0.1"))
	require.True(t, isLocalOrPrivateHost("10.0.0.5:443"))
	require.True(t, isLocalOrPrivateHost("192.168.1.1"))
	require.True(t, isLocalOrPrivateHost("172.16.0.1"))
	require.True(t, isLocalOrPrivateHost("172.31.255.255"))
	require.False(t, isLocalOrPrivateHost("172.32.0.1"))
	require.False(t, isLocalOrPrivateHost("example.com"))
	require.True(t, isLocalOrPrivateHost("[::ffff:127.0.0.1]"))
}

func TestDefaultScheme(t *testing.T) {
	require.Equal(t, "ws", defaultScheme("localhost:8080/ws"))
	require.Equal(t, "wss", defaultScheme("example.com/ws"))
	require.Equal(t, "wss", defaultScheme("wss://example.com/ws"))
}
