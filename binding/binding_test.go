package binding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"partytracks/socket"
)

func stubFactory(t *testing.T, count *int) Factory {
	return func(startClosed bool) *socket.Socket {
		*count++
		return socket.New(socket.Options{
			StartClosed: startClosed,
			URLProvider: func(ctx context.Context) (string, error) {
				return "ws://127.0.0.1:1/unreachable", nil
			},
			Backoff: socket.Backoff{Min: time.Millisecond, Max: time.Millisecond, MaxRetries: 1},
		})
	}
}

func TestReconcileSameKeyKeepsSameSocket(t *testing.T) {
	var constructed int
	factory := stubFactory(t, &constructed)

	s1 := Reconcile(State{}, true, "opts-a", factory)
	require.Equal(t, 1, constructed)
	require.NotNil(t, s1.Socket)

	s2 := Reconcile(s1, true, "opts-a", factory)
	require.Equal(t, 1, constructed, "a replay with the same options key must not construct a new socket")
	require.Same(t, s1.Socket, s2.Socket)

	s3 := Reconcile(s2, true, "opts-a", factory)
	require.Equal(t, 1, constructed)
	require.Same(t, s1.Socket, s3.Socket)
}

func TestReconcileOptionsChangeConstructsNewSocketThenConnects(t *testing.T) {
	var constructed int
	factory := stubFactory(t, &constructed)

	s1 := Reconcile(State{}, true, "opts-a", factory)
	require.Equal(t, 1, constructed)

	s2 := Reconcile(s1, true, "opts-b", factory)
	require.Equal(t, 2, constructed, "an options key change must construct a replacement socket")
	require.NotSame(t, s1.Socket, s2.Socket)
	require.True(t, s2.awaitingConnect)

	s3 := Reconcile(s2, true, "opts-b", factory)
	require.Equal(t, 2, constructed, "the follow-up run must connect the replacement, not construct another")
	require.Same(t, s2.Socket, s3.Socket)
	require.False(t, s3.awaitingConnect)
}

func TestReconcileDisableThenChangeOptionsThenEnableCreatesExactlyOnce(t *testing.T) {
	var constructed int
	factory := stubFactory(t, &constructed)

	enabled := Reconcile(State{}, true, "opts-a", factory)
	require.Equal(t, 1, constructed)

	disabled := Reconcile(enabled, false, "opts-a", factory)
	require.Equal(t, 1, constructed)
	require.False(t, disabled.optionsDrifted)

	disabledWithDrift := Reconcile(disabled, false, "opts-b", factory)
	require.Equal(t, 1, constructed, "disabled options changes must not construct a socket")
	require.True(t, disabledWithDrift.optionsDrifted)
	require.Equal(t, "opts-b", disabledWithDrift.optionsKey)

	reEnabled := Reconcile(disabledWithDrift, true, "opts-b", factory)
	require.Equal(t, 2, constructed, "re-enabling after a drifted options change must construct exactly one replacement socket")
	require.True(t, reEnabled.awaitingConnect)

	settled := Reconcile(reEnabled, true, "opts-b", factory)
	require.Equal(t, 2, constructed)
	require.Same(t, reEnabled.Socket, settled.Socket)
}

func TestReconcileToggleWithoutOptionsChangeReconnectsExistingSocket(t *testing.T) {
	var constructed int
	factory := stubFactory(t, &constructed)

	enabled := Reconcile(State{}, true, "opts-a", factory)
	disabled := Reconcile(enabled, false, "opts-a", factory)
	reEnabled := Reconcile(disabled, true, "opts-a", factory)

	require.Equal(t, 1, constructed, "toggling without an options change must reuse the existing socket")
	require.Same(t, enabled.Socket, reEnabled.Socket)
	require.False(t, reEnabled.awaitingConnect)
}
