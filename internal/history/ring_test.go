package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingDropsOldest(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Record(Entry{Kind: KindRequest, Endpoint: "x", Body: []byte{byte(i)}})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, []byte{2}, []byte(snap[0].Body))
	require.Equal(t, []byte{3}, []byte(snap[1].Body))
	require.Equal(t, []byte{4}, []byte(snap[2].Body))
}

func TestRingLenBeforeFull(t *testing.T) {
	r := New(10)
	require.Equal(t, 0, r.Len())
	r.Record(Entry{Kind: KindResponse})
	require.Equal(t, 1, r.Len())
}

func TestKindString(t *testing.T) {
	require.Equal(t, "request", KindRequest.String())
	require.Equal(t, "response", KindResponse.String())
}
