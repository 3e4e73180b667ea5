package hub

import (
	"math"
	"testing"

	"github.com/influxdata/queryrelay"
	"github.com/stretchr/testify/require"
)

func reply(id int32, payload string) *queryrelay.Message {
	m := queryrelay.NewMessage([]byte(payload))
	m.ID = id
	return m
}

func TestRegistry_FirstResponseWins(t *testing.T) {
	r := NewRegistry(DefaultRegistrySize)
	r.Track(7)

	require.Equal(t, Delivered, r.Record(reply(7, "AAAAA")))
	require.Equal(t, Duplicate, r.Record(reply(7, "BBBBB")))
	require.Equal(t, Duplicate, r.Record(reply(7, "CCCCC")))

	got := r.Replies(7)
	require.Len(t, got, 3)
	require.Equal(t, "AAAAA", string(got[0].Payload))
	require.Equal(t, "BBBBB", string(got[1].Payload))
	require.Equal(t, "CCCCC", string(got[2].Payload))
}

func TestRegistry_RecordWithoutTrack(t *testing.T) {
	r := NewRegistry(DefaultRegistrySize)
	require.Equal(t, Delivered, r.Record(reply(3, "x")))
	require.Len(t, r.Replies(3), 1)
}

func TestRegistry_SlidingEviction(t *testing.T) {
	r := NewRegistry(256)

	require.Equal(t, Delivered, r.Record(reply(0, "first")))

	// 127 is still within the window for 0.
	require.Equal(t, Delivered, r.Record(reply(127, "x")))
	require.Len(t, r.Replies(0), 1)

	// 128 clears slot 0.
	require.Equal(t, Delivered, r.Record(reply(128, "x")))
	require.Nil(t, r.Replies(0))

	// A late reply for 0 is dropped, not delivered and not buffered.
	require.Equal(t, Late, r.Record(reply(0, "late")))
	require.Nil(t, r.Replies(0))
}

func TestRegistry_TrackAdvancesWindow(t *testing.T) {
	r := NewRegistry(256)
	r.Track(5)
	require.Equal(t, Delivered, r.Record(reply(5, "x")))

	r.Track(5 + 128)
	require.Nil(t, r.Replies(5))
	require.Equal(t, Late, r.Record(reply(5, "y")))

	// Tracking an evicted id does not resurrect it.
	r.Track(5)
	require.Equal(t, Late, r.Record(reply(5, "z")))
}

func TestRegistry_SlotReuse(t *testing.T) {
	r := NewRegistry(4)
	require.Equal(t, Delivered, r.Record(reply(1, "one")))
	require.Equal(t, Duplicate, r.Record(reply(1, "one again")))

	// 5 maps onto slot 1 and resets it.
	require.Equal(t, Delivered, r.Record(reply(5, "five")))
	got := r.Replies(5)
	require.Len(t, got, 1)
	require.Equal(t, "five", string(got[0].Payload))
	require.Nil(t, r.Replies(1))
	require.Equal(t, Late, r.Record(reply(1, "one late")))
}

func TestRegistry_UnassignedID(t *testing.T) {
	r := NewRegistry(DefaultRegistrySize)
	require.Equal(t, Late, r.Record(reply(queryrelay.NoID, "x")))
	require.Nil(t, r.Replies(queryrelay.NoID))
}

func TestNewRegistry_Size(t *testing.T) {
	require.Equal(t, DefaultRegistrySize, NewRegistry(0).Size())
	require.Equal(t, DefaultRegistrySize, NewRegistry(1).Size())
	require.Equal(t, 16, NewRegistry(16).Size())
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "delivered", Delivered.String())
	require.Equal(t, "duplicate", Duplicate.String())
	require.Equal(t, "late", Late.String())
}

func TestRegistry_IDWraps(t *testing.T) {
	r := NewRegistry(8)
	for _, id := range []int32{math.MaxInt32 - 1, math.MaxInt32, 0, 1} {
		r.Track(id)
		require.Equal(t, Delivered, r.Record(reply(id, "first")), "id %d", id)
		require.Equal(t, Duplicate, r.Record(reply(id, "second")), "id %d", id)
	}
	require.Len(t, r.Replies(math.MaxInt32), 2)
	require.Len(t, r.Replies(0), 2)

	// Advancing past the window evicts the ids from before the wrap.
	r.Track(5)
	require.Nil(t, r.Replies(math.MaxInt32))
	require.Equal(t, Late, r.Record(reply(math.MaxInt32, "late")))
	require.Equal(t, Late, r.Record(reply(0, "late")))
	require.Equal(t, Delivered, r.Record(reply(5, "x")))
}

func TestRegistry_StaleIDBeforeFirstSequence(t *testing.T) {
	r := NewRegistry(DefaultRegistrySize)
	r.Track(10)
	// Half the id space away from 10 reads as an id from before 0.
	require.Equal(t, Late, r.Record(reply(math.MaxInt32, "x")))
	require.Nil(t, r.Replies(math.MaxInt32))
}
