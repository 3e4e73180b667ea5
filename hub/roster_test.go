package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/influxdata/queryrelay"
	"github.com/stretchr/testify/require"
)

type nopEndpoint int

func (e nopEndpoint) ID() int                                            { return int(e) }
func (e nopEndpoint) Publish(context.Context, *queryrelay.Message) error { return nil }

func TestRoster_SnapshotDuringAdd(t *testing.T) {
	const n = 200
	var r Roster

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Add(nopEndpoint(i))
		}
	}()

	// Every snapshot is a prefix of the final roster: no duplicates, no gaps.
	prev := 0
	for prev < n {
		snap := r.Snapshot()
		require.GreaterOrEqual(t, len(snap), prev)
		for i, e := range snap {
			require.Equal(t, i, e.ID())
		}
		prev = len(snap)
	}
	wg.Wait()
	require.Equal(t, n, r.Len())
}

func TestRoster_SnapshotIsStable(t *testing.T) {
	var r Roster
	require.Empty(t, r.Snapshot())

	r.Add(nopEndpoint(0))
	snap := r.Snapshot()
	r.Add(nopEndpoint(1))

	require.Len(t, snap, 1)
	require.Equal(t, 2, r.Len())
}
