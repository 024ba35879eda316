package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSpeedNeedsTwoSamples(t *testing.T) {
	tracker := NewTracker("s", DirectionReceive, 10_000, Options{})
	require.Zero(t, tracker.Speed())

	tracker.AddBytes(500, epoch)
	require.Zero(t, tracker.Speed())

	_, known := tracker.ETA()
	require.False(t, known)
}

func TestSpeedAndETA(t *testing.T) {
	tracker := NewTracker("s", DirectionReceive, 100_000, Options{})
	tracker.AddBytes(0, epoch)
	tracker.AddBytes(10_000, epoch.Add(time.Second))
	tracker.AddBytes(10_000, epoch.Add(2*time.Second))

	require.InDelta(t, 10_000.0, tracker.Speed(), 0.001)

	eta, known := tracker.ETA()
	require.True(t, known)
	require.Equal(t, 8*time.Second, eta)
}

func TestWindowEvictsOldSamples(t *testing.T) {
	tracker := NewTracker("s", DirectionSend, 1<<30, Options{Window: 3 * time.Second})
	tracker.AddBytes(0, epoch)
	tracker.AddBytes(1_000_000, epoch.Add(time.Second))
	// Long stall, then a slow trickle: only the recent samples count.
	tracker.AddBytes(2_000, epoch.Add(10*time.Second))
	tracker.AddBytes(2_000, epoch.Add(11*time.Second))

	require.InDelta(t, 2_000.0, tracker.Speed(), 0.001)
	require.EqualValues(t, 1_004_000, tracker.BytesDone())
}

func TestETAUnknownBelowNoiseFloor(t *testing.T) {
	tracker := NewTracker("s", DirectionReceive, 1<<20, Options{NoiseFloor: 1024})
	tracker.AddBytes(0, epoch)
	tracker.AddBytes(100, epoch.Add(time.Second))

	require.InDelta(t, 100.0, tracker.Speed(), 0.001)
	_, known := tracker.ETA()
	require.False(t, known)

	snap := tracker.Snapshot()
	require.False(t, snap.ETAKnown)
	require.Equal(t, "s", snap.SessionID)
	require.Equal(t, DirectionReceive, snap.Direction)
}

func TestEmitIsThrottled(t *testing.T) {
	tracker := NewTracker("s", DirectionReceive, 1000, Options{EmitInterval: 200 * time.Millisecond})

	_, ok := tracker.Emit(epoch)
	require.True(t, ok)

	for i := 1; i <= 10; i++ {
		_, ok := tracker.Emit(epoch.Add(time.Duration(i) * 10 * time.Millisecond))
		require.False(t, ok, "emit at +%dms", i*10)
	}

	snap, ok := tracker.Emit(epoch.Add(250 * time.Millisecond))
	require.True(t, ok)
	require.Equal(t, int64(1000), snap.TotalBytes)
}

func TestSnapshotPercentAndFile(t *testing.T) {
	tracker := NewTracker("s", DirectionReceive, 400, Options{})
	tracker.SetFile(1, 3, "b.txt")
	tracker.AddBytes(100, epoch)

	snap := tracker.Snapshot()
	require.InDelta(t, 25.0, snap.Percent, 0.001)
	require.Equal(t, 1, snap.FileIndex)
	require.Equal(t, 3, snap.FileCount)
	require.Equal(t, "b.txt", snap.CurrentFile)

	empty := NewTracker("e", DirectionSend, 0, Options{}).Snapshot()
	require.InDelta(t, 100.0, empty.Percent, 0.001)
}

func TestSnapshotCapsAtTotal(t *testing.T) {
	tracker := NewTracker("s", DirectionSend, 1000, Options{})
	tracker.AddBytes(0, epoch)
	tracker.AddBytes(1500, epoch.Add(time.Second))

	snap := tracker.Snapshot()
	require.Equal(t, int64(1000), snap.BytesDone)
	require.InDelta(t, 100.0, snap.Percent, 0.001)
	require.InDelta(t, 1500.0, snap.Speed, 0.001)
	require.Equal(t, int64(1500), tracker.BytesDone())
}

func TestConcurrentAddBytes(t *testing.T) {
	tracker := NewTracker("s", DirectionReceive, 0, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tracker.AddBytes(1, time.Now())
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1600, tracker.BytesDone())
}
