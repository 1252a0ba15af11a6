package timecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGlobalClock(t *testing.T) {
	now := time.Now()
	cached := Now()
	require.WithinDuration(t, now, cached, 2*time.Second)
	require.InDelta(t, now.Unix(), NowUnix(), 2)
}

func TestRunUpdates(t *testing.T) {
	tc := New()
	go tc.Run(10 * time.Millisecond)
	defer tc.Stop()

	before := tc.NowUnixNano()
	time.Sleep(50 * time.Millisecond)
	after := tc.NowUnixNano()
	require.Greater(t, after, before)
}

func TestStopTwice(t *testing.T) {
	tc := New()
	tc.Stop()
	tc.Stop()
}
