package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSmootherUint64(t *testing.T) {
	s := NewSmoother[uint64](5)
	for _, v := range []uint64{1, 6, 2, 3, 4, 5, 0} {
		s.Observe(v)
	}

	// window holds [2 3 4 5 0]
	require.Equal(t, 2.8, s.Avg())
	require.Equal(t, uint64(0), s.Recent())
	require.Equal(t, uint64(5), s.Max())
	require.Equal(t, uint64(4), s.Percentile90())
	require.Equal(t, TrendNone, s.Trend())
}

func TestSmootherFloat64(t *testing.T) {
	s := NewSmoother[float64](5)
	for _, v := range []float64{1, 6, 2, 3, 4, 5, 9} {
		s.Observe(v)
	}

	// window holds [2 3 4 5 9]
	require.Equal(t, 4.6, s.Avg())
	require.Equal(t, 9.0, s.Recent())
	require.Equal(t, 9.0, s.Max())
	require.Equal(t, 5.0, s.Percentile90())
	require.Equal(t, TrendIncreasing, s.Trend())
}

func TestSmootherEmpty(t *testing.T) {
	s := NewSmoother[uint64](5)

	require.Equal(t, 0, s.Len())
	require.Equal(t, uint64(0), s.Recent())
	require.Equal(t, 0.0, s.Avg())
	require.Equal(t, uint64(0), s.Max())
	require.Equal(t, uint64(0), s.Percentile90())
	require.Equal(t, 0.0, s.Slope())
	require.Equal(t, TrendNone, s.Trend())
}

func TestSmootherCapacityAndTotal(t *testing.T) {
	s := NewSmoother[uint64](4)
	for i := uint64(1); i <= 100; i++ {
		s.Observe(i)
		require.LessOrEqual(t, s.Len(), 4)

		var sum uint64
		for _, r := range s.records {
			sum += r.sample
		}
		require.Equal(t, sum, s.total)
		require.Equal(t, float64(sum)/float64(s.Len()), s.Avg())
	}
}

func TestSmootherStaleEviction(t *testing.T) {
	clk := newFakeClock()
	s := NewSmoother[uint64](10)
	s.now = clk.now

	s.Observe(1)
	s.Observe(2)
	s.Observe(3)
	require.Equal(t, 3, s.Len())

	clk.advance(301 * time.Second)
	s.Observe(4)

	// the first three records were stale; eviction stops at two records
	require.Equal(t, 2, s.Len())
	require.Equal(t, uint64(7), s.total)
	require.Equal(t, uint64(4), s.Recent())
}

func TestSmootherStaleKeepsTwo(t *testing.T) {
	clk := newFakeClock()
	s := NewSmoother[uint64](10)
	s.now = clk.now

	s.Observe(5)
	clk.advance(301 * time.Second)
	s.Observe(6)

	// both records are kept even though the first is stale
	require.Equal(t, 2, s.Len())
	require.Equal(t, uint64(11), s.total)
}

func TestSmootherSlope(t *testing.T) {
	clk := newFakeClock()
	s := NewSmoother[uint64](10)
	s.now = clk.now

	s.Observe(0)
	clk.advance(10 * time.Second)
	s.Observe(10)

	// halves sum to 0 and 10 over a 10s span: (10-0)/1/(10/2) = 2/sec
	require.InDelta(t, 2.0, s.Slope(), 1e-9)

	s2 := NewSmoother[uint64](10)
	s2.Observe(7)
	require.Equal(t, 0.0, s2.Slope())
}

func TestSmootherTrendTolerance(t *testing.T) {
	// a right-half lead of exactly 2 is still no trend
	s := NewSmoother[uint64](4)
	s.Observe(1)
	s.Observe(1)
	s.Observe(2)
	s.Observe(2)
	require.Equal(t, TrendNone, s.Trend())

	s.Observe(3) // window [1 2 2 3]: right 5, left 3
	require.Equal(t, TrendNone, s.Trend())

	s2 := NewSmoother[uint64](4)
	for _, v := range []uint64{1, 1, 3, 3} {
		s2.Observe(v)
	}
	require.Equal(t, TrendIncreasing, s2.Trend())

	s3 := NewSmoother[uint64](4)
	for _, v := range []uint64{3, 3, 1, 1} {
		s3.Observe(v)
	}
	require.Equal(t, TrendDecreasing, s3.Trend())
}

func TestSmootherPercentileIndex(t *testing.T) {
	s := NewSmoother[uint64](5)
	for _, v := range []uint64{5, 3, 0, 4, 2} {
		s.Observe(v)
	}
	// sorted [0 2 3 4 5], index floor(4*0.9) = 3
	require.Equal(t, uint64(4), s.Percentile90())
}
