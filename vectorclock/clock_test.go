package vectorclock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/vectorclock"
)

func TestIncrementIsMonotonicAndPure(t *testing.T) {
	var c = vectorclock.New()
	var c1 = c.Increment("A")
	var c2 = c1.Increment("A")

	require.Equal(t, uint64(0), c.Get("A"), "original clock must not be mutated")
	require.Equal(t, uint64(1), c1.Get("A"))
	require.Equal(t, uint64(2), c2.Get("A"))
}

func TestMergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	var a = vectorclock.Clock{"A": 2, "B": 1}
	var b = vectorclock.Clock{"A": 1, "B": 3, "C": 5}
	var c = vectorclock.Clock{"C": 1}

	require.True(t, a.Merge(b).Equal(b.Merge(a)), "commutative")
	require.True(t, a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))), "associative")
	require.True(t, a.Merge(a).Equal(a), "idempotent")

	var merged = a.Merge(b)
	require.Equal(t, uint64(2), merged.Get("A"))
	require.Equal(t, uint64(3), merged.Get("B"))
	require.Equal(t, uint64(5), merged.Get("C"))
}

func TestHappensBefore(t *testing.T) {
	var a = vectorclock.Clock{"A": 1}
	var b = vectorclock.Clock{"A": 2}
	require.True(t, a.HappensBefore(b))
	require.False(t, b.HappensBefore(a))

	var c = vectorclock.Clock{"A": 1, "B": 1}
	require.True(t, a.HappensBefore(c), "missing key in a reads as zero")
}

func TestConcurrent(t *testing.T) {
	var a = vectorclock.Clock{"A": 1, "B": 0}
	var b = vectorclock.Clock{"A": 0, "B": 1}
	require.True(t, a.Concurrent(b))
	require.False(t, a.Concurrent(a), "equal clocks are not concurrent")

	var d = vectorclock.Clock{"A": 1}
	var e = vectorclock.Clock{"A": 1}
	require.False(t, d.Concurrent(e))
}

func TestEqualTreatsMissingKeyAsZero(t *testing.T) {
	var a = vectorclock.Clock{"A": 0}
	var b = vectorclock.New()
	require.True(t, a.Equal(b))
}
