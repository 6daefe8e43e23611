package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestInterval_Contains(t *testing.T) {
	tests := []struct {
		name     string
		interval Interval[time.Time]
		point    time.Time
		want     bool
	}{
		{"inside bounded", Closed(day(0), day(10)), day(5), true},
		{"begin is inclusive", Closed(day(0), day(10)), day(0), true},
		{"end is exclusive", Closed(day(0), day(10)), day(10), false},
		{"before begin", Closed(day(0), day(10)), day(-1), false},
		{"unbounded end", Since(day(0)), day(10000), true},
		{"unbounded begin", Until(day(0)), day(-10000), true},
		{"unbounded begin excludes end", Until(day(0)), day(0), false},
		{"fully unbounded", Unbounded[time.Time](), day(42), true},
		{"empty interval", Closed(day(3), day(3)), day(3), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.interval.Contains(tt.point))
		})
	}
}

func TestInterval_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Interval[time.Time]
		want bool
	}{
		{"disjoint", Closed(day(0), day(5)), Closed(day(6), day(9)), false},
		{"touching is not overlapping", Closed(day(0), day(5)), Closed(day(5), day(9)), false},
		{"partial", Closed(day(0), day(5)), Closed(day(4), day(9)), true},
		{"contained", Closed(day(0), day(10)), Closed(day(2), day(3)), true},
		{"unbounded with bounded", Since(day(0)), Closed(day(-5), day(1)), true},
		{"unbounded before", Until(day(0)), Since(day(0)), false},
		{"both unbounded", Unbounded[time.Time](), Unbounded[time.Time](), true},
		{"empty never overlaps", Closed(day(2), day(2)), Unbounded[time.Time](), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a), "overlap must be symmetric")
		})
	}
}

func TestInterval_Intersect(t *testing.T) {
	got, ok := Since(day(0)).Intersect(Closed(day(-5), day(3)))
	require.True(t, ok)
	require.NotNil(t, got.Begin)
	require.NotNil(t, got.End)
	assert.True(t, got.Begin.Equal(day(0)))
	assert.True(t, got.End.Equal(day(3)))

	_, ok = Closed(day(0), day(1)).Intersect(Closed(day(1), day(2)))
	assert.False(t, ok)
}

func TestNew_RejectsInvertedBounds(t *testing.T) {
	b, e := day(5), day(1)
	_, err := New(&b, &e)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	i, err := New[time.Time](nil, &e)
	require.NoError(t, err)
	assert.False(t, i.Bounded())
}
