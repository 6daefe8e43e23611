// Package interval provides half-open, possibly unbounded intervals over any
// ordered point type.
package interval

import (
	"errors"
	"fmt"
)

// ErrInvalidInterval is returned when an interval's begin lies after its end.
var ErrInvalidInterval = errors.New("interval begin must not be after end")

// Point is satisfied by types that can order themselves, such as time.Time.
type Point[T any] interface {
	Compare(T) int
}

// Interval is the half-open range [Begin, End). A nil bound is unbounded.
type Interval[T Point[T]] struct {
	Begin *T
	End   *T
}

// New returns the interval [begin, end), rejecting begin > end.
func New[T Point[T]](begin, end *T) (Interval[T], error) {
	if begin != nil && end != nil && (*begin).Compare(*end) > 0 {
		return Interval[T]{}, fmt.Errorf("%w: %v > %v", ErrInvalidInterval, *begin, *end)
	}
	return Interval[T]{Begin: begin, End: end}, nil
}

// Closed returns [begin, end). It panics if begin > end; use New for untrusted input.
func Closed[T Point[T]](begin, end T) Interval[T] {
	i, err := New(&begin, &end)
	if err != nil {
		panic(err)
	}
	return i
}

// Since returns [begin, ∞).
func Since[T Point[T]](begin T) Interval[T] {
	return Interval[T]{Begin: &begin}
}

// Until returns (-∞, end).
func Until[T Point[T]](end T) Interval[T] {
	return Interval[T]{End: &end}
}

// Unbounded returns (-∞, ∞).
func Unbounded[T Point[T]]() Interval[T] {
	return Interval[T]{}
}

// Contains reports whether Begin <= p < End.
func (i Interval[T]) Contains(p T) bool {
	if i.Begin != nil && p.Compare(*i.Begin) < 0 {
		return false
	}
	if i.End != nil && p.Compare(*i.End) >= 0 {
		return false
	}
	return true
}

// Empty reports whether no point can be contained, i.e. Begin == End.
func (i Interval[T]) Empty() bool {
	return i.Begin != nil && i.End != nil && (*i.Begin).Compare(*i.End) >= 0
}

// Overlaps reports whether the two intervals share at least one point.
func (i Interval[T]) Overlaps(o Interval[T]) bool {
	if i.Empty() || o.Empty() {
		return false
	}
	if i.End != nil && o.Begin != nil && (*i.End).Compare(*o.Begin) <= 0 {
		return false
	}
	if o.End != nil && i.Begin != nil && (*o.End).Compare(*i.Begin) <= 0 {
		return false
	}
	return true
}

// Intersect returns the overlap of both intervals and whether it is non-empty.
func (i Interval[T]) Intersect(o Interval[T]) (Interval[T], bool) {
	if !i.Overlaps(o) {
		return Interval[T]{}, false
	}
	out := i
	if o.Begin != nil && (out.Begin == nil || (*o.Begin).Compare(*out.Begin) > 0) {
		out.Begin = o.Begin
	}
	if o.End != nil && (out.End == nil || (*o.End).Compare(*out.End) < 0) {
		out.End = o.End
	}
	return out, true
}

// Bounded reports whether both ends are finite.
func (i Interval[T]) Bounded() bool {
	return i.Begin != nil && i.End != nil
}

func (i Interval[T]) String() string {
	b, e := "-inf", "inf"
	if i.Begin != nil {
		b = fmt.Sprint(*i.Begin)
	}
	if i.End != nil {
		e = fmt.Sprint(*i.End)
	}
	return "[" + b + ", " + e + ")"
}
