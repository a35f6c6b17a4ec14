package acqengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AxisValue is the index of a datum along one axis. Indices are either
// integers (frame numbers, z slices) or strings (channel names).
type AxisValue struct {
	str   string
	num   int
	isStr bool
}

// IntIndex creates an integer axis value.
func IntIndex(i int) AxisValue { return AxisValue{num: i} }

// StringIndex creates a string axis value.
func StringIndex(s string) AxisValue { return AxisValue{str: s, isStr: true} }

// IsString reports whether the value is a string index.
func (v AxisValue) IsString() bool { return v.isStr }

// Int returns the integer index. Only meaningful when IsString is false.
func (v AxisValue) Int() int { return v.num }

// Str returns the string index. Only meaningful when IsString is true.
func (v AxisValue) Str() string { return v.str }

func (v AxisValue) String() string {
	if v.isStr {
		return v.str
	}
	return fmt.Sprintf("%d", v.num)
}

// encode produces an unambiguous form for canonical keys: string indices are
// quoted so that IntIndex(1) and StringIndex("1") never collide.
func (v AxisValue) encode() string {
	if v.isStr {
		return "'" + v.str + "'"
	}
	return fmt.Sprintf("%d", v.num)
}

// AxisIndex is one (axis, index) pair of a coordinate value.
type AxisIndex struct {
	Axis  string
	Value AxisValue
}

// Ax is a convenience constructor for an AxisIndex. The index must be an int
// or a string; any other type panics, since coordinates are almost always
// built from literals.
func Ax(axis string, index any) AxisIndex {
	switch idx := index.(type) {
	case int:
		return AxisIndex{Axis: axis, Value: IntIndex(idx)}
	case string:
		return AxisIndex{Axis: axis, Value: StringIndex(idx)}
	default:
		panic(fmt.Sprintf("axis index must be int or string, got %T", index))
	}
}

// DataCoordinates identifies a produced datum by an ordered sequence of
// (axis, index) pairs, e.g. (time=2, z=0, channel="DAPI"). Two values are
// equal when they contain the same pairs in the same order. Axis names are
// unique within a single value.
//
// DataCoordinates is a value type. Key returns a canonical string encoding
// that is safe to use as a map key.
type DataCoordinates struct {
	pairs []AxisIndex
	key   string
}

// NewDataCoordinates builds a coordinate value from ordered pairs. It returns
// an error if an axis name appears more than once.
func NewDataCoordinates(pairs ...AxisIndex) (DataCoordinates, error) {
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if seen[p.Axis] {
			return DataCoordinates{}, fmt.Errorf("duplicate axis %q in coordinates", p.Axis)
		}
		seen[p.Axis] = true
	}
	cp := make([]AxisIndex, len(pairs))
	copy(cp, pairs)
	return DataCoordinates{pairs: cp, key: encodeKey(cp)}, nil
}

// Coords builds a coordinate value from ordered pairs and panics on duplicate
// axes. Intended for literals: Coords(Ax("time", 0), Ax("channel", "DAPI")).
func Coords(pairs ...AxisIndex) DataCoordinates {
	c, err := NewDataCoordinates(pairs...)
	if err != nil {
		panic(err)
	}
	return c
}

func encodeKey(pairs []AxisIndex) string {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(p.Axis)
		b.WriteByte('=')
		b.WriteString(p.Value.encode())
	}
	return b.String()
}

// Key returns a canonical string encoding of the coordinates, suitable for
// use as a map key. Equal coordinates have equal keys.
func (c DataCoordinates) Key() string { return c.key }

// Len returns the number of axes.
func (c DataCoordinates) Len() int { return len(c.pairs) }

// Pairs returns a copy of the ordered (axis, index) pairs.
func (c DataCoordinates) Pairs() []AxisIndex {
	cp := make([]AxisIndex, len(c.pairs))
	copy(cp, c.pairs)
	return cp
}

// Get returns the index for the named axis.
func (c DataCoordinates) Get(axis string) (AxisValue, bool) {
	for _, p := range c.pairs {
		if p.Axis == axis {
			return p.Value, true
		}
	}
	return AxisValue{}, false
}

// Axes returns the axis names in order.
func (c DataCoordinates) Axes() []string {
	axes := make([]string, len(c.pairs))
	for i, p := range c.pairs {
		axes[i] = p.Axis
	}
	return axes
}

// Equal reports whether c and o contain the same pairs in the same order.
func (c DataCoordinates) Equal(o DataCoordinates) bool { return c.key == o.key }

// IsSubsetOf reports whether every (axis, index) pair of c is present in o.
// Pair order is irrelevant for the subset test.
func (c DataCoordinates) IsSubsetOf(o DataCoordinates) bool {
	for _, p := range c.pairs {
		v, ok := o.Get(p.Axis)
		if !ok || v != p.Value {
			return false
		}
	}
	return true
}

func (c DataCoordinates) String() string {
	parts := make([]string, len(c.pairs))
	for i, p := range c.pairs {
		parts[i] = p.Axis + "=" + p.Value.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ToMap returns an axis-to-index map of the coordinate value. Index values
// are int or string.
func (c DataCoordinates) ToMap() map[string]any {
	m := make(map[string]any, len(c.pairs))
	for _, p := range c.pairs {
		if p.Value.IsString() {
			m[p.Axis] = p.Value.Str()
		} else {
			m[p.Axis] = p.Value.Int()
		}
	}
	return m
}

// CoordsFromMap builds a coordinate value from an axis-to-index map. The
// pairs are ordered by axis name for determinism, since map iteration order
// is unspecified.
func CoordsFromMap(m map[string]any) (DataCoordinates, error) {
	axes := make([]string, 0, len(m))
	for axis := range m {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	pairs := make([]AxisIndex, 0, len(m))
	for _, axis := range axes {
		switch v := m[axis].(type) {
		case int:
			pairs = append(pairs, AxisIndex{Axis: axis, Value: IntIndex(v)})
		case string:
			pairs = append(pairs, AxisIndex{Axis: axis, Value: StringIndex(v)})
		default:
			return DataCoordinates{}, fmt.Errorf("axis %q: index must be int or string, got %T", axis, v)
		}
	}
	return NewDataCoordinates(pairs...)
}

// Ternary is a three-valued truth used by coordinate iterators to answer
// "might you ever produce these coordinates".
type Ternary int

const (
	// TernaryFalse means the coordinates can never be produced.
	TernaryFalse Ternary = iota
	// TernaryUnknown means the iterator cannot decide.
	TernaryUnknown
	// TernaryTrue means the coordinates will (or may well) be produced.
	TernaryTrue
)

// DataCoordinatesIterator is a lazy, finite or infinite stream of coordinate
// values describing the data an event will produce.
type DataCoordinatesIterator interface {
	// Next returns the next coordinate value. ok is false when the stream is
	// exhausted; infinite iterators never return false.
	Next() (coords DataCoordinates, ok bool)

	// MightProduce reports whether the stream could ever yield the given
	// coordinates. Futures use this to reject impossible waits early.
	MightProduce(coords DataCoordinates) Ternary
}

// coordinatesList is a finite iterator over a fixed list.
type coordinatesList struct {
	mu     sync.Mutex
	coords []DataCoordinates
	next   int
	keys   map[string]bool
}

// NewCoordinatesList returns a finite iterator over the given coordinates.
// MightProduce answers by exact membership.
func NewCoordinatesList(coords ...DataCoordinates) DataCoordinatesIterator {
	keys := make(map[string]bool, len(coords))
	for _, c := range coords {
		keys[c.Key()] = true
	}
	cp := make([]DataCoordinates, len(coords))
	copy(cp, coords)
	return &coordinatesList{coords: cp, keys: keys}
}

func (l *coordinatesList) Next() (DataCoordinates, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next >= len(l.coords) {
		return DataCoordinates{}, false
	}
	c := l.coords[l.next]
	l.next++
	return c, true
}

func (l *coordinatesList) MightProduce(coords DataCoordinates) Ternary {
	if l.keys[coords.Key()] {
		return TernaryTrue
	}
	return TernaryFalse
}

// countingIterator is an infinite iterator counting up along a single axis.
type countingIterator struct {
	mu   sync.Mutex
	axis string
	next int
}

// NewCountingIterator returns an infinite iterator producing {axis: 0},
// {axis: 1}, ... — the default for events that produce an unbounded stream.
func NewCountingIterator(axis string) DataCoordinatesIterator {
	return &countingIterator{axis: axis}
}

func (it *countingIterator) Next() (DataCoordinates, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	c := Coords(AxisIndex{Axis: it.axis, Value: IntIndex(it.next)})
	it.next++
	return c, true
}

func (it *countingIterator) MightProduce(coords DataCoordinates) Ternary {
	if coords.Len() != 1 {
		return TernaryFalse
	}
	v, ok := coords.Get(it.axis)
	if !ok || v.IsString() || v.Int() < 0 {
		return TernaryFalse
	}
	return TernaryTrue
}
