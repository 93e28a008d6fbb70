// Package bitset provides a word-packed bitset used for liveness sets
// (keyed by value index) and register file occupancy (keyed by physical slot).
package bitset

import "math/bits"

// Set is a growable bitset. The zero value is an empty set.
type Set struct {
	words []uint64
}

// New creates a set with capacity for n bits.
func New(n int) *Set {
	return &Set{words: make([]uint64, (n+63)/64)}
}

func (s *Set) grow(i int) {
	idx := i / 64
	if idx >= len(s.words) {
		s.words = append(s.words, make([]uint64, idx+1-len(s.words))...)
	}
}

// Set sets bit i.
func (s *Set) Set(i int) {
	s.grow(i)
	s.words[i/64] |= 1 << (uint(i) % 64)
}

// Clear clears bit i.
func (s *Set) Clear(i int) {
	if i/64 < len(s.words) {
		s.words[i/64] &^= 1 << (uint(i) % 64)
	}
}

// Test reports whether bit i is set.
func (s *Set) Test(i int) bool {
	idx := i / 64
	return idx < len(s.words) && s.words[idx]&(1<<(uint(i)%64)) != 0
}

// SetRange sets bits [lo, hi).
func (s *Set) SetRange(lo, hi int) {
	for i := lo; i < hi; i++ {
		s.Set(i)
	}
}

// ClearRange clears bits [lo, hi).
func (s *Set) ClearRange(lo, hi int) {
	for i := lo; i < hi; i++ {
		s.Clear(i)
	}
}

// TestRange reports whether every bit in [lo, hi) is set.
func (s *Set) TestRange(lo, hi int) bool {
	for i := lo; i < hi; i++ {
		if !s.Test(i) {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (s *Set) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// ForEach calls f for each set bit in ascending order.
func (s *Set) ForEach(f func(i int)) {
	for wi, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			f(wi*64 + b)
			w &^= 1 << uint(b)
		}
	}
}

// Union sets s to the union of s and t, reporting whether s changed.
func (s *Set) Union(t *Set) bool {
	changed := false
	for i, w := range t.words {
		if w == 0 {
			continue
		}
		for i >= len(s.words) {
			s.words = append(s.words, 0)
		}
		old := s.words[i]
		s.words[i] = old | w
		if s.words[i] != old {
			changed = true
		}
	}
	return changed
}

// Copy returns an independent copy of s.
func (s *Set) Copy() *Set {
	c := &Set{words: make([]uint64, len(s.words))}
	copy(c.words, s.words)
	return c
}

// Equal reports whether s and t contain the same bits.
func (s *Set) Equal(t *Set) bool {
	longer, shorter := s.words, t.words
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	for i, w := range shorter {
		if w != longer[i] {
			return false
		}
	}
	for _, w := range longer[len(shorter):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// NextRun finds the lowest i in [from, limit-n] such that bits [i, i+n) are
// all set and i is a multiple of align. Returns -1 if no such run exists.
func (s *Set) NextRun(from, limit, n, align int) int {
	if align < 1 {
		align = 1
	}
	start := (from + align - 1) / align * align
	for i := start; i+n <= limit; i += align {
		if s.TestRange(i, i+n) {
			return i
		}
	}
	return -1
}
