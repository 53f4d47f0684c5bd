package alloc

import (
	"math/bits"

	"github.com/google/uuid"
)

// leaf holds the per-level bitmaps for a fixed window of level-0 positions.
// A set bit at level k means at least one covered level-0 block is taken, so
// a clear bit guarantees the whole 2^k range is free. Positions past the
// map's size are kept set.
type leaf struct {
	id    uuid.UUID
	owner uint64
	base  uint64
	width uint64
	bits  [Levels][]uint64
	free  [Levels]uint64
}

func newLeaf(base, width, owner uint64) *leaf {
	l := &leaf{id: uuid.New(), owner: owner, base: base, width: width}
	for k := 0; k < Levels; k++ {
		n := width >> k
		words := make([]uint64, (n+63)/64)
		for i := range words {
			words[i] = ^uint64(0)
		}
		if rem := n % 64; rem != 0 {
			words[len(words)-1] = uint64(1)<<rem - 1
		}
		l.bits[k] = words
	}
	return l
}

func (l *leaf) clone(owner uint64) *leaf {
	c := &leaf{id: uuid.New(), owner: owner, base: l.base, width: l.width, free: l.free}
	for k := 0; k < Levels; k++ {
		c.bits[k] = append([]uint64(nil), l.bits[k]...)
	}
	return c
}

func (l *leaf) entries(level int) uint64 {
	return l.width >> level
}

func (l *leaf) get(level int, idx uint64) bool {
	return l.bits[level][idx/64]&(uint64(1)<<(idx%64)) != 0
}

func (l *leaf) set(level int, idx uint64, v bool) bool {
	w := &l.bits[level][idx/64]
	mask := uint64(1) << (idx % 64)
	old := *w&mask != 0
	if old == v {
		return false
	}
	if v {
		*w |= mask
		l.free[level]--
	} else {
		*w &^= mask
		l.free[level]++
	}
	return true
}

// setRange sets level-0 bits [from, to) (leaf-local) and refreshes the
// upper levels covering that window. Returns the number of level-0 bits
// that changed.
func (l *leaf) setRange(from, to uint64, v bool) uint64 {
	if from >= to {
		return 0
	}
	var changed uint64
	for i := from; i < to; i++ {
		if l.set(0, i, v) {
			changed++
		}
	}
	if changed > 0 {
		l.propagate(from, to)
	}
	return changed
}

func (l *leaf) propagate(from, to uint64) {
	for k := 1; k < Levels; k++ {
		lo, hi := from>>k, (to-1)>>k
		for i := lo; i <= hi; i++ {
			l.set(k, i, l.get(k-1, 2*i) || l.get(k-1, 2*i+1))
		}
	}
}

// countSet counts set bits among the first n entries at level
func (l *leaf) countSet(level int, n uint64) uint64 {
	words := l.bits[level]
	var c uint64
	full := n / 64
	for i := uint64(0); i < full; i++ {
		c += uint64(bits.OnesCount64(words[i]))
	}
	if rem := n % 64; rem != 0 {
		c += uint64(bits.OnesCount64(words[full] & (uint64(1)<<rem - 1)))
	}
	return c
}

// nextWith returns the first index >= from whose bit equals v, or the
// number of entries when there is none
func (l *leaf) nextWith(level int, from uint64, v bool) uint64 {
	n := l.entries(level)
	words := l.bits[level]
	for from < n {
		w := words[from/64]
		if !v {
			w = ^w
		}
		w >>= from % 64
		if w != 0 {
			idx := from + uint64(bits.TrailingZeros64(w))
			if idx >= n {
				return n
			}
			return idx
		}
		from = (from/64 + 1) * 64
	}
	return n
}
