package alloc

import (
	"math/bits"

	"github.com/google/uuid"
)

// CompareCursor describes one differing bit found by CompareWith
type CompareCursor struct {
	Leaf      int
	MyID      uuid.UUID
	OtherID   uuid.UUID
	MyIdx     uint64
	OtherIdx  uint64
	Level     int
	MyBit     int
	OtherBit  int
	MyBase    uint64
	OtherBase uint64
}

// Position returns the level-0 position of the differing entry
func (c *CompareCursor) Position() uint64 {
	return c.MyBase + c.MyIdx<<c.Level
}

// CompareWith walks both maps leaf by leaf and calls consumer for every
// bit whose value differs, level 0 first. Leaves shared by both maps are
// skipped. The walk stops when consumer returns false. Returns the number
// of differences reported.
func (m *Map) CompareWith(other *Map, consumer func(*CompareCursor) bool) int {
	n := len(m.leaves)
	if len(other.leaves) < n {
		n = len(other.leaves)
	}
	count := 0
	cur := &CompareCursor{}
	for i := 0; i < n; i++ {
		mine, theirs := m.leaves[i], other.leaves[i]
		if mine == theirs {
			continue
		}
		cur.Leaf = i
		cur.MyID, cur.OtherID = mine.id, theirs.id
		cur.MyBase, cur.OtherBase = mine.base, theirs.base
		for k := 0; k < Levels; k++ {
			a, b := mine.bits[k], theirs.bits[k]
			entries := mine.entries(k)
			for w := range a {
				diff := a[w] ^ b[w]
				for diff != 0 {
					bit := uint64(bits.TrailingZeros64(diff))
					diff &^= uint64(1) << bit
					idx := uint64(w)*64 + bit
					if idx >= entries {
						break
					}
					cur.Level = k
					cur.MyIdx, cur.OtherIdx = idx, idx
					cur.MyBit, cur.OtherBit = bitValue(mine.get(k, idx)), bitValue(theirs.get(k, idx))
					count++
					if !consumer(cur) {
						return count
					}
				}
			}
		}
	}
	return count
}

func bitValue(v bool) int {
	if v {
		return 1
	}
	return 0
}
