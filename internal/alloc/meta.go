package alloc

import (
	"fmt"

	"govetachun/go-snapshot-store/pkg/errors"
)

// Packed layout of a Meta value:
// | position | size_at_level | level |
// |   52b    |      8b       |  4b   |
const (
	LevelBits    = 4
	SizeBits     = 8
	PositionBits = 64 - LevelBits - SizeBits

	MaxLevel       = 1<<LevelBits - 1
	MaxSizeAtLevel = 1<<SizeBits - 1
	MaxPosition    = uint64(1)<<PositionBits - 1

	// Levels is the number of granularities tracked by the map
	Levels = 9
	// AllocationSize is the default level-0 block size in bytes
	AllocationSize = 512
)

// Meta describes one contiguous run of blocks at a given level
type Meta struct {
	position    uint64
	sizeAtLevel uint64
	level       int
}

// NewMeta validates and builds a Meta
func NewMeta(position, sizeAtLevel uint64, level int) (Meta, error) {
	if level < 0 || level > MaxLevel {
		return Meta{}, errors.NewRangeError("level %d is out of range [0, %d]", level, MaxLevel)
	}
	if sizeAtLevel > MaxSizeAtLevel {
		return Meta{}, errors.NewRangeError("size at level %d exceeds %d", sizeAtLevel, MaxSizeAtLevel)
	}
	if position > MaxPosition {
		return Meta{}, errors.NewRangeError("position %d exceeds %d", position, MaxPosition)
	}
	return Meta{position: position, sizeAtLevel: sizeAtLevel, level: level}, nil
}

// mustMeta is for values already known to be in range
func mustMeta(position, sizeAtLevel uint64, level int) Meta {
	m, err := NewMeta(position, sizeAtLevel, level)
	if err != nil {
		panic(err)
	}
	return m
}

// Unpack decodes a packed 64-bit value
func Unpack(v uint64) (Meta, error) {
	level := int(v & MaxLevel)
	size := (v >> LevelBits) & MaxSizeAtLevel
	pos := v >> (LevelBits + SizeBits)
	return NewMeta(pos, size, level)
}

// Pack encodes the entry into its 64-bit form
func (m Meta) Pack() uint64 {
	return m.position<<(LevelBits+SizeBits) | m.sizeAtLevel<<LevelBits | uint64(m.level)
}

func (m Meta) Position() uint64    { return m.position }
func (m Meta) SizeAtLevel() uint64 { return m.sizeAtLevel }
func (m Meta) Level() int          { return m.level }

// Size1 is the size in level-0 units
func (m Meta) Size1() uint64 {
	return m.sizeAtLevel << m.level
}

// Limit is the first level-0 position past the entry
func (m Meta) Limit() uint64 {
	return m.position + m.Size1()
}

// IsEmpty reports a zero-sized entry
func (m Meta) IsEmpty() bool {
	return m.sizeAtLevel == 0
}

// JoinableWith reports whether the two entries are adjacent at the same level
func (m Meta) JoinableWith(o Meta) bool {
	if m.level != o.level {
		return false
	}
	return m.Limit() == o.position || o.Limit() == m.position
}

// Join coalesces two adjacent entries into one
func (m Meta) Join(o Meta) (Meta, error) {
	if !m.JoinableWith(o) {
		return Meta{}, errors.NewRangeError("entries %v and %v are not joinable", m, o)
	}
	pos := m.position
	if o.position < pos {
		pos = o.position
	}
	return NewMeta(pos, m.sizeAtLevel+o.sizeAtLevel, m.level)
}

// Take splits off a prefix of amount units at the entry's own level.
// The receiver keeps the remainder.
func (m *Meta) Take(amount uint64) (Meta, error) {
	if amount > m.sizeAtLevel {
		return Meta{}, errors.NewRangeError("can't take %d from %v", amount, *m)
	}
	taken := Meta{position: m.position, sizeAtLevel: amount, level: m.level}
	m.position += amount << m.level
	m.sizeAtLevel -= amount
	return taken, nil
}

// TakeFor splits off a prefix of amount units expressed at a finer level
func (m *Meta) TakeFor(amount uint64, level int) (Meta, error) {
	if level > m.level || level < 0 {
		return Meta{}, errors.NewRangeError("can't take level %d units from %v", level, *m)
	}
	size1 := amount << level
	if size1 > m.Size1() {
		return Meta{}, errors.NewRangeError("can't take %d level %d units from %v", amount, level, *m)
	}
	unit := uint64(1) << m.level
	if size1%unit != 0 {
		return Meta{}, errors.NewRangeError("take of %d level %d units is not aligned to %v", amount, level, *m)
	}
	taken, err := NewMeta(m.position, amount, level)
	if err != nil {
		return Meta{}, err
	}
	m.position += size1
	m.sizeAtLevel -= size1 / unit
	return taken, nil
}

// TakeAllFor empties the receiver, returning its whole range at level
func (m *Meta) TakeAllFor(level int) (Meta, error) {
	taken, err := m.AsLevel(level)
	if err != nil {
		return Meta{}, err
	}
	m.position = m.Limit()
	m.sizeAtLevel = 0
	return taken, nil
}

// AsLevel expresses the same range at another level
func (m Meta) AsLevel(level int) (Meta, error) {
	if level < 0 || level > MaxLevel {
		return Meta{}, errors.NewRangeError("level %d is out of range [0, %d]", level, MaxLevel)
	}
	unit := uint64(1) << level
	if m.position%unit != 0 || m.Size1()%unit != 0 {
		return Meta{}, errors.NewRangeError("%v is not aligned to level %d", m, level)
	}
	return NewMeta(m.position, m.Size1()>>level, level)
}

// Enlarge grows the entry by amount units at its level
func (m *Meta) Enlarge(amount uint64) error {
	if m.sizeAtLevel+amount > MaxSizeAtLevel {
		return errors.NewRangeError("can't enlarge %v by %d", *m, amount)
	}
	m.sizeAtLevel += amount
	return nil
}

// Shrink reduces the entry by amount units at its level
func (m *Meta) Shrink(amount uint64) error {
	if amount > m.sizeAtLevel {
		return errors.NewRangeError("can't shrink %v by %d", *m, amount)
	}
	m.sizeAtLevel -= amount
	return nil
}

func (m Meta) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", m.position, m.Size1(), m.level, m.sizeAtLevel)
}
