package alloc

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/datatrails/go-datatrails-common/errhandling"
	"github.com/google/uuid"

	"govetachun/go-snapshot-store/pkg/errors"
)

// Status is the allocation state of one entry
type Status int

const (
	StatusFree Status = iota
	StatusAllocated
)

func (s Status) String() string {
	if s == StatusAllocated {
		return "ALLOCATED"
	}
	return "FREE"
}

var generations atomic.Uint64

func nextGeneration() uint64 {
	return generations.Add(1)
}

// LeafInfo identifies a map leaf passed to SetupBits/TouchBits callbacks
type LeafInfo struct {
	Index int
	ID    uuid.UUID
	Base  uint64
}

// Map is a resizable, multi-level bit index over level-0 block positions.
// Leaves are shared copy-on-write between map versions created by Branch
// and Image. A Map is not safe for concurrent mutation.
type Map struct {
	cfg      *config
	leaves   []*leaf
	size     uint64
	gen      uint64
	readOnly bool
}

// NewMap creates an empty map
func NewMap(opts ...func(*config)) *Map {
	return &Map{cfg: resolveConfig(opts...), gen: nextGeneration()}
}

// Size returns the number of level-0 positions tracked
func (m *Map) Size() uint64 {
	return m.size
}

// ReadOnly reports whether the map rejects mutation
func (m *Map) ReadOnly() bool {
	return m.readOnly
}

// Freeze makes the map read-only
func (m *Map) Freeze() {
	m.readOnly = true
}

// Branch returns a writable map sharing all current leaves with m. Both
// maps clone a shared leaf on their next write to it.
func (m *Map) Branch() *Map {
	c := &Map{
		cfg:    m.cfg,
		leaves: append([]*leaf(nil), m.leaves...),
		size:   m.size,
		gen:    nextGeneration(),
	}
	m.gen = nextGeneration()
	return c
}

// Image returns a frozen copy of the current state
func (m *Map) Image() *Map {
	c := m.Branch()
	c.readOnly = true
	return c
}

func (m *Map) checkWritable(op string) error {
	if m.readOnly {
		return errors.NewUnsupportedError("%s on a read-only allocation map", op)
	}
	return nil
}

func checkLevel(level int) error {
	if level < 0 || level >= Levels {
		return errors.NewRangeError("allocation level %d is out of range [0, %d)", level, Levels)
	}
	return nil
}

func (m *Map) leafWidth() uint64 {
	return uint64(m.cfg.leafBits)
}

func (m *Map) mutableLeaf(idx int) *leaf {
	l := m.leaves[idx]
	if l.owner != m.gen {
		l = l.clone(m.gen)
		m.leaves[idx] = l
	}
	return l
}

// setRange updates level-0 positions [from, to) across leaves
func (m *Map) setRange(from, to uint64, v bool, onLeaf func(LeafInfo)) uint64 {
	width := m.leafWidth()
	var changed uint64
	for from < to {
		idx := int(from / width)
		base := uint64(idx) * width
		end := base + width
		if end > to {
			end = to
		}
		l := m.mutableLeaf(idx)
		changed += l.setRange(from-base, end-base, v)
		if onLeaf != nil {
			onLeaf(LeafInfo{Index: idx, ID: l.id, Base: base})
		}
		from = end
	}
	return changed
}

// Expand grows the tracked range by n level-0 positions
func (m *Map) Expand(n uint64) (uint64, error) {
	if err := m.checkWritable("expand"); err != nil {
		return m.size, err
	}
	newSize := m.size + n
	if newSize < m.size || newSize > MaxPosition+1 {
		return m.size, errors.NewRangeError("can't expand map of size %d by %d", m.size, n)
	}
	width := m.leafWidth()
	for uint64(len(m.leaves))*width < newSize {
		m.leaves = append(m.leaves, newLeaf(uint64(len(m.leaves))*width, width, m.gen))
	}
	m.setRange(m.size, newSize, false, nil)
	m.size = newSize
	return newSize, nil
}

// Shrink removes n level-0 positions from the end of the tracked range.
// Every removed position must be free.
func (m *Map) Shrink(n uint64) error {
	if err := m.checkWritable("shrink"); err != nil {
		return err
	}
	if n > m.size {
		return errors.NewRangeError("shrink amount %d exceeds map size %d", n, m.size)
	}
	newSize := m.size - n
	if taken := m.countAllocated(newSize, m.size); taken > 0 {
		return errors.NewCapacityError("can't shrink map to %d: %d blocks are still allocated", newSize, taken)
	}
	m.setRange(newSize, m.size, true, nil)
	width := m.leafWidth()
	keep := int((newSize + width - 1) / width)
	for i := keep; i < len(m.leaves); i++ {
		m.leaves[i] = nil
	}
	m.leaves = m.leaves[:keep]
	m.size = newSize
	return nil
}

func (m *Map) countAllocated(from, to uint64) uint64 {
	width := m.leafWidth()
	var c uint64
	for p := from; p < to; p++ {
		if m.leaves[p/width].get(0, p%width) {
			c++
		}
	}
	return c
}

// GetAllocationStatus returns the status of the level entry covering the
// level-0 position pos. The second result is false when pos is out of range.
func (m *Map) GetAllocationStatus(level int, pos uint64) (Status, bool) {
	if checkLevel(level) != nil || pos >= m.size {
		return StatusFree, false
	}
	width := m.leafWidth()
	l := m.leaves[pos/width]
	if l.get(level, (pos%width)>>level) {
		return StatusAllocated, true
	}
	return StatusFree, true
}

// Rank counts allocated level entries whose position is below pos
func (m *Map) Rank(level int, pos uint64) (uint64, error) {
	if err := checkLevel(level); err != nil {
		return 0, err
	}
	if pos > m.size {
		pos = m.size
	}
	if pos == 0 {
		return 0, nil
	}
	unit := uint64(1) << level
	entries := (pos + unit - 1) >> level
	perLeaf := m.leafWidth() >> level
	var rank uint64
	full := entries / perLeaf
	for i := uint64(0); i < full; i++ {
		l := m.leaves[i]
		rank += perLeaf - l.free[level]
	}
	if rem := entries % perLeaf; rem != 0 {
		rank += m.leaves[full].countSet(level, rem)
	}
	return rank, nil
}

// UnallocatedAt returns the number of free entries at level
func (m *Map) UnallocatedAt(level int) uint64 {
	if checkLevel(level) != nil {
		return 0
	}
	var total uint64
	for _, l := range m.leaves {
		total += l.free[level]
	}
	return total
}

// Unallocated fills ranks with the free entry counts of every level
func (m *Map) Unallocated(ranks []uint64) {
	for k := 0; k < Levels && k < len(ranks); k++ {
		ranks[k] = m.UnallocatedAt(k)
	}
}

// FindUnallocated collects free entries at level in ascending position
// order until required units are found. Adjacent free entries are merged
// into runs of at most MaxSizeAtLevel units. The map is not modified.
func (m *Map) FindUnallocated(level int, required uint64) ([]Meta, uint64, error) {
	if err := checkLevel(level); err != nil {
		return nil, 0, err
	}
	var (
		out   []Meta
		found uint64
	)
	emit := func(start, length uint64) {
		for length > 0 && found < required {
			n := length
			if n > MaxSizeAtLevel {
				n = MaxSizeAtLevel
			}
			if found+n > required {
				n = required - found
			}
			out = append(out, mustMeta(start<<level, n, level))
			found += n
			start += n
			length -= n
		}
	}

	perLeaf := m.leafWidth() >> level
	var runStart, runLen uint64
scan:
	for i, l := range m.leaves {
		if l.free[level] == 0 {
			continue
		}
		base := uint64(i) * perLeaf
		for idx := l.nextWith(level, 0, false); idx < perLeaf; {
			end := l.nextWith(level, idx, true)
			gidx := base + idx
			if runLen > 0 && runStart+runLen == gidx {
				runLen += end - idx
			} else {
				emit(runStart, runLen)
				runStart, runLen = gidx, end-idx
			}
			if found+runLen >= required {
				break scan
			}
			idx = l.nextWith(level, end, false)
		}
	}
	emit(runStart, runLen)
	return out, found, nil
}

// Allocate finds and marks required free units at level. When fewer units
// are free nothing is marked and a transient capacity error is returned, so
// the caller may expand the map and retry.
func (m *Map) Allocate(level int, required uint64) ([]Meta, error) {
	if err := m.checkWritable("allocate"); err != nil {
		return nil, err
	}
	entries, found, err := m.FindUnallocated(level, required)
	if err != nil {
		return nil, err
	}
	if found < required {
		return nil, errhandling.NewTransientError(
			errors.NewCapacityError("requested %d level %d units, only %d free", required, level, found))
	}
	if err := m.SetupBits(entries, true, nil); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Map) checkSpan(pos uint64, level int, size uint64) error {
	if err := checkLevel(level); err != nil {
		return err
	}
	if pos%(uint64(1)<<level) != 0 {
		return errors.NewRangeError("position %d is not aligned to level %d", pos, level)
	}
	if size<<level>>level != size || pos+(size<<level) > m.size || pos+(size<<level) < pos {
		return errors.NewRangeError("span [%d, +%d@%d) exceeds map size %d", pos, size, level, m.size)
	}
	return nil
}

// MarkAllocated marks size level entries starting at pos as allocated
func (m *Map) MarkAllocated(pos uint64, level int, size uint64) error {
	return m.mark(pos, level, size, true)
}

// MarkUnallocated marks size level entries starting at pos as free
func (m *Map) MarkUnallocated(pos uint64, level int, size uint64) error {
	return m.mark(pos, level, size, false)
}

// MarkAllocatedMeta marks the range described by meta as allocated
func (m *Map) MarkAllocatedMeta(meta Meta) error {
	return m.mark(meta.position, meta.level, meta.sizeAtLevel, true)
}

// MarkUnallocatedMeta marks the range described by meta as free
func (m *Map) MarkUnallocatedMeta(meta Meta) error {
	return m.mark(meta.position, meta.level, meta.sizeAtLevel, false)
}

func (m *Map) mark(pos uint64, level int, size uint64, v bool) error {
	if err := m.checkWritable("mark"); err != nil {
		return err
	}
	if err := m.checkSpan(pos, level, size); err != nil {
		return err
	}
	m.setRange(pos, pos+(size<<level), v, nil)
	return nil
}

// SetupBits sets or clears the bits of every entry. Entries are applied in
// position order and onLeaf runs once per leaf touched.
func (m *Map) SetupBits(entries []Meta, set bool, onLeaf func(LeafInfo)) error {
	return m.applyBatch(entries, onLeaf, func(from, to uint64, cb func(LeafInfo)) {
		m.setRange(from, to, set, cb)
	})
}

// TouchBits makes every leaf covered by entries private to this map
// without changing any bit, calling onLeaf once per leaf.
func (m *Map) TouchBits(entries []Meta, onLeaf func(LeafInfo)) error {
	return m.applyBatch(entries, onLeaf, func(from, to uint64, cb func(LeafInfo)) {
		width := m.leafWidth()
		for p := from; p < to; {
			idx := int(p / width)
			l := m.mutableLeaf(idx)
			cb(LeafInfo{Index: idx, ID: l.id, Base: uint64(idx) * width})
			p = uint64(idx+1) * width
		}
	})
}

func (m *Map) applyBatch(entries []Meta, onLeaf func(LeafInfo), apply func(from, to uint64, cb func(LeafInfo))) error {
	if err := m.checkWritable("bulk update"); err != nil {
		return err
	}
	for _, e := range entries {
		if err := m.checkSpan(e.position, e.level, e.sizeAtLevel); err != nil {
			return err
		}
	}
	sorted := append([]Meta(nil), entries...)
	sortMetas(sorted)

	last := -1
	var lastInfo LeafInfo
	cb := func(info LeafInfo) {
		if info.Index != last {
			if last >= 0 && onLeaf != nil {
				onLeaf(lastInfo)
			}
			last = info.Index
		}
		lastInfo = info
	}
	for _, e := range sorted {
		apply(e.position, e.Limit(), cb)
	}
	if last >= 0 && onLeaf != nil {
		onLeaf(lastInfo)
	}
	return nil
}

// CheckAllocated verifies every level-0 block of meta is allocated
func (m *Map) CheckAllocated(meta Meta) error {
	if meta.Limit() > m.size {
		return errors.NewIntegrityError("%v lies outside of map size %d", meta, m.size)
	}
	if free := meta.Size1() - m.countAllocated(meta.position, meta.Limit()); free > 0 {
		return errors.NewIntegrityError("%v has %d free blocks", meta, free)
	}
	return nil
}

// PopulateAllocationPool moves free entries at level into pool, marking
// them allocated here. Returns false when nothing could be supplied.
func (m *Map) PopulateAllocationPool(pool *Pool, level int) (bool, error) {
	if err := m.checkWritable("populate allocation pool"); err != nil {
		return false, err
	}
	if err := checkLevel(level); err != nil {
		return false, err
	}
	need := pool.Room(level)
	if need == 0 {
		return false, nil
	}
	entries, found, err := m.FindUnallocated(level, need)
	if err != nil || found == 0 {
		return false, err
	}
	if err := m.SetupBits(entries, true, nil); err != nil {
		return false, err
	}
	for _, e := range entries {
		pool.Add(e)
	}
	return true, nil
}

// DrainAllocationPool returns every pooled entry at level to the map
func (m *Map) DrainAllocationPool(pool *Pool, level int) error {
	if err := m.checkWritable("drain allocation pool"); err != nil {
		return err
	}
	if err := checkLevel(level); err != nil {
		return err
	}
	return m.SetupBits(pool.Drain(level), false, nil)
}

// Dump writes a per-leaf description of the map to w
func (m *Map) Dump(w io.Writer) {
	fmt.Fprintf(w, "AllocationMap size=%d leaves=%d readOnly=%v\n", m.size, len(m.leaves), m.readOnly)
	for i, l := range m.leaves {
		fmt.Fprintf(w, "  leaf %d id=%s base=%d free=%v\n", i, l.id, l.base, l.free)
		for idx := l.nextWith(0, 0, true); idx < l.width; {
			end := l.nextWith(0, idx, false)
			if l.base+idx >= m.size {
				break
			}
			fmt.Fprintf(w, "    allocated [%d, %d)\n", l.base+idx, l.base+end)
			idx = l.nextWith(0, end, true)
		}
	}
}
