package alloc

import (
	"fmt"
	"io"

	"govetachun/go-snapshot-store/pkg/errors"
)

// PoolData is the serializable form of a Pool
type PoolData struct {
	Entries []uint64 `cbor:"1,keyasint"`
}

// Pool caches ready-to-use block runs per level in front of a Map.
// Capacities are expressed in units of the level they apply to; a level's
// fill counts every coarser entry as the units it could be split into.
type Pool struct {
	cfg    *config
	levels [Levels][]Meta
	totals [Levels]uint64
}

// NewPool creates an empty pool
func NewPool(opts ...func(*config)) *Pool {
	return &Pool{cfg: resolveConfig(opts...)}
}

// Capacity returns the capacity of level in its own units
func (p *Pool) Capacity(level int) uint64 {
	if level == 0 {
		return uint64(p.cfg.poolLevel0Cap)
	}
	return uint64(p.cfg.poolLevelNCap)
}

// Reserved returns the number of level-0 units AllocateOne leaves untouched
func (p *Pool) Reserved() uint64 {
	return uint64(p.cfg.poolReserved)
}

// LevelTotal returns the pooled space at level and above, in level units
func (p *Pool) LevelTotal(level int) uint64 {
	var total uint64
	for l := level; l < Levels; l++ {
		total += p.totals[l] << (l - level)
	}
	return total
}

// Level0Total returns all pooled space in level-0 units
func (p *Pool) Level0Total() uint64 {
	return p.LevelTotal(0)
}

// HasRoom reports whether level is below its capacity
func (p *Pool) HasRoom(level int) bool {
	return p.Room(level) > 0
}

// Room returns how many level units can still be added to level
func (p *Pool) Room(level int) uint64 {
	if level < 0 || level >= Levels {
		return 0
	}
	total, capacity := p.LevelTotal(level), p.Capacity(level)
	if total >= capacity {
		return 0
	}
	return capacity - total
}

// Add puts an entry into its level queue, coalescing with the tail entry
// when they are adjacent
func (p *Pool) Add(m Meta) bool {
	if m.level >= Levels || m.IsEmpty() {
		return false
	}
	q := p.levels[m.level]
	if n := len(q); n > 0 && q[n-1].JoinableWith(m) {
		if joined, err := q[n-1].Join(m); err == nil {
			q[n-1] = joined
			p.totals[m.level] += m.sizeAtLevel
			return true
		}
	}
	p.levels[m.level] = append(q, m)
	p.totals[m.level] += m.sizeAtLevel
	return true
}

// AllocateOne hands out a single level entry, splitting a coarser one when
// the level is empty. The reserved level-0 headroom is never used.
func (p *Pool) AllocateOne(level int) (Meta, bool) {
	if level < 0 || level >= Levels {
		return Meta{}, false
	}
	total := p.Level0Total()
	if total < p.Reserved() || total-p.Reserved() < uint64(1)<<level {
		return Meta{}, false
	}
	return p.allocateOne(level)
}

// AllocateReserved hands out one level-0 block as long as more than
// remainder level-0 units stay pooled afterwards
func (p *Pool) AllocateReserved(remainder uint64) (Meta, bool) {
	if p.Level0Total() <= remainder {
		return Meta{}, false
	}
	return p.allocateOne(0)
}

func (p *Pool) allocateOne(level int) (Meta, bool) {
	if len(p.levels[level]) == 0 && !p.borrowFromAbove(level) {
		return Meta{}, false
	}
	return p.takeFront(level), true
}

func (p *Pool) takeFront(level int) Meta {
	q := p.levels[level]
	taken, _ := q[0].Take(1)
	if q[0].IsEmpty() {
		p.levels[level] = q[1:]
	}
	p.totals[level]--
	return taken
}

// borrowFromAbove splits the nearest non-empty coarser level down to level,
// one halving at a time
func (p *Pool) borrowFromAbove(level int) bool {
	src := -1
	for l := level + 1; l < Levels; l++ {
		if len(p.levels[l]) > 0 {
			src = l
			break
		}
	}
	if src < 0 {
		return false
	}
	for l := src; l > level; l-- {
		unit := p.takeFront(l)
		halves, err := unit.AsLevel(l - 1)
		if err != nil {
			panic(err)
		}
		p.Add(halves)
	}
	return true
}

// ForEach visits every pooled entry, finest level first
func (p *Pool) ForEach(fn func(Meta)) {
	for l := 0; l < Levels; l++ {
		for _, m := range p.levels[l] {
			fn(m)
		}
	}
}

// Drain removes and returns every entry of level
func (p *Pool) Drain(level int) []Meta {
	if level < 0 || level >= Levels {
		return nil
	}
	out := p.levels[level]
	p.levels[level] = nil
	p.totals[level] = 0
	return out
}

// Clear drops every pooled entry
func (p *Pool) Clear() {
	for l := 0; l < Levels; l++ {
		p.levels[l] = nil
		p.totals[l] = 0
	}
}

// Store captures the pool content
func (p *Pool) Store() PoolData {
	var data PoolData
	p.ForEach(func(m Meta) {
		data.Entries = append(data.Entries, m.Pack())
	})
	return data
}

// Load replaces the pool content with data
func (p *Pool) Load(data PoolData) error {
	metas := make([]Meta, 0, len(data.Entries))
	for _, v := range data.Entries {
		m, err := Unpack(v)
		if err != nil {
			return err
		}
		if m.level >= Levels {
			return errors.NewRangeError("pooled entry %v has level %d", m, m.level)
		}
		metas = append(metas, m)
	}
	p.Clear()
	for _, m := range metas {
		p.Add(m)
	}
	return nil
}

// Dump writes the pool content to w
func (p *Pool) Dump(w io.Writer) {
	fmt.Fprintf(w, "AllocationPool level0Total=%d reserved=%d\n", p.Level0Total(), p.Reserved())
	for l := 0; l < Levels; l++ {
		if len(p.levels[l]) == 0 {
			continue
		}
		fmt.Fprintf(w, "  level %d total=%d capacity=%d: %v\n", l, p.totals[l], p.Capacity(l), p.levels[l])
	}
}
