package blocks

import (
	"fmt"
	"io"
	"sync"

	"github.com/datatrails/go-datatrails-common/errhandling"
	"github.com/datatrails/go-datatrails-common/logger"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/pkg/errors"
	"govetachun/go-snapshot-store/pkg/utils"
)

// Config sizes the backing block space
type Config struct {
	// BlockSize is the number of bytes in one level-0 block
	BlockSize int
	// GrowBlocks is how many level-0 blocks the map gains when it runs out
	GrowBlocks uint64
}

// Manager hands out page memory backed by blocks tracked in an allocation
// map. A pool in front of the map keeps ready runs per level so most
// allocations do not scan the map.
type Manager struct {
	mu   sync.Mutex
	cfg  Config
	amap *alloc.Map
	pool *alloc.Pool
	log  logger.Logger

	inUse       uint64 // level-0 blocks held by live pages
	allocations uint64
	frees       uint64
	expansions  uint64
}

// Stats summarises block usage
type Stats struct {
	BlockSize   int
	MapSize     uint64
	InUse       uint64
	Pooled      uint64
	Allocations uint64
	Frees       uint64
	Expansions  uint64
}

// NewManager creates a manager with an initial map of cfg.GrowBlocks blocks
func NewManager(cfg Config, log logger.Logger, opts ...alloc.Option) (*Manager, error) {
	if cfg.BlockSize <= 0 {
		return nil, errors.NewRangeError("block size %d must be positive", cfg.BlockSize)
	}
	if cfg.GrowBlocks == 0 {
		return nil, errors.NewRangeError("grow step must be positive")
	}
	m := &Manager{
		cfg:  cfg,
		amap: alloc.NewMap(opts...),
		pool: alloc.NewPool(opts...),
		log:  log,
	}
	if _, err := m.amap.Expand(cfg.GrowBlocks); err != nil {
		return nil, err
	}
	return m, nil
}

// levelFor returns the allocation level whose single unit fits size bytes
func (m *Manager) levelFor(size int) (int, error) {
	if size < 0 {
		return 0, errors.NewRangeError("negative page size %d", size)
	}
	blocks := uint64((size + m.cfg.BlockSize - 1) / m.cfg.BlockSize)
	if blocks == 0 {
		blocks = 1
	}
	level := utils.CeilLog2(blocks)
	if level >= alloc.Levels {
		return 0, errors.NewRangeError("page of %d bytes needs %d blocks, above the level %d limit",
			size, blocks, alloc.Levels-1)
	}
	return level, nil
}

// Allocate reserves a block run for size bytes and returns zeroed memory
func (m *Manager) Allocate(size int) (alloc.Meta, []byte, error) {
	level, err := m.levelFor(size)
	if err != nil {
		return alloc.Meta{}, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.allocateLocked(level)
	if err != nil {
		return alloc.Meta{}, nil, err
	}
	m.inUse += meta.Size1()
	m.allocations++
	return meta, make([]byte, size), nil
}

func (m *Manager) allocateLocked(level int) (alloc.Meta, error) {
	expanded := false
	for {
		if meta, ok := m.pool.AllocateOne(level); ok {
			return meta, nil
		}
		refilled, err := m.amap.PopulateAllocationPool(m.pool, level)
		if err != nil {
			return alloc.Meta{}, err
		}
		if refilled {
			continue
		}
		entries, err := m.amap.Allocate(level, 1)
		if err == nil {
			return entries[0], nil
		}
		if !errhandling.IsTransient(err) || expanded {
			if level == 0 {
				if meta, ok := m.pool.AllocateReserved(0); ok {
					return meta, nil
				}
			}
			return alloc.Meta{}, err
		}
		size, err := m.amap.Expand(m.cfg.GrowBlocks)
		if err != nil {
			return alloc.Meta{}, err
		}
		m.expansions++
		expanded = true
		m.log.Debugf("block map grown to %d blocks", size)
	}
}

// Free returns a block run to the pool, or to the map when the pool is full
func (m *Manager) Free(block alloc.Meta, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.amap.CheckAllocated(block); err != nil {
		return err
	}
	if m.pool.Room(block.Level()) < block.SizeAtLevel() || !m.pool.Add(block) {
		if err := m.amap.MarkUnallocatedMeta(block); err != nil {
			return err
		}
	}
	m.inUse -= block.Size1()
	m.frees++
	return nil
}

// CheckBlock fails unless every block of meta is allocated
func (m *Manager) CheckBlock(meta alloc.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.amap.CheckAllocated(meta)
}

// Image returns a read-only copy of the map as it is now
func (m *Manager) Image() *alloc.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.amap.Image()
}

// Stats reports block usage
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		BlockSize:   m.cfg.BlockSize,
		MapSize:     m.amap.Size(),
		InUse:       m.inUse,
		Pooled:      m.pool.Level0Total(),
		Allocations: m.allocations,
		Frees:       m.frees,
		Expansions:  m.expansions,
	}
}

// MapStats returns the allocation map summary
func (m *Manager) MapStats() *alloc.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.amap.Stats()
}

// Dump writes the pool and map state to w
func (m *Manager) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "blocks: size=%d inuse=%d allocations=%d frees=%d\n",
		m.amap.Size(), m.inUse, m.allocations, m.frees)
	m.pool.Dump(w)
	m.amap.Dump(w)
}

// Close hands every pooled run back to the map
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for level := 0; level < alloc.Levels; level++ {
		if err := m.amap.DrainAllocationPool(m.pool, level); err != nil {
			return err
		}
	}
	return nil
}
