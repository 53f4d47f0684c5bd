package blocks

import (
	"bytes"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/pkg/errors"
)

func newTestManager(t *testing.T, grow uint64) *Manager {
	logger.New("NOOP")
	t.Cleanup(logger.OnExit)
	m, err := NewManager(Config{BlockSize: 512, GrowBlocks: grow}, logger.Sugar.WithServiceName("blocks"),
		alloc.OptLeafBits(256))
	require.NoError(t, err)
	return m
}

func TestManagerAllocateLevels(t *testing.T) {
	m := newTestManager(t, 1024)

	meta, data, err := m.Allocate(100)
	require.NoError(t, err)
	assert.Len(t, data, 100)
	assert.Equal(t, 0, meta.Level())
	assert.Equal(t, uint64(1), meta.Size1())

	meta, data, err = m.Allocate(8192)
	require.NoError(t, err)
	assert.Len(t, data, 8192)
	assert.Equal(t, 4, meta.Level())
	assert.Zero(t, meta.Position()%16, "level entries are aligned")

	_, _, err = m.Allocate(512 * 257)
	assert.ErrorIs(t, err, errors.ErrRange)

	stats := m.Stats()
	assert.Equal(t, uint64(17), stats.InUse)
	assert.Equal(t, uint64(2), stats.Allocations)
}

func TestManagerGrowsMap(t *testing.T) {
	m := newTestManager(t, 64)

	var metas []alloc.Meta
	for i := 0; i < 200; i++ {
		meta, _, err := m.Allocate(512)
		require.NoError(t, err)
		metas = append(metas, meta)
	}
	stats := m.Stats()
	assert.Greater(t, stats.MapSize, uint64(64))
	assert.NotZero(t, stats.Expansions)

	seen := map[uint64]bool{}
	for _, meta := range metas {
		assert.False(t, seen[meta.Position()], "block handed out twice")
		seen[meta.Position()] = true
	}

	for _, meta := range metas {
		require.NoError(t, m.Free(meta, nil))
	}
	assert.Zero(t, m.Stats().InUse)
	require.NoError(t, m.Close())
	assert.Equal(t, m.Stats().MapSize, m.MapStats().Free[0])
}

func TestManagerImageIsFrozen(t *testing.T) {
	m := newTestManager(t, 256)
	before := m.Image()
	meta, _, err := m.Allocate(512)
	require.NoError(t, err)
	after := m.Image()

	assert.True(t, before.ReadOnly())
	status, ok := after.GetAllocationStatus(0, meta.Position())
	require.True(t, ok)
	assert.Equal(t, alloc.StatusAllocated, status)
	assert.NotZero(t, before.CompareWith(after, func(*alloc.CompareCursor) bool { return true }))

	var buf bytes.Buffer
	m.Dump(&buf)
	assert.Contains(t, buf.String(), "AllocationPool")
}

func TestManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(Config{BlockSize: 0, GrowBlocks: 1}, logger.Sugar)
	assert.Error(t, err)
	_, err = NewManager(Config{BlockSize: 512}, logger.Sugar)
	assert.Error(t, err)
}

func TestManagerFreeRespectsPoolCapacity(t *testing.T) {
	logger.New("NOOP")
	t.Cleanup(logger.OnExit)
	m, err := NewManager(Config{BlockSize: 512, GrowBlocks: 1024}, logger.Sugar.WithServiceName("blocks"),
		alloc.OptLeafBits(256), alloc.OptPoolLevel0Capacity(8))
	require.NoError(t, err)

	free := func(pos, size uint64) alloc.Meta {
		run, err := alloc.NewMeta(pos, size, 0)
		require.NoError(t, err)
		require.NoError(t, m.amap.MarkAllocatedMeta(run))
		m.inUse += run.Size1()
		require.NoError(t, m.Free(run, nil))
		return run
	}
	assert.Equal(t, uint64(8), m.pool.Room(0))

	big := free(512, 20)
	assert.Zero(t, m.pool.Level0Total(), "a run larger than the room goes back to the map")
	for pos := big.Position(); pos < big.Limit(); pos++ {
		status, ok := m.amap.GetAllocationStatus(0, pos)
		require.True(t, ok)
		require.Equal(t, alloc.StatusFree, status)
	}

	free(600, 4)
	assert.Equal(t, uint64(4), m.pool.Level0Total())
	free(700, 5)
	assert.Equal(t, uint64(4), m.pool.Level0Total())
	assert.LessOrEqual(t, m.pool.Level0Total(), m.pool.Capacity(0))

	assert.Zero(t, m.Stats().InUse)
	assert.Equal(t, uint64(3), m.Stats().Frees)
}
