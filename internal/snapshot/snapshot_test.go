package snapshot

import (
	"fmt"
	"sync"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/internal/history"
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/pkg/errors"
)

func newTestStore(t *testing.T, opts ...func(*config)) *Store {
	return newTestStoreAt(t, "NOOP", opts...)
}

func newTestStoreAt(t *testing.T, level string, opts ...func(*config)) *Store {
	logger.New(level)
	t.Cleanup(logger.OnExit)
	base := OptList(
		OptGrowBlocks(1024),
		OptPageSize(1024),
		OptLogger(logger.Sugar.WithServiceName("snapshot-test")),
	)
	st, err := NewStore(append(base, opts...)...)
	require.NoError(t, err)
	return st
}

// writable opens master and branches an ACTIVE snapshot from it
func writable(t *testing.T, st *Store) *Snapshot {
	master, err := st.Master()
	require.NoError(t, err)
	defer master.Close()
	snap, err := master.Branch()
	require.NoError(t, err)
	return snap
}

func createWith(t *testing.T, snap *Snapshot, payload string) storage.PageID {
	h, err := snap.CreatePage(0)
	require.NoError(t, err)
	copy(h.Data(), payload)
	id := h.ID()
	require.NoError(t, h.Release())
	return id
}

func readString(t *testing.T, snap *Snapshot, id storage.PageID, n int) string {
	h, err := snap.GetPage(id)
	require.NoError(t, err)
	defer h.Release()
	return string(h.Data()[:n])
}

func TestCopyOnWriteScenario(t *testing.T) {
	fmt.Println("Testing snapshot copy-on-write...")

	st := newTestStore(t)
	s0 := writable(t, st)
	h, err := s0.CreatePage(0)
	require.NoError(t, err)
	p0 := h.ID()
	original := h.Page()
	assert.Equal(t, StateUpdate, h.State())
	assert.Equal(t, 1024, h.Page().Size())
	copy(h.Data(), "original")
	require.NoError(t, h.Release())

	require.NoError(t, s0.Freeze())
	s1, err := s0.Branch()
	require.NoError(t, err)

	r, err := s1.GetPage(p0)
	require.NoError(t, err)
	assert.Equal(t, StateRead, r.State())
	assert.Same(t, original, r.Page())

	u, err := s1.GetPageForUpdate(p0)
	require.NoError(t, err)
	assert.Same(t, r, u, "the cached handle is upgraded")
	assert.Equal(t, StateUpdate, u.State())
	assert.NotEqual(t, original.UUID, u.Page().UUID)
	assert.Equal(t, p0, u.Page().ID)
	assert.Equal(t, "original", string(u.Data()[:8]))
	copy(u.Data(), "modified")
	require.NoError(t, u.Release())
	require.NoError(t, r.Release())

	assert.Equal(t, "original", readString(t, s0, p0, 8))
	assert.Equal(t, "modified", readString(t, s1, p0, 8))
	assert.Equal(t, int64(1), original.References())

	require.NoError(t, s1.Check())
	require.NoError(t, s0.Check())

	require.NoError(t, s1.Close())
	require.NoError(t, s0.Close())
	assert.Zero(t, st.ActiveSnapshots())
	require.NoError(t, st.Close())

	fmt.Println("Snapshot copy-on-write tests passed!")
}

func TestAbandonedSnapshotIsCollected(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	a := createWith(t, s0, "a")
	createWith(t, s0, "b")
	createWith(t, s0, "c")
	require.NoError(t, s0.Freeze())

	s1, err := s0.Branch()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ActiveSnapshots())
	u, err := s1.GetPageForUpdate(a)
	require.NoError(t, err)
	require.NoError(t, u.Release())
	createWith(t, s1, "d")
	assert.Equal(t, int64(5), st.Stats().LivePages)

	txn := s1.TxnID()
	require.NoError(t, s1.Close())
	stats := st.Stats()
	assert.Equal(t, int64(3), stats.LivePages)
	assert.Equal(t, int64(2), stats.FreedPages)
	assert.Equal(t, int64(1), st.ActiveSnapshots(), "s0 was opened active")

	_, err = st.Find(txn)
	assert.ErrorIs(t, err, errors.ErrState, "abandoned snapshots are forgotten")

	h, err := s0.GetPage(a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Page().References(), "shared pages survive with one reference")
	require.NoError(t, h.Release())
	require.NoError(t, s0.Check())

	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
	assert.Equal(t, int64(0), st.Stats().LivePages)
}

func TestDropWaitsForLastFacade(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	createWith(t, s0, "base")
	require.NoError(t, s0.Freeze())

	s1, err := s0.Branch()
	require.NoError(t, err)
	x := createWith(t, s1, "private")
	require.NoError(t, s1.Freeze())

	other, err := st.Find(s1.TxnID())
	require.NoError(t, err)
	require.NoError(t, s1.Drop())
	assert.Equal(t, history.StatusDropped, other.Status())
	require.NoError(t, s1.Close())

	assert.Equal(t, "private", readString(t, other, x, 7), "another façade keeps the pages alive")
	assert.Zero(t, st.Stats().FreedPages)

	require.NoError(t, other.Close())
	assert.Equal(t, int64(1), st.Stats().FreedPages)

	again, err := st.Find(s1.TxnID())
	require.NoError(t, err)
	_, err = again.GetPage(x)
	assert.ErrorIs(t, err, errors.ErrState, "cleared snapshots refuse reads")
	require.NoError(t, again.Close())

	assert.Equal(t, 1, st.Pack())
	_, err = st.Find(s1.TxnID())
	assert.Error(t, err)

	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}

func TestMasterAndBranches(t *testing.T) {
	st := newTestStore(t)
	master, err := st.Master()
	require.NoError(t, err)
	s0, err := master.Branch()
	require.NoError(t, err)
	require.NoError(t, s0.SetMetadata("v1"))
	assert.Equal(t, "v1", s0.Metadata())

	assert.ErrorIs(t, s0.SetAsMaster(), errors.ErrState, "active snapshots cannot be master")
	_, err = s0.Branch()
	assert.ErrorIs(t, err, errors.ErrState, "active snapshots cannot be branched")

	require.NoError(t, s0.Freeze())
	assert.ErrorIs(t, s0.Freeze(), errors.ErrState, "double freeze")
	require.NoError(t, s0.SetAsMaster())
	require.NoError(t, s0.SetAsBranch("release"))

	m2, err := st.Master()
	require.NoError(t, err)
	assert.Equal(t, s0.TxnID(), m2.TxnID())
	fb, err := st.FindBranch("release")
	require.NoError(t, err)
	assert.Equal(t, s0.TxnID(), fb.TxnID())
	_, err = st.FindBranch("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"release"}, st.Branches())

	md, err := st.Describe(s0.TxnID())
	require.NoError(t, err)
	assert.Equal(t, "v1", md.Description)
	assert.Equal(t, master.TxnID(), md.Parent)
	assert.Equal(t, []string{"release"}, md.Branches)

	parent, err := s0.Parent()
	require.NoError(t, err)
	assert.Equal(t, master.TxnID(), parent.TxnID())
	_, err = parent.Parent()
	assert.ErrorIs(t, err, errors.ErrState)

	assert.ErrorIs(t, s0.Drop(), errors.ErrState, "master cannot be dropped")

	for _, s := range []*Snapshot{parent, fb, m2, s0, master} {
		require.NoError(t, s.Close())
	}
	require.NoError(t, st.Close())
}

func TestGuardRails(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	id := createWith(t, s0, "x")
	require.NoError(t, s0.Freeze())

	_, err := s0.CreatePage(0)
	assert.ErrorIs(t, err, errors.ErrState)
	_, err = s0.GetPageForUpdate(id)
	assert.ErrorIs(t, err, errors.ErrState)
	assert.ErrorIs(t, s0.RemovePage(id), errors.ErrState)
	assert.ErrorIs(t, s0.SetMetadata("late"), errors.ErrState)

	h, err := s0.GetPage(id)
	require.NoError(t, err)
	_, err = s0.UpdatePage(h)
	assert.ErrorIs(t, err, errors.ErrState)
	require.NoError(t, h.Release())
	assert.ErrorIs(t, h.Release(), errors.ErrState, "double release")

	require.NoError(t, s0.Close())
	_, err = s0.GetPage(id)
	assert.ErrorIs(t, err, errors.ErrState)
	require.NoError(t, s0.Close(), "close is idempotent")

	require.NoError(t, st.Close())
	_, err = st.Master()
	assert.ErrorIs(t, err, errors.ErrState)
}

func TestStoreCloseNeedsInactiveSnapshots(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	createWith(t, s0, "x")
	assert.ErrorIs(t, st.Close(), errors.ErrState)

	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
	assert.Zero(t, st.Stats().Blocks.InUse)
	assert.Contains(t, st.Stats().String(), "LivePages")
}

func TestAllocationDelta(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	createWith(t, s0, "x")
	require.NoError(t, s0.Freeze())
	assert.Zero(t, s0.AllocationDelta(s0, nil))

	s1, err := s0.Branch()
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		h, err := s1.CreatePage(4096)
		require.NoError(t, err)
		require.NoError(t, h.Release())
	}
	assert.NotZero(t, s1.AllocationDelta(s0, nil))

	calls := 0
	s1.AllocationDelta(s0, func(c *alloc.CompareCursor) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)

	require.NoError(t, s1.Close())
	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}

func TestConcurrentBranches(t *testing.T) {
	fmt.Println("Testing concurrent snapshots...")

	st := newTestStore(t)
	s0 := writable(t, st)
	var ids []storage.PageID
	for i := 0; i < 64; i++ {
		ids = append(ids, createWith(t, s0, fmt.Sprintf("page-%02d", i)))
	}
	require.NoError(t, s0.Freeze())
	base := s0.TxnID()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs <- func() error {
				view, err := st.Find(base)
				if err != nil {
					return err
				}
				defer view.Close()
				snap, err := view.Branch()
				if err != nil {
					return err
				}
				defer snap.Close()
				for i := w; i < len(ids); i += 8 {
					h, err := snap.GetPageForUpdate(ids[i])
					if err != nil {
						return err
					}
					copy(h.Data(), fmt.Sprintf("writer-%d", w))
					if err := h.Release(); err != nil {
						return err
					}
				}
				for i := 0; i < 16; i++ {
					h, err := snap.CreatePage(512)
					if err != nil {
						return err
					}
					if err := h.Release(); err != nil {
						return err
					}
				}
				return snap.Check()
			}()
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(64), st.Stats().LivePages)
	assert.Equal(t, int64(1), st.ActiveSnapshots())
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("page-%02d", i), readString(t, s0, id, 7))
	}
	require.NoError(t, s0.Check())
	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}
