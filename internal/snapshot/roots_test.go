package snapshot

import (
	"context"
	"fmt"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/pkg/errors"
)

var blobTag = storage.TagOf("test.blob-chain")

// blobOps describes a chain of pages, each starting with the id of the
// next one
type blobOps struct{}

func blobNext(p *storage.Page) storage.PageID {
	var next storage.PageID
	copy(next[:], p.Data[:16])
	return next
}

func (blobOps) Name() string { return "blob-chain" }

func (b blobOps) Check(r storage.PageReader, rootID storage.PageID) error {
	return b.Walk(r, rootID, func(p *storage.Page) error {
		if p.TypeTag != blobTag {
			return errors.NewIntegrityError("page %s is not part of a blob chain", p.ID)
		}
		return nil
	})
}

func (blobOps) Walk(r storage.PageReader, rootID storage.PageID, fn func(*storage.Page) error) error {
	seen := map[storage.PageID]bool{}
	for id := rootID; !id.IsNil(); {
		if seen[id] {
			return errors.NewIntegrityError("blob chain loops at %s", id)
		}
		seen[id] = true
		p, err := r.ReadPage(id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		id = blobNext(p)
	}
	return nil
}

func (blobOps) Resize(p *storage.Page, data []byte) error {
	if len(data) < 16 {
		return errors.NewRangeError("blob page needs 16 bytes, got %d", len(data))
	}
	copy(data, p.Data)
	return nil
}

func (blobOps) GenerateDataEvents(p *storage.Page, handler storage.DataEventHandler) error {
	handler.StartPage(p)
	handler.Field("next", blobNext(p).String())
	handler.Field("size", p.Size())
	handler.EndPage(p)
	return nil
}

// buildChain creates n linked blob pages and returns their ids, head first
func buildChain(t *testing.T, snap *Snapshot, n int) []storage.PageID {
	ids := make([]storage.PageID, n)
	next := storage.NilPageID
	for i := n - 1; i >= 0; i-- {
		h, err := snap.CreatePageTagged(64, blobTag)
		require.NoError(t, err)
		copy(h.Data(), next[:])
		ids[i], next = h.ID(), h.ID()
		require.NoError(t, h.Release())
	}
	return ids
}

type eventRecorder struct {
	starts map[storage.TypeTag]int
	fields []string
	open   int
}

func (e *eventRecorder) StartPage(p *storage.Page) {
	e.starts[p.TypeTag]++
	e.open++
}

func (e *eventRecorder) Field(name string, value any) {
	e.fields = append(e.fields, fmt.Sprintf("%s=%v", name, value))
}

func (e *eventRecorder) EndPage(*storage.Page) {
	e.open--
}

func blobRegistry(t *testing.T) *storage.Registry {
	reg := storage.NewRegistry()
	require.NoError(t, reg.Register(blobTag, blobOps{}))
	return reg
}

func TestNamedRoots(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	name, other := uuid.New(), uuid.New()

	root, err := s0.GetRootID(name)
	require.NoError(t, err)
	assert.True(t, root.IsNil(), "unknown names resolve to the nil page")
	roots, err := s0.Roots()
	require.NoError(t, err)
	assert.Empty(t, roots)

	p := createWith(t, s0, "named")
	q := createWith(t, s0, "unnamed")
	require.NoError(t, s0.SetRoot(name, p))
	require.NoError(t, s0.SetRoot(uuid.Nil, q))
	require.NoError(t, s0.SetRoot(other, storage.NilPageID), "unbinding an unknown name is a no-op")

	root, err = s0.GetRootID(name)
	require.NoError(t, err)
	assert.Equal(t, p, root)
	root, err = s0.GetRootID(uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, q, root)
	roots, err = s0.Roots()
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]storage.PageID{name: p, uuid.Nil: q}, roots)
	assert.Equal(t, int64(3), st.Stats().LivePages, "the directory is a page of its own")

	require.NoError(t, s0.Check())
	require.NoError(t, s0.Freeze())
	assert.ErrorIs(t, s0.SetRoot(name, q), errors.ErrState)

	s1, err := s0.Branch()
	require.NoError(t, err)
	roots, err = s1.Roots()
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]storage.PageID{name: p, uuid.Nil: q}, roots, "branches inherit roots")

	require.NoError(t, s1.SetRoot(name, q))
	require.NoError(t, s1.SetRoot(other, p))
	require.NoError(t, s1.SetRoot(uuid.Nil, storage.NilPageID))
	roots, err = s1.Roots()
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]storage.PageID{name: q, other: p}, roots)

	roots, err = s0.Roots()
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]storage.PageID{name: p, uuid.Nil: q}, roots, "the parent is unaffected")

	require.NoError(t, s1.SetRoot(name, storage.NilPageID))
	root, err = s1.GetRootID(name)
	require.NoError(t, err)
	assert.True(t, root.IsNil())
	require.NoError(t, s1.Check())

	require.NoError(t, s1.Close())
	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}

func TestCheckAndDataEvents(t *testing.T) {
	st := newTestStore(t, OptRegistry(blobRegistry(t)))
	s0 := writable(t, st)
	chain := buildChain(t, s0, 3)
	name := uuid.New()
	require.NoError(t, s0.SetRoot(name, chain[0]))

	var visited []uuid.UUID
	require.NoError(t, s0.WalkContainers(func(n uuid.UUID, root storage.PageID, ops storage.ContainerOps) error {
		visited = append(visited, n)
		return nil
	}))
	assert.Equal(t, []uuid.UUID{uuid.Nil, name}, visited, "directory first")

	require.NoError(t, s0.Check())

	rec := &eventRecorder{starts: map[storage.TypeTag]int{}}
	require.NoError(t, s0.GenerateDataEvents(rec))
	assert.Equal(t, 3, rec.starts[blobTag])
	assert.Equal(t, 1, rec.starts[DirectoryTag])
	assert.Zero(t, rec.open)
	assert.Contains(t, rec.fields, fmt.Sprintf("%s=%s", name, chain[0]))
	assert.Contains(t, rec.fields, "size=64")

	h, err := s0.GetPageForUpdate(chain[1])
	require.NoError(t, err)
	require.NoError(t, s0.ResizePage(h, 128))
	assert.Equal(t, chain[2], blobNext(h.Page()), "the registered container moves the payload")
	assert.ErrorIs(t, s0.ResizePage(h, 8), errors.ErrRange)
	require.NoError(t, h.Release())
	require.NoError(t, s0.Check())

	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}

func TestCheckReportsBrokenContainer(t *testing.T) {
	st := newTestStoreAt(t, "TEST", OptRegistry(blobRegistry(t)))
	s0 := writable(t, st)
	chain := buildChain(t, s0, 3)
	require.NoError(t, s0.SetRoot(uuid.New(), chain[0]))
	require.NoError(t, s0.Check())

	h, err := s0.GetPageForUpdate(chain[1])
	require.NoError(t, err)
	dangling := storage.NewPageID()
	copy(h.Data(), dangling[:])
	require.NoError(t, h.Release())

	err = s0.Check()
	assert.ErrorIs(t, err, errors.ErrIntegrity)
	assert.Positive(t, logger.Recorded.FilterMessageSnippet("not found").Len())
	assert.Positive(t, logger.Recorded.FilterMessageSnippet("blob-chain").Len())

	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}

type recordingFlusher struct {
	txns    []storage.TxnID
	records [][]byte
}

func (f *recordingFlusher) Flush(_ context.Context, txn storage.TxnID, record []byte) error {
	f.txns = append(f.txns, txn)
	f.records = append(f.records, record)
	return nil
}

func TestFlush(t *testing.T) {
	flusher := &recordingFlusher{}
	st := newTestStore(t, OptFlusher(flusher))
	master, err := st.Master()
	require.NoError(t, err)
	s0, err := master.Branch()
	require.NoError(t, err)
	a := createWith(t, s0, "a")
	createWith(t, s0, "b")
	require.NoError(t, s0.SetRoot(uuid.New(), a))

	require.NoError(t, s0.Flush(context.Background()))
	require.Len(t, flusher.records, 1)
	assert.Equal(t, s0.TxnID(), flusher.txns[0])

	rec, err := st.DecodeFlushRecord(flusher.records[0])
	require.NoError(t, err)
	txn, parent := uuid.UUID(s0.TxnID()), uuid.UUID(master.TxnID())
	assert.Equal(t, txn[:], rec.TxnID)
	assert.Equal(t, parent[:], rec.Parent)
	assert.Equal(t, "ACTIVE", rec.Status)
	assert.Len(t, rec.Pages, 3)

	require.NoError(t, s0.Freeze())
	s1, err := s0.Branch()
	require.NoError(t, err)
	h, err := s1.GetPageForUpdate(a)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	require.NoError(t, s1.Flush(context.Background()))
	rec, err = st.DecodeFlushRecord(flusher.records[1])
	require.NoError(t, err)
	require.Len(t, rec.Pages, 1, "only privately owned copies are flushed")
	id := uuid.UUID(a)
	assert.Equal(t, id[:], rec.Pages[0].ID)
	assert.Equal(t, 1024, rec.Pages[0].Size)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s1.Flush(ctx), context.Canceled)
	assert.Len(t, flusher.records, 2)

	require.NoError(t, s1.Close())
	require.NoError(t, s0.Close())
	require.NoError(t, master.Close())
	require.NoError(t, st.Close())
}

func TestFlushWithoutFlusher(t *testing.T) {
	st := newTestStore(t)
	s0 := writable(t, st)
	createWith(t, s0, "x")
	require.NoError(t, s0.Flush(context.Background()))
	require.NoError(t, s0.Close())
	require.NoError(t, st.Close())
}
