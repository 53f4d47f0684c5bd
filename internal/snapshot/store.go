package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"text/tabwriter"

	dtcbor "github.com/datatrails/go-datatrails-common/cbor"
	"github.com/datatrails/go-datatrails-common/logger"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/internal/concurrency"
	"govetachun/go-snapshot-store/internal/history"
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/blocks"
	"govetachun/go-snapshot-store/internal/storage/ptree"
	"govetachun/go-snapshot-store/pkg/errors"
)

// Store owns the shared state behind every snapshot: the node arena, the
// block manager and the history tree
type Store struct {
	cfg      *config
	log      logger.Logger
	arena    *ptree.Arena
	blocks   *blocks.Manager
	history  *history.Tree
	registry *storage.Registry
	codec    dtcbor.CBORCodec

	closeMu   sync.Mutex
	closed    atomic.Bool
	livePages atomic.Int64
	freed     atomic.Int64
}

// NewStore creates an empty store. Its initial snapshot is committed, empty
// and master; branch it to start writing.
func NewStore(opts ...func(*config)) (*Store, error) {
	cfg := resolveConfig(opts...)
	mgr, err := blocks.NewManager(blocks.Config{
		BlockSize:  cfg.blockSize,
		GrowBlocks: uint64(cfg.growBlocks),
	}, cfg.log, cfg.allocOpts...)
	if err != nil {
		return nil, err
	}
	codec, err := dtcbor.NewCBORCodec(dtcbor.NewDeterministicEncOpts(), dtcbor.NewDeterministicDecOptsConvertSigned())
	if err != nil {
		return nil, err
	}
	if _, exists := cfg.registry.Lookup(DirectoryTag); !exists {
		if err := cfg.registry.Register(DirectoryTag, &directoryOps{codec: codec}); err != nil {
			return nil, err
		}
	}

	arena := ptree.NewArena()
	rootTxn := storage.NewTxnID()
	s := &Store{
		cfg:      cfg,
		log:      cfg.log,
		arena:    arena,
		blocks:   mgr,
		history:  history.NewTree(arena.NewRoot(rootTxn), rootTxn, cfg.log),
		registry: cfg.registry,
		codec:    codec,
	}
	s.log.Debugf("store opened, initial snapshot %s", rootTxn)
	return s, nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return errors.NewStateError("store is closed")
	}
	return nil
}

// open wraps node in a new façade
func (s *Store) open(node *history.Node) *Snapshot {
	snap := &Snapshot{
		store:   s,
		node:    node,
		txn:     node.TxnID(),
		handles: make(map[storage.PageID]*Shared),
	}
	snap.tree = ptree.New(s.arena, node, snap.txn, snap.releasePage)
	snap.countedActive = s.history.Attach(node)
	return snap
}

// Master opens the master snapshot
func (s *Store) Master() (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.open(s.history.Master()), nil
}

// Find opens the snapshot with the given transaction id
func (s *Store) Find(id storage.TxnID) (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	node, ok := s.history.Find(id)
	if !ok {
		return nil, errors.NewStateError("snapshot %s is unknown", id)
	}
	return s.open(node), nil
}

// FindBranch opens the snapshot bound to name
func (s *Store) FindBranch(name string) (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	node, ok := s.history.FindBranch(name)
	if !ok {
		return nil, errors.NewStateError("branch %q is unknown", name)
	}
	return s.open(node), nil
}

// SetMaster points master at a committed snapshot
func (s *Store) SetMaster(id storage.TxnID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.history.SetMaster(id)
}

// SetBranch binds name to a committed snapshot
func (s *Store) SetBranch(name string, id storage.TxnID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.history.SetBranch(name, id)
}

// Branches lists the named branches
func (s *Store) Branches() []string {
	return s.history.Branches()
}

// Describe returns the metadata of a snapshot
func (s *Store) Describe(id storage.TxnID) (history.Metadata, error) {
	return s.history.Describe(id)
}

// ActiveSnapshots returns the number of open façades over ACTIVE snapshots
func (s *Store) ActiveSnapshots() int64 {
	return s.history.ActiveCount()
}

// Pack forgets reclaimed snapshots that nothing refers to any more
func (s *Store) Pack() int {
	return s.history.Pack()
}

// DumpHistory writes the snapshot lineage to w
func (s *Store) DumpHistory(w io.Writer) {
	s.history.Dump(w)
}

// Registry returns the container registry
func (s *Store) Registry() *storage.Registry {
	return s.registry
}

// freePage gives the memory of a page back to the block manager. Pages
// still referenced by a tree or held by a handle are left alone; the last
// of them to let go frees the page.
func (s *Store) freePage(p *storage.Page) {
	if !p.Unused() || !p.MarkFreed() {
		return
	}
	if err := s.blocks.Free(p.Block, p.Data); err != nil {
		s.log.Infof("free page %s copy %s: %v", p.ID, p.UUID, err)
	}
	p.Data = nil
	s.livePages.Add(-1)
	s.freed.Add(1)
}

// allocatePage reserves memory for a new physical page copy
func (s *Store) allocatePage(size int) (alloc.Meta, []byte, error) {
	meta, data, err := s.blocks.Allocate(size)
	if err != nil {
		return alloc.Meta{}, nil, err
	}
	s.livePages.Add(1)
	return meta, data, nil
}

// Close reclaims every snapshot tree and hands all blocks back. It fails
// while ACTIVE snapshots are open.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed.Load() {
		return nil
	}
	if n := s.history.ActiveCount(); n > 0 {
		return errors.NewStateError("%d active snapshots are still open", n)
	}
	s.closed.Store(true)
	for _, node := range s.history.Nodes() {
		if node.TreeRoot() == 0 {
			continue
		}
		ptree.New(s.arena, node, node.TxnID(), s.freePage).Drop()
	}
	s.log.Debugf("store closed, %d pages freed in total", s.freed.Load())
	return s.blocks.Close()
}

// Stats summarises the store
type Stats struct {
	Snapshots       int
	ActiveSnapshots int64
	Branches        int
	TreeNodes       int
	LivePages       int64
	FreedPages      int64
	Blocks          blocks.Stats
	HistoryLock     concurrency.LockStats
}

// Stats gathers current figures
func (s *Store) Stats() *Stats {
	return &Stats{
		Snapshots:       len(s.history.Nodes()),
		ActiveSnapshots: s.history.ActiveCount(),
		Branches:        len(s.history.Branches()),
		TreeNodes:       s.arena.Len(),
		LivePages:       s.livePages.Load(),
		FreedPages:      s.freed.Load(),
		Blocks:          s.blocks.Stats(),
		HistoryLock:     s.history.LockStats(),
	}
}

func (st *Stats) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "Snapshots\t%d\t\n", st.Snapshots)
	fmt.Fprintf(w, "ActiveSnapshots\t%d\t\n", st.ActiveSnapshots)
	fmt.Fprintf(w, "Branches\t%d\t\n", st.Branches)
	fmt.Fprintf(w, "TreeNodes\t%d\t\n", st.TreeNodes)
	fmt.Fprintf(w, "LivePages\t%d\t\n", st.LivePages)
	fmt.Fprintf(w, "FreedPages\t%d\t\n", st.FreedPages)
	fmt.Fprintf(w, "BlockSize\t%d\t\n", st.Blocks.BlockSize)
	fmt.Fprintf(w, "MapBlocks\t%d\t\n", st.Blocks.MapSize)
	fmt.Fprintf(w, "BlocksInUse\t%d\t\n", st.Blocks.InUse)
	fmt.Fprintf(w, "BlocksPooled\t%d\t\n", st.Blocks.Pooled)
	fmt.Fprintf(w, "MapExpansions\t%d\t\n", st.Blocks.Expansions)
	fmt.Fprintf(w, "HistoryLockWrites\t%d\t\n", st.HistoryLock.WriteAcquisitions)
	fmt.Fprintf(w, "HistoryLockReads\t%d\t\n", st.HistoryLock.ReadAcquisitions)
	w.Flush()
	return buf.String()
}
