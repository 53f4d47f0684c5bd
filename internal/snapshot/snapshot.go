package snapshot

import (
	"fmt"
	"io"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/internal/history"
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/ptree"
	"govetachun/go-snapshot-store/pkg/errors"
)

// Snapshot is a façade over one history node. Several façades may observe
// the same node; each one, with its page handles, must be used by a single
// goroutine at a time.
type Snapshot struct {
	store *Store
	node  *history.Node
	txn   storage.TxnID
	tree  *ptree.Tree

	handles map[storage.PageID]*Shared
	pool    []*Shared

	countedActive bool
	closed        bool
}

// TxnID returns the transaction id
func (s *Snapshot) TxnID() storage.TxnID {
	return s.txn
}

// Status returns the lifecycle state of the underlying node
func (s *Snapshot) Status() history.Status {
	return s.node.Status()
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("Snapshot{txn=%s status=%s}", s.txn, s.Status())
}

func (s *Snapshot) checkReadAllowed() error {
	if s.closed {
		return errors.NewStateError("snapshot %s is closed", s.txn)
	}
	if s.node.TreeRoot() == 0 {
		return errors.NewStateError("snapshot %s has been cleared", s.txn)
	}
	return nil
}

func (s *Snapshot) checkUpdateAllowed() error {
	if err := s.checkReadAllowed(); err != nil {
		return err
	}
	if st := s.node.Status(); st != history.StatusActive {
		return errors.NewStateError("snapshot %s is %s, writes need an active snapshot", s.txn, st)
	}
	return nil
}

// Freeze commits the snapshot. Committed snapshots are immutable and can
// be branched. Removals waiting on held handles are applied first; the
// handles keep their pages until released.
func (s *Snapshot) Freeze() error {
	if err := s.checkReadAllowed(); err != nil {
		return err
	}
	if s.node.Status() == history.StatusActive {
		s.applyPendingRemovals()
	}
	return s.store.history.Commit(s.node, s.store.blocks.Image())
}

// Drop marks the snapshot for reclamation. Its pages are released when the
// last façade over it closes.
func (s *Snapshot) Drop() error {
	if err := s.checkReadAllowed(); err != nil {
		return err
	}
	return s.store.history.MarkDropped(s.node)
}

// Branch creates an ACTIVE child of this committed snapshot
func (s *Snapshot) Branch() (*Snapshot, error) {
	if err := s.checkReadAllowed(); err != nil {
		return nil, err
	}
	if err := s.store.checkOpen(); err != nil {
		return nil, err
	}
	child, err := s.store.history.Branch(s.node, func(txn storage.TxnID) ptree.NodeID {
		return s.store.arena.CloneRoot(s.node.TreeRoot(), txn)
	})
	if err != nil {
		return nil, err
	}
	return s.store.open(child), nil
}

// Parent opens the parent snapshot
func (s *Snapshot) Parent() (*Snapshot, error) {
	if s.closed {
		return nil, errors.NewStateError("snapshot %s is closed", s.txn)
	}
	parent, err := s.store.history.Parent(s.node)
	if err != nil {
		return nil, err
	}
	return s.store.open(parent), nil
}

// SetAsMaster makes this committed snapshot the store's master
func (s *Snapshot) SetAsMaster() error {
	return s.store.SetMaster(s.txn)
}

// SetAsBranch binds name to this committed snapshot
func (s *Snapshot) SetAsBranch(name string) error {
	return s.store.SetBranch(name, s.txn)
}

// Describe returns the node metadata
func (s *Snapshot) Describe() (history.Metadata, error) {
	return s.store.history.Describe(s.txn)
}

// SetMetadata stores a description; the snapshot must be ACTIVE
func (s *Snapshot) SetMetadata(description string) error {
	if err := s.checkUpdateAllowed(); err != nil {
		return err
	}
	return s.store.history.SetMetadata(s.node, description)
}

// Metadata returns the description
func (s *Snapshot) Metadata() string {
	md, err := s.Describe()
	if err != nil {
		return ""
	}
	return md.Description
}

// allocationImage returns the committed image, or the current map for an
// ACTIVE snapshot
func (s *Snapshot) allocationImage() *alloc.Map {
	if img := s.node.Image(); img != nil {
		return img
	}
	return s.store.blocks.Image()
}

// AllocationDelta walks the differences between the allocation maps of
// this snapshot and other. fn may be nil; returning false stops the walk.
func (s *Snapshot) AllocationDelta(other *Snapshot, fn func(*alloc.CompareCursor) bool) int {
	if fn == nil {
		fn = func(*alloc.CompareCursor) bool { return true }
	}
	return s.allocationImage().CompareWith(other.allocationImage(), fn)
}

// Close releases the façade. Closing the last façade over an ACTIVE
// snapshot abandons it: its private pages are reclaimed and the node is
// forgotten. Closing the last façade over a dropped snapshot reclaims it.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	for _, h := range s.handles {
		h.refs = 1
		if err := s.ReleasePage(h); err != nil {
			s.store.log.Infof("close %s: release %s: %v", s.txn, h.id, err)
		}
	}
	s.closed = true
	s.pool = nil

	remaining := s.store.history.Detach(s.node, s.countedActive)
	if remaining > 0 {
		return nil
	}
	switch s.node.Status() {
	case history.StatusActive:
		s.doDrop()
		s.store.history.Forget(s.node)
	case history.StatusDropped:
		s.doDrop()
	}
	return nil
}

// doDrop reclaims the version held by the node. Pages whose last tree
// reference goes away are freed unless a handle still holds them.
func (s *Snapshot) doDrop() {
	if s.node.TreeRoot() == 0 {
		return
	}
	before := s.store.freed.Load()
	s.tree.Drop()
	s.store.log.Debugf("dropped %s, freed %d pages", s.txn, s.store.freed.Load()-before)
}

// Dump writes the persistent tree of the snapshot to w
func (s *Snapshot) Dump(w io.Writer) {
	if s.node.TreeRoot() == 0 {
		fmt.Fprintf(w, "snapshot %s: cleared\n", s.txn)
		return
	}
	s.tree.Dump(w)
}
