package history

import (
	"fmt"
	"sync/atomic"
	"time"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/ptree"
)

// Status is the lifecycle state of a history node
type Status int32

const (
	StatusActive Status = iota
	StatusCommitted
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitted:
		return "COMMITTED"
	case StatusDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Node records one version in the lineage of the store. Structural fields
// (parent, children, refs, metadata) are guarded by the owning Tree; the
// tree root and status are atomics so a snapshot can read them without
// taking the tree lock.
type Node struct {
	txn      storage.TxnID
	parent   *Node
	children []*Node
	status   atomic.Int32
	treeRoot atomic.Uint64
	rootID   storage.PageID
	metadata string
	created  time.Time
	frozen   time.Time
	refs     int
	image    *alloc.Map
}

func newNode(txn storage.TxnID, parent *Node, root ptree.NodeID) *Node {
	n := &Node{txn: txn, parent: parent, created: time.Now()}
	n.treeRoot.Store(uint64(root))
	if parent != nil {
		n.rootID = parent.rootID
	}
	return n
}

// TxnID returns the transaction id of the node
func (n *Node) TxnID() storage.TxnID {
	return n.txn
}

// Status returns the lifecycle state
func (n *Node) Status() Status {
	return Status(n.status.Load())
}

// TreeRoot returns the persistent tree root, zero once the node's tree was
// reclaimed
func (n *Node) TreeRoot() ptree.NodeID {
	return ptree.NodeID(n.treeRoot.Load())
}

// SetTreeRoot updates the persistent tree root
func (n *Node) SetTreeRoot(root ptree.NodeID) {
	n.treeRoot.Store(uint64(root))
}

// RootID returns the page id of the unnamed root container
func (n *Node) RootID() storage.PageID {
	return n.rootID
}

// SetRootID updates the unnamed root; only the owning snapshot calls it
func (n *Node) SetRootID(id storage.PageID) {
	n.rootID = id
}

// Image returns the allocation map captured when the node was committed
func (n *Node) Image() *alloc.Map {
	return n.image
}

// Created returns when the node was branched
func (n *Node) Created() time.Time {
	return n.created
}

func (n *Node) String() string {
	return fmt.Sprintf("HistoryNode{txn=%s status=%s root=%d}", n.txn, n.Status(), n.TreeRoot())
}

// Metadata describes a node to callers outside the store
type Metadata struct {
	TxnID       storage.TxnID
	Parent      storage.TxnID
	Children    []storage.TxnID
	Description string
	Status      Status
	Created     time.Time
	Committed   time.Time
	Branches    []string
}
