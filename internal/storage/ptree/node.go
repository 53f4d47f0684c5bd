package ptree

import (
	"sync"
	"sync/atomic"

	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/pkg/utils"
)

// NodeCapacity is the maximum number of keys held by one node
const NodeCapacity = 32

// NodeID addresses a node in an Arena; zero means no node
type NodeID uint64

// Value is one tree entry: a physical page copy and the transaction that
// installed it
type Value struct {
	Page  *storage.Page
	Owner storage.TxnID
}

// node is either a leaf (keys/vals) or a branch (keys/kids). In a branch
// keys[i] is a lower bound of every key stored under kids[i].
// A node is mutated in place only by the transaction that owns it, and
// only while that transaction is active.
type node struct {
	leaf  bool
	owner storage.TxnID
	refs  atomic.Int32
	keys  []storage.PageID
	vals  []Value
	kids  []NodeID
}

func (n *node) nkeys() int {
	return len(n.keys)
}

// lookup returns the child slot for key in a branch: the last slot whose
// lower bound is <= key, or 0
func (n *node) lookup(key storage.PageID) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if key.Less(n.keys[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return 0
	}
	return lo - 1
}

// search returns the first slot with keys[idx] >= key in a leaf
func (n *node) search(key storage.PageID) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if n.keys[mid].Less(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(n.keys) && n.keys[lo] == key
}

// Arena owns every tree node shared by all snapshots of a store
type Arena struct {
	mu    sync.RWMutex
	nodes map[NodeID]*node
	next  NodeID
}

// NewArena creates an empty arena
func NewArena() *Arena {
	return &Arena{nodes: make(map[NodeID]*node), next: 1}
}

// get dereferences a node id
func (a *Arena) get(id NodeID) *node {
	a.mu.RLock()
	n := a.nodes[id]
	a.mu.RUnlock()
	utils.Assert(n != nil, "dangling persistent tree node")
	return n
}

// new stores a node and returns its id
func (a *Arena) new(n *node) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.nodes[id] = n
	return id
}

// del forgets a node
func (a *Arena) del(id NodeID) {
	a.mu.Lock()
	delete(a.nodes, id)
	a.mu.Unlock()
}

// Len returns the number of live nodes
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.nodes)
}

// NewRoot creates an empty leaf owned by txn, referenced once by its anchor
func (a *Arena) NewRoot(txn storage.TxnID) NodeID {
	n := &node{leaf: true, owner: txn}
	n.refs.Store(1)
	return a.new(n)
}

// CloneRoot copies root for a new transaction. The copy shares every
// child (or page) of root and is referenced once by its anchor.
func (a *Arena) CloneRoot(root NodeID, txn storage.TxnID) NodeID {
	c := a.cloneNode(a.get(root), txn)
	c.refs.Store(1)
	return a.new(c)
}

// cloneNode copies n for txn and takes a reference on everything the copy
// points at
func (a *Arena) cloneNode(n *node, txn storage.TxnID) *node {
	c := &node{leaf: n.leaf, owner: txn, keys: append([]storage.PageID(nil), n.keys...)}
	if n.leaf {
		c.vals = append([]Value(nil), n.vals...)
		for _, v := range c.vals {
			v.Page.Ref()
		}
	} else {
		c.kids = append([]NodeID(nil), n.kids...)
		for _, kid := range c.kids {
			a.get(kid).refs.Add(1)
		}
	}
	return c
}

// DeleteTree drops one reference to root. Nodes reaching zero are removed
// and, for leaves, every value is passed to onValue so the caller can drop
// its page reference. Subtrees still referenced elsewhere are left intact.
func (a *Arena) DeleteTree(root NodeID, onValue func(storage.PageID, Value)) {
	if root == 0 {
		return
	}
	n := a.get(root)
	left := n.refs.Add(-1)
	utils.Assert(left >= 0, "persistent tree node reference count below zero")
	if left > 0 {
		return
	}
	if n.leaf {
		for i, v := range n.vals {
			onValue(n.keys[i], v)
		}
	} else {
		for _, kid := range n.kids {
			a.DeleteTree(kid, onValue)
		}
	}
	a.del(root)
}
