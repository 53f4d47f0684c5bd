package ptree

import (
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/pkg/utils"
)

// Anchor holds the root of one tree version
type Anchor interface {
	TreeRoot() NodeID
	SetTreeRoot(NodeID)
}

// Tree is one transaction's view of the persistent tree. Writes copy every
// node on the path that the transaction does not own yet and leave all
// other subtrees shared with older versions.
type Tree struct {
	arena  *Arena
	anchor Anchor
	txn    storage.TxnID
	// called when a page loses its last tree reference
	release func(*storage.Page)
}

// New binds a tree view to anchor for txn
func New(arena *Arena, anchor Anchor, txn storage.TxnID, release func(*storage.Page)) *Tree {
	return &Tree{arena: arena, anchor: anchor, txn: txn, release: release}
}

// Root returns the current root id
func (t *Tree) Root() NodeID {
	return t.anchor.TreeRoot()
}

// Txn returns the owning transaction
func (t *Tree) Txn() storage.TxnID {
	return t.txn
}

// dropValue releases one tree reference to a page
func (t *Tree) dropValue(_ storage.PageID, v Value) {
	if v.Page.Unref() == 0 && t.release != nil {
		t.release(v.Page)
	}
}

// unrefNode drops one reference to a node, reclaiming it when unused
func (t *Tree) unrefNode(id NodeID) {
	t.arena.DeleteTree(id, t.dropValue)
}

// Drop releases the version held by the anchor and clears the anchor
func (t *Tree) Drop() {
	root := t.anchor.TreeRoot()
	t.anchor.SetTreeRoot(0)
	t.unrefNode(root)
}

// Find looks up key
func (t *Tree) Find(key storage.PageID) (Value, bool) {
	root := t.anchor.TreeRoot()
	if root == 0 {
		return Value{}, false
	}
	n := t.arena.get(root)
	for !n.leaf {
		n = t.arena.get(n.kids[n.lookup(key)])
	}
	idx, ok := n.search(key)
	if !ok {
		return Value{}, false
	}
	return n.vals[idx], true
}

type step struct {
	id  NodeID
	n   *node
	idx int
}

// ownNode returns a node the transaction may mutate, cloning id when it is
// owned by another transaction. The clone is referenced once by its parent.
func (t *Tree) ownNode(id NodeID) (NodeID, *node, bool) {
	n := t.arena.get(id)
	if n.owner == t.txn {
		return id, n, false
	}
	c := t.arena.cloneNode(n, t.txn)
	c.refs.Store(1)
	return t.arena.new(c), c, true
}

// mutablePath makes every node from the root to the leaf for key private
func (t *Tree) mutablePath(key storage.PageID) []step {
	rootID := t.anchor.TreeRoot()
	id, n, cloned := t.ownNode(rootID)
	if cloned {
		t.anchor.SetTreeRoot(id)
		t.unrefNode(rootID)
	}
	path := []step{{id: id, n: n}}
	for !n.leaf {
		idx := n.lookup(key)
		path[len(path)-1].idx = idx
		kidID := n.kids[idx]
		id, kid, cloned := t.ownNode(kidID)
		if cloned {
			n.kids[idx] = id
			t.unrefNode(kidID)
		}
		path = append(path, step{id: id, n: kid})
		n = kid
	}
	return path
}

// Assign installs v under key, returning the replaced value. The tree takes
// a reference on the new page and drops the one it held on the old page.
func (t *Tree) Assign(key storage.PageID, v Value) (Value, bool) {
	utils.Assert(v.Page != nil, "assigning a nil page")
	path := t.mutablePath(key)
	leaf := path[len(path)-1].n
	idx, found := leaf.search(key)
	v.Page.Ref()
	if found {
		old := leaf.vals[idx]
		leaf.vals[idx] = v
		t.dropValue(key, old)
		return old, true
	}

	leaf.keys = append(leaf.keys, storage.NilPageID)
	copy(leaf.keys[idx+1:], leaf.keys[idx:])
	leaf.keys[idx] = key
	leaf.vals = append(leaf.vals, Value{})
	copy(leaf.vals[idx+1:], leaf.vals[idx:])
	leaf.vals[idx] = v

	for i := len(path) - 2; i >= 0; i-- {
		p := path[i]
		if key.Less(p.n.keys[p.idx]) {
			p.n.keys[p.idx] = key
		}
	}
	t.splitPath(path)
	return Value{}, false
}

// split moves the upper half of n into a new node
func (t *Tree) split(n *node) *node {
	mid := n.nkeys() / 2
	right := &node{leaf: n.leaf, owner: t.txn, keys: append([]storage.PageID(nil), n.keys[mid:]...)}
	right.refs.Store(1)
	n.keys = n.keys[:mid]
	if n.leaf {
		right.vals = append([]Value(nil), n.vals[mid:]...)
		n.vals = n.vals[:mid]
	} else {
		right.kids = append([]NodeID(nil), n.kids[mid:]...)
		n.kids = n.kids[:mid]
	}
	return right
}

// splitPath splits overflowing nodes bottom-up, growing a new root when
// the old one splits
func (t *Tree) splitPath(path []step) {
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i].n
		if n.nkeys() <= NodeCapacity {
			return
		}
		right := t.split(n)
		rid := t.arena.new(right)
		if i == 0 {
			// the anchor's reference moves to the new root
			root := &node{
				owner: t.txn,
				keys:  []storage.PageID{n.keys[0], right.keys[0]},
				kids:  []NodeID{path[0].id, rid},
			}
			root.refs.Store(1)
			t.anchor.SetTreeRoot(t.arena.new(root))
			return
		}
		parent := path[i-1]
		slot := parent.idx + 1
		p := parent.n
		p.keys = append(p.keys, storage.NilPageID)
		copy(p.keys[slot+1:], p.keys[slot:])
		p.keys[slot] = right.keys[0]
		p.kids = append(p.kids, 0)
		copy(p.kids[slot+1:], p.kids[slot:])
		p.kids[slot] = rid
	}
}

// Remove deletes key, dropping the tree's reference to its page
func (t *Tree) Remove(key storage.PageID) (Value, bool) {
	if _, ok := t.Find(key); !ok {
		return Value{}, false
	}
	path := t.mutablePath(key)
	leaf := path[len(path)-1].n
	idx, found := leaf.search(key)
	utils.Assert(found, "key vanished from its own path")
	old := leaf.vals[idx]
	leaf.keys = append(leaf.keys[:idx], leaf.keys[idx+1:]...)
	leaf.vals = append(leaf.vals[:idx], leaf.vals[idx+1:]...)
	t.dropValue(key, old)

	// prune nodes left empty
	for i := len(path) - 1; i > 0; i-- {
		if path[i].n.nkeys() > 0 {
			break
		}
		p := path[i-1]
		p.n.keys = append(p.n.keys[:p.idx], p.n.keys[p.idx+1:]...)
		p.n.kids = append(p.n.kids[:p.idx], p.n.kids[p.idx+1:]...)
		t.unrefNode(path[i].id)
	}
	t.collapseRoot()
	return old, true
}

// collapseRoot removes branch roots with a single child
func (t *Tree) collapseRoot() {
	for {
		rootID := t.anchor.TreeRoot()
		root := t.arena.get(rootID)
		if root.leaf || root.nkeys() > 1 {
			return
		}
		if root.nkeys() == 0 {
			t.anchor.SetTreeRoot(t.arena.NewRoot(t.txn))
			t.unrefNode(rootID)
			return
		}
		kid := root.kids[0]
		t.arena.get(kid).refs.Add(1)
		t.anchor.SetTreeRoot(kid)
		t.unrefNode(rootID)
	}
}
