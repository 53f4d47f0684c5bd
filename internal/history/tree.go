package history

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/internal/concurrency"
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/ptree"
	"govetachun/go-snapshot-store/pkg/errors"
)

// Tree indexes every history node of a store, the master pointer and the
// named branches
type Tree struct {
	lock     *concurrency.RWMutex
	root     *Node
	nodes    map[storage.TxnID]*Node
	master   *Node
	branches map[string]*Node
	active   int64
	log      logger.Logger
}

// NewTree creates a history whose root node is already committed over
// treeRoot and acts as master
func NewTree(treeRoot ptree.NodeID, rootTxn storage.TxnID, log logger.Logger) *Tree {
	root := newNode(rootTxn, nil, treeRoot)
	root.status.Store(int32(StatusCommitted))
	root.frozen = root.created
	return &Tree{
		lock:     concurrency.NewRWMutex(),
		root:     root,
		nodes:    map[storage.TxnID]*Node{rootTxn: root},
		master:   root,
		branches: make(map[string]*Node),
		log:      log,
	}
}

// Root returns the initial node
func (t *Tree) Root() *Node {
	return t.root
}

// Branch creates an ACTIVE child of parent. The child starts with the tree
// root produced by cloneRoot.
func (t *Tree) Branch(parent *Node, cloneRoot func(storage.TxnID) ptree.NodeID) (*Node, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	switch parent.Status() {
	case StatusActive:
		return nil, errors.NewStateError("snapshot %s is still active, freeze it first", parent.txn)
	case StatusDropped:
		return nil, errors.NewStateError("snapshot %s has been dropped", parent.txn)
	}
	if parent.TreeRoot() == 0 {
		return nil, errors.NewStateError("snapshot %s has no tree to branch from", parent.txn)
	}
	txn := storage.NewTxnID()
	child := newNode(txn, parent, cloneRoot(txn))
	parent.children = append(parent.children, child)
	t.nodes[txn] = child
	t.log.Debugf("branched %s from %s", txn, parent.txn)
	return child, nil
}

// Attach registers a new façade over n. It returns whether the façade was
// counted as an active snapshot.
func (t *Tree) Attach(n *Node) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	n.refs++
	if n.Status() == StatusActive {
		t.active++
		return true
	}
	return false
}

// Detach unregisters a façade and returns the remaining façade count
func (t *Tree) Detach(n *Node, countedActive bool) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	if n.refs <= 0 {
		panic(fmt.Sprintf("history node %s detached more often than attached", n.txn))
	}
	n.refs--
	if countedActive {
		t.active--
	}
	return n.refs
}

// References returns the number of façades over n
func (t *Tree) References(n *Node) int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return n.refs
}

// ActiveCount returns the number of open façades created over ACTIVE nodes
func (t *Tree) ActiveCount() int64 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.active
}

// Commit moves n from ACTIVE to COMMITTED and records its allocation image
func (t *Tree) Commit(n *Node, image *alloc.Map) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	switch n.Status() {
	case StatusCommitted:
		return errors.NewStateError("snapshot %s is already committed", n.txn)
	case StatusDropped:
		return errors.NewStateError("snapshot %s has been dropped", n.txn)
	}
	n.status.Store(int32(StatusCommitted))
	n.frozen = time.Now()
	n.image = image
	t.log.Debugf("committed %s", n.txn)
	return nil
}

// MarkDropped flags n for reclamation once its last façade closes. The
// initial node and the master cannot be dropped.
func (t *Tree) MarkDropped(n *Node) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if n.parent == nil {
		return errors.NewStateError("the initial snapshot %s cannot be dropped", n.txn)
	}
	if n == t.master {
		return errors.NewStateError("snapshot %s is the master", n.txn)
	}
	if n.Status() == StatusDropped {
		return nil
	}
	for name, b := range t.branches {
		if b == n {
			delete(t.branches, name)
		}
	}
	n.status.Store(int32(StatusDropped))
	t.log.Debugf("marked %s for drop", n.txn)
	return nil
}

// Forget removes n from the index. Its children move under n's parent.
func (t *Tree) Forget(n *Node) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.forgetLocked(n)
}

func (t *Tree) forgetLocked(n *Node) {
	delete(t.nodes, n.txn)
	for name, b := range t.branches {
		if b == n {
			delete(t.branches, name)
		}
	}
	if p := n.parent; p != nil {
		for i, c := range p.children {
			if c == n {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		for _, c := range n.children {
			c.parent = p
			p.children = append(p.children, c)
		}
	}
	n.children = nil
	n.parent = nil
	t.log.Debugf("forgot %s", n.txn)
}

// Parent returns the parent of n
func (t *Tree) Parent(n *Node) (*Node, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if n.parent == nil {
		return nil, errors.NewStateError("snapshot %s has no parent", n.txn)
	}
	return n.parent, nil
}

// SetMaster points master at the committed snapshot id
func (t *Tree) SetMaster(id storage.TxnID) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	n, err := t.committedLocked(id)
	if err != nil {
		return err
	}
	t.master = n
	return nil
}

// SetBranch binds name to the committed snapshot id
func (t *Tree) SetBranch(name string, id storage.TxnID) error {
	if name == "" {
		return errors.NewRangeError("branch name is empty")
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	n, err := t.committedLocked(id)
	if err != nil {
		return err
	}
	t.branches[name] = n
	return nil
}

func (t *Tree) committedLocked(id storage.TxnID) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, errors.NewStateError("snapshot %s is unknown", id)
	}
	if n.Status() != StatusCommitted {
		return nil, errors.NewStateError("snapshot %s is %s, not committed", id, n.Status())
	}
	return n, nil
}

// Master returns the master node
func (t *Tree) Master() *Node {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.master
}

// Find returns the node of id
func (t *Tree) Find(id storage.TxnID) (*Node, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// FindBranch returns the node bound to name
func (t *Tree) FindBranch(name string) (*Node, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	n, ok := t.branches[name]
	return n, ok
}

// Branches lists the branch names in order
func (t *Tree) Branches() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	names := make([]string, 0, len(t.branches))
	for name := range t.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Nodes returns every indexed node
func (t *Tree) Nodes() []*Node {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

// Describe returns the metadata of id
func (t *Tree) Describe(id storage.TxnID) (Metadata, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Metadata{}, errors.NewStateError("snapshot %s is unknown", id)
	}
	md := Metadata{
		TxnID:       n.txn,
		Description: n.metadata,
		Status:      n.Status(),
		Created:     n.created,
		Committed:   n.frozen,
	}
	if n.parent != nil {
		md.Parent = n.parent.txn
	}
	for _, c := range n.children {
		md.Children = append(md.Children, c.txn)
	}
	for name, b := range t.branches {
		if b == n {
			md.Branches = append(md.Branches, name)
		}
	}
	sort.Strings(md.Branches)
	return md, nil
}

// SetMetadata stores a free-form description on an ACTIVE node
func (t *Tree) SetMetadata(n *Node, description string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if n.Status() != StatusActive {
		return errors.NewStateError("snapshot %s is %s, metadata is read-only", n.txn, n.Status())
	}
	n.metadata = description
	return nil
}

// Pack removes nodes whose tree was reclaimed and that are neither open,
// named, nor parents. Returns the number of removed nodes.
func (t *Tree) Pack() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	named := make(map[*Node]bool, len(t.branches)+1)
	named[t.master] = true
	for _, b := range t.branches {
		named[b] = true
	}
	removed := t.packLocked(t.root, named)
	t.log.Debugf("pack removed %d history nodes", removed)
	return removed
}

func (t *Tree) packLocked(n *Node, named map[*Node]bool) int {
	removed := 0
	for _, c := range append([]*Node(nil), n.children...) {
		removed += t.packLocked(c, named)
	}
	if n.parent != nil && n.TreeRoot() == 0 && n.refs == 0 && !named[n] && len(n.children) == 0 {
		t.forgetLocked(n)
		removed++
	}
	return removed
}

// LockStats exposes contention figures of the tree lock
func (t *Tree) LockStats() concurrency.LockStats {
	return t.lock.Stats()
}

// Dump writes the lineage to w
func (t *Tree) Dump(w io.Writer) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	t.dump(w, t.root, 0)
}

func (t *Tree) dump(w io.Writer, n *Node, depth int) {
	marks := ""
	if n == t.master {
		marks = " master"
	}
	fmt.Fprintf(w, "%s%s refs=%d%s\n", strings.Repeat("  ", depth), n, n.refs, marks)
	for _, c := range n.children {
		t.dump(w, c, depth+1)
	}
}
