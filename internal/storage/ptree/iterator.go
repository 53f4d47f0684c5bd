package ptree

import (
	"fmt"
	"io"
	"strings"

	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/pkg/errors"
)

// Walk visits every entry in key order until fn returns false
func (t *Tree) Walk(fn func(storage.PageID, Value) bool) {
	t.walk(t.anchor.TreeRoot(), func(_ *node, key storage.PageID, v Value) bool {
		return fn(key, v)
	})
}

// WalkOwned visits the entries installed by this tree's transaction
func (t *Tree) WalkOwned(fn func(storage.PageID, Value) bool) {
	t.Walk(func(key storage.PageID, v Value) bool {
		if v.Owner != t.txn {
			return true
		}
		return fn(key, v)
	})
}

func (t *Tree) walk(id NodeID, fn func(*node, storage.PageID, Value) bool) bool {
	if id == 0 {
		return true
	}
	n := t.arena.get(id)
	if n.leaf {
		for i, key := range n.keys {
			if !fn(n, key, n.vals[i]) {
				return false
			}
		}
		return true
	}
	for _, kid := range n.kids {
		if !t.walk(kid, fn) {
			return false
		}
	}
	return true
}

// Size counts the entries
func (t *Tree) Size() int {
	count := 0
	t.Walk(func(storage.PageID, Value) bool {
		count++
		return true
	})
	return count
}

// Dump writes the node structure to w
func (t *Tree) Dump(w io.Writer) {
	fmt.Fprintf(w, "tree txn=%s root=%d\n", t.txn, t.anchor.TreeRoot())
	t.dump(w, t.anchor.TreeRoot(), 1)
}

func (t *Tree) dump(w io.Writer, id NodeID, depth int) {
	if id == 0 {
		return
	}
	n := t.arena.get(id)
	indent := strings.Repeat("  ", depth)
	if n.leaf {
		fmt.Fprintf(w, "%sleaf %d owner=%s refs=%d keys=%d\n", indent, id, n.owner, n.refs.Load(), n.nkeys())
		for i, key := range n.keys {
			fmt.Fprintf(w, "%s  %s -> %s\n", indent, key, n.vals[i].Page)
		}
		return
	}
	fmt.Fprintf(w, "%sbranch %d owner=%s refs=%d kids=%d\n", indent, id, n.owner, n.refs.Load(), len(n.kids))
	for _, kid := range n.kids {
		t.dump(w, kid, depth+1)
	}
}

// Check verifies ordering, node shape and reference counts
func (t *Tree) Check() error {
	root := t.anchor.TreeRoot()
	if root == 0 {
		return errors.NewIntegrityError("tree of %s has no root", t.txn)
	}
	var prev *storage.PageID
	_, err := t.check(root, true, &prev)
	return err
}

// check returns the smallest key under id
func (t *Tree) check(id NodeID, isRoot bool, prev **storage.PageID) (storage.PageID, error) {
	n := t.arena.get(id)
	if n.refs.Load() <= 0 {
		return storage.NilPageID, errors.NewIntegrityError("node %d is reachable with refs=%d", id, n.refs.Load())
	}
	if n.nkeys() > NodeCapacity {
		return storage.NilPageID, errors.NewIntegrityError("node %d holds %d keys", id, n.nkeys())
	}
	if !isRoot && n.nkeys() == 0 {
		return storage.NilPageID, errors.NewIntegrityError("non-root node %d is empty", id)
	}

	if n.leaf {
		if len(n.vals) != len(n.keys) {
			return storage.NilPageID, errors.NewIntegrityError("leaf %d has %d keys and %d values", id, len(n.keys), len(n.vals))
		}
		for i, key := range n.keys {
			if *prev != nil && !(*prev).Less(key) {
				return storage.NilPageID, errors.NewIntegrityError("key %s out of order after %s", key, **prev)
			}
			k := key
			*prev = &k
			v := n.vals[i]
			switch {
			case v.Page == nil:
				return storage.NilPageID, errors.NewIntegrityError("key %s maps to no page", key)
			case v.Page.ID != key:
				return storage.NilPageID, errors.NewIntegrityError("key %s maps to page of %s", key, v.Page.ID)
			case v.Page.Freed():
				return storage.NilPageID, errors.NewIntegrityError("key %s maps to freed page %s", key, v.Page.UUID)
			case v.Page.References() <= 0:
				return storage.NilPageID, errors.NewIntegrityError("key %s maps to unreferenced page %s", key, v.Page.UUID)
			}
		}
		if n.nkeys() == 0 {
			return storage.NilPageID, nil
		}
		return n.keys[0], nil
	}

	if len(n.kids) != len(n.keys) || len(n.kids) == 0 {
		return storage.NilPageID, errors.NewIntegrityError("branch %d has %d keys and %d kids", id, len(n.keys), len(n.kids))
	}
	for i, kid := range n.kids {
		low, err := t.check(kid, false, prev)
		if err != nil {
			return storage.NilPageID, err
		}
		if low.Less(n.keys[i]) {
			return storage.NilPageID, errors.NewIntegrityError("branch %d bound %s above child key %s", id, n.keys[i], low)
		}
	}
	return n.keys[0], nil
}
