package snapshot

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/ptree"
)

// Check walks the whole snapshot: tree shape and reference counts, the
// backing blocks of every page, and every container reachable from the
// roots through its registered operations
func (s *Snapshot) Check() error {
	if err := s.checkReadAllowed(); err != nil {
		return err
	}
	if err := s.tree.Check(); err != nil {
		var dump bytes.Buffer
		s.Dump(&dump)
		s.store.log.Infof("snapshot %s (%s): %v\n%s", s.txn, s.node.Status(), err, dump.String())
		return err
	}

	var failure error
	s.tree.Walk(func(id storage.PageID, v ptree.Value) bool {
		if err := s.store.blocks.CheckBlock(v.Page.Block); err != nil {
			failure = s.integrityError("page %s copy %s has unallocated blocks: %v", id, v.Page.UUID, err)
			return false
		}
		return true
	})
	if failure != nil {
		return failure
	}

	return s.WalkContainers(func(name uuid.UUID, root storage.PageID, ops storage.ContainerOps) error {
		if err := ops.Check(s, root); err != nil {
			s.store.log.Infof("snapshot %s: container %s (%s) at %s: %v", s.txn, name, ops.Name(), root, err)
			return err
		}
		return nil
	})
}

// WalkContainers visits every bound root whose page type has registered
// operations, the directory itself first and then names in order
func (s *Snapshot) WalkContainers(fn func(name uuid.UUID, root storage.PageID, ops storage.ContainerOps) error) error {
	if err := s.checkReadAllowed(); err != nil {
		return err
	}
	if _, ok := s.tree.Find(DirectoryPageID); ok {
		if ops, ok := s.store.registry.Lookup(DirectoryTag); ok {
			if err := fn(uuid.Nil, DirectoryPageID, ops); err != nil {
				return err
			}
		}
	}
	roots, err := s.Roots()
	if err != nil {
		return err
	}
	names := make([]uuid.UUID, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return bytes.Compare(names[i][:], names[j][:]) < 0 })
	for _, name := range names {
		root := roots[name]
		page, err := s.ReadPage(root)
		if err != nil {
			return err
		}
		ops, ok := s.store.registry.Lookup(page.TypeTag)
		if !ok {
			continue
		}
		if err := fn(name, root, ops); err != nil {
			return err
		}
	}
	return nil
}

// GenerateDataEvents describes every page of every registered container
func (s *Snapshot) GenerateDataEvents(handler storage.DataEventHandler) error {
	return s.WalkContainers(func(_ uuid.UUID, root storage.PageID, ops storage.ContainerOps) error {
		return ops.Walk(s, root, func(p *storage.Page) error {
			pageOps, ok := s.store.registry.Lookup(p.TypeTag)
			if !ok {
				return nil
			}
			return pageOps.GenerateDataEvents(p, handler)
		})
	})
}
