package snapshot

import (
	"bytes"

	"govetachun/go-snapshot-store/internal/history"
	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/ptree"
	"govetachun/go-snapshot-store/pkg/errors"
)

// integrityError logs the persistent tree before reporting a broken
// invariant
func (s *Snapshot) integrityError(format string, args ...any) error {
	err := errors.NewIntegrityError(format, args...)
	var dump bytes.Buffer
	s.Dump(&dump)
	s.store.log.Infof("snapshot %s (%s): %v\n%s", s.txn, s.node.Status(), err, dump.String())
	return err
}

// GetPage returns a read handle on id
func (s *Snapshot) GetPage(id storage.PageID) (*Shared, error) {
	if err := s.checkReadAllowed(); err != nil {
		return nil, err
	}
	if h, ok := s.handles[id]; ok {
		if h.state == StateDelete {
			return nil, errors.NewStateError("page %s is being removed", id)
		}
		h.refs++
		return h, nil
	}
	v, ok := s.tree.Find(id)
	if !ok {
		return nil, s.integrityError("page %s not found in snapshot %s", id, s.txn)
	}
	state := StateRead
	if v.Owner == s.txn {
		state = StateUpdate
	}
	return s.acquireHandle(id, v.Page, state), nil
}

// ReadPage gives container operations access to pages without keeping
// handles
func (s *Snapshot) ReadPage(id storage.PageID) (*storage.Page, error) {
	if err := s.checkReadAllowed(); err != nil {
		return nil, err
	}
	if h, ok := s.handles[id]; ok {
		return h.page, nil
	}
	v, ok := s.tree.Find(id)
	if !ok {
		return nil, s.integrityError("page %s not found in snapshot %s", id, s.txn)
	}
	return v.Page, nil
}

// GetPageForUpdate returns a writable handle on id, copying the page into
// this snapshot first when an ancestor owns it
func (s *Snapshot) GetPageForUpdate(id storage.PageID) (*Shared, error) {
	if err := s.checkUpdateAllowed(); err != nil {
		return nil, err
	}
	if h, ok := s.handles[id]; ok {
		switch h.state {
		case StateDelete:
			return nil, errors.NewStateError("page %s is being removed", id)
		case StateRead:
			if err := s.copyOnWrite(h); err != nil {
				return nil, err
			}
		}
		h.refs++
		return h, nil
	}
	v, ok := s.tree.Find(id)
	if !ok {
		return nil, s.integrityError("page %s not found in snapshot %s", id, s.txn)
	}
	h := s.acquireHandle(id, v.Page, StateRead)
	if v.Owner != s.txn {
		if err := s.copyOnWrite(h); err != nil {
			s.recycleHandle(h)
			return nil, err
		}
	} else {
		h.state = StateUpdate
	}
	return h, nil
}

// UpdatePage turns a read handle into a writable one
func (s *Snapshot) UpdatePage(h *Shared) (*Shared, error) {
	if err := s.checkUpdateAllowed(); err != nil {
		return nil, err
	}
	if err := s.checkHandle(h); err != nil {
		return nil, err
	}
	switch h.state {
	case StateRead:
		if err := s.copyOnWrite(h); err != nil {
			return nil, err
		}
	case StateDelete:
		return nil, errors.NewStateError("page %s is being removed", h.id)
	}
	return h, nil
}

// copyOnWrite installs a private copy of the handle's page
func (s *Snapshot) copyOnWrite(h *Shared) error {
	meta, data, err := s.store.allocatePage(h.page.Size())
	if err != nil {
		return err
	}
	clone := h.page.Clone(meta, data)
	s.tree.Assign(h.id, ptree.Value{Page: clone, Owner: s.txn})
	s.swapHandlePage(h, clone)
	h.state = StateUpdate
	return nil
}

// CreatePage allocates an untyped page of size bytes, or of the configured
// page size when size is 0
func (s *Snapshot) CreatePage(size int) (*Shared, error) {
	return s.CreatePageTagged(size, storage.NilTag)
}

// CreatePageTagged allocates a page whose payload belongs to the container
// type tag
func (s *Snapshot) CreatePageTagged(size int, tag storage.TypeTag) (*Shared, error) {
	return s.createPage(storage.NewPageID(), size, tag)
}

func (s *Snapshot) createPage(id storage.PageID, size int, tag storage.TypeTag) (*Shared, error) {
	if err := s.checkUpdateAllowed(); err != nil {
		return nil, err
	}
	if size == 0 {
		size = s.store.cfg.pageSize
	}
	meta, data, err := s.store.allocatePage(size)
	if err != nil {
		return nil, err
	}
	page := storage.NewPage(id, tag, meta, data)
	s.tree.Assign(id, ptree.Value{Page: page, Owner: s.txn})
	return s.acquireHandle(id, page, StateUpdate), nil
}

// RemovePage deletes id from this snapshot. While handles are held the
// removal waits for the last release.
func (s *Snapshot) RemovePage(id storage.PageID) error {
	if err := s.checkUpdateAllowed(); err != nil {
		return err
	}
	if h, ok := s.handles[id]; ok && h.refs > 0 {
		h.state = StateDelete
		h.pendingRemove = true
		return nil
	}
	if _, ok := s.tree.Remove(id); !ok {
		return s.integrityError("page %s not found in snapshot %s", id, s.txn)
	}
	return nil
}

// ReleasePage drops one hold on h. The last release performs a pending
// removal while the snapshot is still active and returns the handle to the
// pool.
func (s *Snapshot) ReleasePage(h *Shared) error {
	if err := s.checkHandle(h); err != nil {
		return err
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	id, pending := h.id, h.pendingRemove
	if pending && s.node.Status() == history.StatusActive {
		s.tree.Remove(id)
	} else if pending {
		s.store.log.Debugf("snapshot %s is %s, removal of %s discarded", s.txn, s.node.Status(), id)
	}
	s.recycleHandle(h)
	return nil
}

// applyPendingRemovals performs the removals deferred by held handles. The
// handles keep their pages until released.
func (s *Snapshot) applyPendingRemovals() {
	for id, h := range s.handles {
		if !h.pendingRemove {
			continue
		}
		s.tree.Remove(id)
		h.pendingRemove = false
	}
}

// ResizePage moves the payload of h into a page of size bytes. The
// container registered for the page's tag performs the move; untyped
// pages are copied and truncated.
func (s *Snapshot) ResizePage(h *Shared, size int) error {
	if err := s.checkUpdateAllowed(); err != nil {
		return err
	}
	if err := s.checkHandle(h); err != nil {
		return err
	}
	if h.state == StateDelete {
		return errors.NewStateError("page %s is being removed", h.id)
	}
	if size <= 0 {
		return errors.NewRangeError("page size %d must be positive", size)
	}
	meta, data, err := s.store.allocatePage(size)
	if err != nil {
		return err
	}
	old := h.page
	if ops, ok := s.store.registry.Lookup(old.TypeTag); ok {
		if err := ops.Resize(old, data); err != nil {
			s.store.freePage(storage.NewPage(old.ID, old.TypeTag, meta, data))
			return err
		}
	} else {
		copy(data, old.Data)
	}
	resized := storage.NewPage(old.ID, old.TypeTag, meta, data)
	s.tree.Assign(h.id, ptree.Value{Page: resized, Owner: s.txn})
	s.swapHandlePage(h, resized)
	h.state = StateUpdate
	return nil
}

func (s *Snapshot) checkHandle(h *Shared) error {
	if h == nil || h.snap != s || h.refs <= 0 {
		return errors.NewStateError("handle does not belong to an open hold of snapshot %s", s.txn)
	}
	if cur, ok := s.handles[h.id]; !ok || cur != h {
		return errors.NewStateError("stale handle for page %s", h.id)
	}
	return nil
}

// releasePage is called when a page loses its last tree reference. Pages
// held by a handle of any façade are freed on the last release instead.
func (s *Snapshot) releasePage(p *storage.Page) {
	s.store.freePage(p)
}
