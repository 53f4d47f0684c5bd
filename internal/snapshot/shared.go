package snapshot

import (
	"fmt"

	"govetachun/go-snapshot-store/internal/storage"
)

// HandleState records what a snapshot may do with a cached page
type HandleState int

const (
	StateUndefined HandleState = iota
	// StateRead: the page belongs to an ancestor and must not be written
	StateRead
	// StateUpdate: the page is this snapshot's private copy
	StateUpdate
	// StateDelete: removal waits for the last release
	StateDelete
)

func (s HandleState) String() string {
	switch s {
	case StateRead:
		return "READ"
	case StateUpdate:
		return "UPDATE"
	case StateDelete:
		return "DELETE"
	default:
		return "UNDEFINED"
	}
}

// Shared is a snapshot-local handle on a page. Every GetPage,
// GetPageForUpdate or CreatePage call must be paired with Release.
type Shared struct {
	snap  *Snapshot
	id    storage.PageID
	page  *storage.Page
	state HandleState
	refs  int
	// RemovePage was called while held and the tree still maps id
	pendingRemove bool
}

// ID returns the logical page id
func (h *Shared) ID() storage.PageID {
	return h.id
}

// Page returns the physical page copy
func (h *Shared) Page() *storage.Page {
	return h.page
}

// Data returns the payload. Only UPDATE handles may be written through.
func (h *Shared) Data() []byte {
	return h.page.Data
}

// State returns the handle state
func (h *Shared) State() HandleState {
	return h.state
}

// References returns how many holders share the handle
func (h *Shared) References() int {
	return h.refs
}

// Release drops one hold on the handle
func (h *Shared) Release() error {
	return h.snap.ReleasePage(h)
}

func (h *Shared) String() string {
	return fmt.Sprintf("Shared{id=%s state=%s refs=%d page=%v}", h.id, h.state, h.refs, h.page)
}

// acquireHandle takes a handle from the pool or allocates one
func (s *Snapshot) acquireHandle(id storage.PageID, page *storage.Page, state HandleState) *Shared {
	var h *Shared
	if n := len(s.pool); n > 0 {
		h = s.pool[n-1]
		s.pool = s.pool[:n-1]
	} else {
		h = &Shared{snap: s}
	}
	h.id, h.page, h.state, h.refs = id, page, state, 1
	page.Hold()
	s.handles[id] = h
	return h
}

// swapHandlePage points h at page. The previous copy is freed once no tree
// entry and no handle uses it.
func (s *Snapshot) swapHandlePage(h *Shared, page *storage.Page) {
	old := h.page
	page.Hold()
	h.page = page
	s.unholdPage(old)
}

func (s *Snapshot) unholdPage(p *storage.Page) {
	if p.Unhold() == 0 && p.Unused() {
		s.store.freePage(p)
	}
}

// recycleHandle resets h and keeps it for reuse while the pool has room
func (s *Snapshot) recycleHandle(h *Shared) {
	delete(s.handles, h.id)
	page := h.page
	*h = Shared{snap: s}
	s.unholdPage(page)
	if len(s.pool) < s.store.cfg.handlePoolSize {
		s.pool = append(s.pool, h)
	}
}
