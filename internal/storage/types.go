package storage

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"govetachun/go-snapshot-store/internal/alloc"
)

// PageID is the logical identity of a page, stable across copies
type PageID uuid.UUID

// NilPageID is the zero id, used as "no page"
var NilPageID PageID

// NewPageID returns a fresh random page id
func NewPageID() PageID {
	return PageID(uuid.New())
}

// Less orders page ids bytewise
func (id PageID) Less(other PageID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Compare returns -1, 0 or 1
func (id PageID) Compare(other PageID) int {
	return bytes.Compare(id[:], other[:])
}

func (id PageID) IsNil() bool {
	return id == NilPageID
}

func (id PageID) String() string {
	return uuid.UUID(id).String()
}

// TxnID identifies a snapshot (transaction)
type TxnID uuid.UUID

// NewTxnID returns a fresh transaction id
func NewTxnID() TxnID {
	return TxnID(uuid.New())
}

func (t TxnID) String() string {
	return uuid.UUID(t).String()
}

// TypeTag identifies the container type stored in a page payload
type TypeTag uuid.UUID

// NilTag marks untyped pages
var NilTag TypeTag

// TagOf derives a stable tag from a container type name
func TagOf(name string) TypeTag {
	return TypeTag(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)))
}

func (t TypeTag) String() string {
	return uuid.UUID(t).String()
}

// Page is a block of memory with an identity and a reference count.
// The reference count is the number of persistent tree entries, across all
// versions, that point at this physical copy. Holds count the snapshot
// handles currently pinning it; memory is released only when both are zero.
type Page struct {
	ID      PageID
	UUID    uuid.UUID
	TypeTag TypeTag
	Block   alloc.Meta
	Data    []byte

	refs  atomic.Int64
	holds atomic.Int64
	freed atomic.Bool
}

// NewPage wraps data backed by block
func NewPage(id PageID, tag TypeTag, block alloc.Meta, data []byte) *Page {
	return &Page{ID: id, UUID: uuid.New(), TypeTag: tag, Block: block, Data: data}
}

// Size returns the payload size in bytes
func (p *Page) Size() int {
	return len(p.Data)
}

// Clone copies the payload into data/block. The copy keeps the id and tag,
// gets a new UUID and starts unreferenced.
func (p *Page) Clone(block alloc.Meta, data []byte) *Page {
	copy(data, p.Data)
	return NewPage(p.ID, p.TypeTag, block, data)
}

func (p *Page) Ref() int64 {
	return p.refs.Add(1)
}

func (p *Page) Unref() int64 {
	n := p.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("page %s copy %s: reference count below zero", p.ID, p.UUID))
	}
	return n
}

func (p *Page) References() int64 {
	return p.refs.Load()
}

// Hold pins the page for a handle
func (p *Page) Hold() int64 {
	return p.holds.Add(1)
}

// Unhold drops a handle pin and returns the remaining count
func (p *Page) Unhold() int64 {
	n := p.holds.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("page %s copy %s: hold count below zero", p.ID, p.UUID))
	}
	return n
}

func (p *Page) Holds() int64 {
	return p.holds.Load()
}

// Unused reports that neither a tree entry nor a handle refers to the page
func (p *Page) Unused() bool {
	return p.refs.Load() == 0 && p.holds.Load() == 0
}

// MarkFreed flags the page memory as released; returns false if it
// already was
func (p *Page) MarkFreed() bool {
	return p.freed.CompareAndSwap(false, true)
}

func (p *Page) Freed() bool {
	return p.freed.Load()
}

func (p *Page) String() string {
	return fmt.Sprintf("Page{id=%s uuid=%s size=%d refs=%d}", p.ID, p.UUID, len(p.Data), p.refs.Load())
}

// Memory provides the raw backing store for pages
type Memory interface {
	Allocate(size int) (alloc.Meta, []byte, error)
	Free(block alloc.Meta, data []byte) error
}
