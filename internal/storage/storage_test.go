package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/pkg/errors"
)

type nopContainer struct{ name string }

func (c nopContainer) Name() string                                   { return c.name }
func (nopContainer) Check(PageReader, PageID) error                   { return nil }
func (nopContainer) Walk(PageReader, PageID, func(*Page) error) error { return nil }
func (nopContainer) Resize(p *Page, data []byte) error                { copy(data, p.Data); return nil }
func (nopContainer) GenerateDataEvents(*Page, DataEventHandler) error { return nil }

func TestPageReferences(t *testing.T) {
	p := NewPage(NewPageID(), TagOf("blob"), alloc.Meta{}, []byte("payload"))
	assert.Equal(t, int64(1), p.Ref())
	assert.Equal(t, int64(2), p.Ref())
	assert.Equal(t, int64(1), p.Unref())
	assert.Equal(t, int64(0), p.Unref())
	assert.Panics(t, func() { p.Unref() })

	clone := p.Clone(alloc.Meta{}, make([]byte, 7))
	assert.Equal(t, p.ID, clone.ID)
	assert.Equal(t, p.TypeTag, clone.TypeTag)
	assert.NotEqual(t, p.UUID, clone.UUID)
	assert.Equal(t, []byte("payload"), clone.Data)
	assert.Zero(t, clone.References())

	assert.True(t, p.MarkFreed())
	assert.False(t, p.MarkFreed())
	assert.True(t, p.Freed())
}

func TestPageHolds(t *testing.T) {
	p := NewPage(NewPageID(), NilTag, alloc.Meta{}, make([]byte, 8))
	assert.True(t, p.Unused())

	p.Ref()
	assert.Equal(t, int64(1), p.Hold())
	assert.Equal(t, int64(2), p.Hold())
	assert.Equal(t, int64(0), p.Unref())
	assert.False(t, p.Unused(), "held pages stay in use without tree references")

	assert.Equal(t, int64(1), p.Unhold())
	assert.Equal(t, int64(0), p.Unhold())
	assert.True(t, p.Unused())
	assert.Panics(t, func() { p.Unhold() })
}

func TestPageIDOrdering(t *testing.T) {
	a := PageID{0x01}
	b := PageID{0x02}
	assert.True(t, a.Less(b))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 0, b.Compare(b))
	assert.True(t, NilPageID.IsNil())
	assert.Equal(t, TagOf("blob"), TagOf("blob"))
	assert.NotEqual(t, TagOf("blob"), TagOf("directory"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(TagOf("blob"), nopContainer{"blob"}))
	require.NoError(t, r.Register(TagOf("list"), nopContainer{"list"}))

	err := r.Register(TagOf("blob"), nopContainer{"other"})
	assert.ErrorIs(t, err, errors.ErrState)
	assert.ErrorIs(t, r.Register(NilTag, nopContainer{"nil"}), errors.ErrRange)

	ops, ok := r.Lookup(TagOf("list"))
	require.True(t, ok)
	assert.Equal(t, "list", ops.Name())
	_, ok = r.Lookup(TagOf("missing"))
	assert.False(t, ok)
	assert.Len(t, r.Tags(), 2)
}
