package storage

import (
	"sort"
	"sync"

	"govetachun/go-snapshot-store/pkg/errors"
)

// PageReader gives container operations read access to one snapshot
type PageReader interface {
	ReadPage(id PageID) (*Page, error)
}

// DataEventHandler receives the structural events of a page payload
type DataEventHandler interface {
	StartPage(p *Page)
	Field(name string, value any)
	EndPage(p *Page)
}

// ContainerOps are the payload operations a container type provides to
// the store
type ContainerOps interface {
	Name() string
	// Check validates the container rooted at rootID
	Check(r PageReader, rootID PageID) error
	// Walk visits every page of the container rooted at rootID
	Walk(r PageReader, rootID PageID, fn func(*Page) error) error
	// Resize moves the payload of p into data, which has the new size
	Resize(p *Page, data []byte) error
	// GenerateDataEvents describes the payload of p to handler
	GenerateDataEvents(p *Page, handler DataEventHandler) error
}

// Registry maps type tags to container operations. It is built explicitly
// and handed to the store; there is no process-wide instance.
type Registry struct {
	mu  sync.RWMutex
	ops map[TypeTag]ContainerOps
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{ops: make(map[TypeTag]ContainerOps)}
}

// Register binds ops to tag
func (r *Registry) Register(tag TypeTag, ops ContainerOps) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tag == NilTag {
		return errors.NewRangeError("container %s registered with a nil tag", ops.Name())
	}
	if prev, exists := r.ops[tag]; exists {
		return errors.NewStateError("tag %s is already bound to %s", tag, prev.Name())
	}
	r.ops[tag] = ops
	return nil
}

// Lookup returns the ops bound to tag
func (r *Registry) Lookup(tag TypeTag) (ContainerOps, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops, ok := r.ops[tag]
	return ops, ok
}

// Tags lists registered tags in a stable order
func (r *Registry) Tags() []TypeTag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]TypeTag, 0, len(r.ops))
	for tag := range r.ops {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return PageID(tags[i]).Less(PageID(tags[j])) })
	return tags
}
