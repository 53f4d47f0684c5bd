package snapshot

import (
	"sort"

	dtcbor "github.com/datatrails/go-datatrails-common/cbor"
	"github.com/google/uuid"

	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/pkg/errors"
)

var (
	// DirectoryTag marks the page holding a snapshot's named roots
	DirectoryTag = storage.TagOf("snapstore.directory")
	// DirectoryPageID is the logical id of the directory page; every
	// snapshot versions its own copy under the same id
	DirectoryPageID = storage.PageID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("snapstore.directory.page")))
)

type directoryEntry struct {
	Name []byte `cbor:"1,keyasint"`
	Root []byte `cbor:"2,keyasint"`
}

type directory struct {
	Version uint64           `cbor:"1,keyasint"`
	Entries []directoryEntry `cbor:"2,keyasint"`
}

func decodeDirectory(codec *dtcbor.CBORCodec, data []byte) (map[uuid.UUID]storage.PageID, error) {
	var d directory
	if err := codec.UnmarshalInto(data, &d); err != nil {
		return nil, errors.NewStoreError(errors.ErrCodeIntegrity, "undecodable root directory", err)
	}
	roots := make(map[uuid.UUID]storage.PageID, len(d.Entries))
	for _, e := range d.Entries {
		name, err := uuid.FromBytes(e.Name)
		if err != nil {
			return nil, errors.NewStoreError(errors.ErrCodeIntegrity, "bad root name in directory", err)
		}
		root, err := uuid.FromBytes(e.Root)
		if err != nil {
			return nil, errors.NewStoreError(errors.ErrCodeIntegrity, "bad root id in directory", err)
		}
		roots[name] = storage.PageID(root)
	}
	return roots, nil
}

func encodeDirectory(codec *dtcbor.CBORCodec, roots map[uuid.UUID]storage.PageID) ([]byte, error) {
	d := directory{Version: 1, Entries: make([]directoryEntry, 0, len(roots))}
	for name, root := range roots {
		n, r := name, uuid.UUID(root)
		d.Entries = append(d.Entries, directoryEntry{Name: n[:], Root: r[:]})
	}
	sort.Slice(d.Entries, func(i, j int) bool {
		return string(d.Entries[i].Name) < string(d.Entries[j].Name)
	})
	return codec.MarshalCBOR(d)
}

// namedRoots reads the directory, empty when the snapshot has none yet
func (s *Snapshot) namedRoots() (map[uuid.UUID]storage.PageID, error) {
	if _, ok := s.tree.Find(DirectoryPageID); !ok {
		return map[uuid.UUID]storage.PageID{}, nil
	}
	page, err := s.ReadPage(DirectoryPageID)
	if err != nil {
		return nil, err
	}
	return decodeDirectory(&s.store.codec, page.Data)
}

// GetRootID resolves a container name. The nil name is the snapshot's own
// root pointer. Unknown names resolve to the nil page id.
func (s *Snapshot) GetRootID(name uuid.UUID) (storage.PageID, error) {
	if err := s.checkReadAllowed(); err != nil {
		return storage.NilPageID, err
	}
	if name == uuid.Nil {
		return s.node.RootID(), nil
	}
	roots, err := s.namedRoots()
	if err != nil {
		return storage.NilPageID, err
	}
	return roots[name], nil
}

// SetRoot binds name to root; a nil root removes the binding
func (s *Snapshot) SetRoot(name uuid.UUID, root storage.PageID) error {
	if err := s.checkUpdateAllowed(); err != nil {
		return err
	}
	if name == uuid.Nil {
		s.node.SetRootID(root)
		return nil
	}
	roots, err := s.namedRoots()
	if err != nil {
		return err
	}
	if root.IsNil() {
		if _, ok := roots[name]; !ok {
			return nil
		}
		delete(roots, name)
	} else {
		roots[name] = root
	}
	return s.writeDirectory(roots)
}

func (s *Snapshot) writeDirectory(roots map[uuid.UUID]storage.PageID) error {
	encoded, err := encodeDirectory(&s.store.codec, roots)
	if err != nil {
		return err
	}
	var h *Shared
	if _, ok := s.tree.Find(DirectoryPageID); ok {
		h, err = s.GetPageForUpdate(DirectoryPageID)
	} else {
		h, err = s.createPage(DirectoryPageID, len(encoded), DirectoryTag)
	}
	if err != nil {
		return err
	}
	if h.page.Size() != len(encoded) {
		if err := s.ResizePage(h, len(encoded)); err != nil {
			_ = s.ReleasePage(h)
			return err
		}
	}
	copy(h.Data(), encoded)
	return s.ReleasePage(h)
}

// Roots returns every bound name, including the nil name when set
func (s *Snapshot) Roots() (map[uuid.UUID]storage.PageID, error) {
	if err := s.checkReadAllowed(); err != nil {
		return nil, err
	}
	roots, err := s.namedRoots()
	if err != nil {
		return nil, err
	}
	if id := s.node.RootID(); !id.IsNil() {
		roots[uuid.Nil] = id
	}
	return roots, nil
}

// directoryOps lets Check, WalkContainers and ResizePage handle directory
// pages like any other container
type directoryOps struct {
	codec dtcbor.CBORCodec
}

func (d *directoryOps) Name() string {
	return "snapstore.directory"
}

func (d *directoryOps) Check(r storage.PageReader, rootID storage.PageID) error {
	page, err := r.ReadPage(rootID)
	if err != nil {
		return err
	}
	roots, err := decodeDirectory(&d.codec, page.Data)
	if err != nil {
		return err
	}
	for name, root := range roots {
		if root.IsNil() {
			return errors.NewIntegrityError("directory binds %s to the nil page", name)
		}
	}
	return nil
}

func (d *directoryOps) Walk(r storage.PageReader, rootID storage.PageID, fn func(*storage.Page) error) error {
	page, err := r.ReadPage(rootID)
	if err != nil {
		return err
	}
	return fn(page)
}

// Resize leaves the new payload empty; writeDirectory fills it
func (d *directoryOps) Resize(_ *storage.Page, _ []byte) error {
	return nil
}

func (d *directoryOps) GenerateDataEvents(p *storage.Page, handler storage.DataEventHandler) error {
	roots, err := decodeDirectory(&d.codec, p.Data)
	if err != nil {
		return err
	}
	names := make([]uuid.UUID, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i].String() < names[j].String() })
	handler.StartPage(p)
	for _, name := range names {
		handler.Field(name.String(), roots[name].String())
	}
	handler.EndPage(p)
	return nil
}
