package snapshot

import (
	"context"

	"github.com/google/uuid"

	"govetachun/go-snapshot-store/internal/storage"
	"govetachun/go-snapshot-store/internal/storage/ptree"
)

// Flusher persists flush records produced by snapshots. The store itself
// keeps everything in memory.
type Flusher interface {
	Flush(ctx context.Context, txn storage.TxnID, record []byte) error
}

// FlushPage describes one privately owned page copy
type FlushPage struct {
	ID    []byte `cbor:"1,keyasint"`
	UUID  []byte `cbor:"2,keyasint"`
	Tag   []byte `cbor:"3,keyasint"`
	Block uint64 `cbor:"4,keyasint"`
	Size  int    `cbor:"5,keyasint"`
}

// FlushRecord is the deterministic CBOR payload handed to a Flusher
type FlushRecord struct {
	TxnID  []byte      `cbor:"1,keyasint"`
	Parent []byte      `cbor:"2,keyasint,omitempty"`
	Status string      `cbor:"3,keyasint"`
	RootID []byte      `cbor:"4,keyasint"`
	Pages  []FlushPage `cbor:"5,keyasint"`
}

// Flush encodes the pages this snapshot owns and passes them to the
// configured Flusher
func (s *Snapshot) Flush(ctx context.Context) error {
	if err := s.checkReadAllowed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	txn, root := uuid.UUID(s.txn), uuid.UUID(s.node.RootID())
	rec := FlushRecord{TxnID: txn[:], Status: s.node.Status().String(), RootID: root[:]}
	if md, err := s.Describe(); err == nil && md.Parent != (storage.TxnID{}) {
		parent := uuid.UUID(md.Parent)
		rec.Parent = parent[:]
	}
	s.tree.WalkOwned(func(id storage.PageID, v ptree.Value) bool {
		pid, puuid, tag := uuid.UUID(id), v.Page.UUID, uuid.UUID(v.Page.TypeTag)
		rec.Pages = append(rec.Pages, FlushPage{
			ID:    pid[:],
			UUID:  puuid[:],
			Tag:   tag[:],
			Block: v.Page.Block.Pack(),
			Size:  v.Page.Size(),
		})
		return true
	})
	encoded, err := s.store.codec.MarshalCBOR(rec)
	if err != nil {
		return err
	}
	if s.store.cfg.flusher == nil {
		s.store.log.Debugf("flush %s: %d pages, %d bytes, no flusher", s.txn, len(rec.Pages), len(encoded))
		return nil
	}
	return s.store.cfg.flusher.Flush(ctx, s.txn, encoded)
}

// DecodeFlushRecord parses a record produced by Flush
func (s *Store) DecodeFlushRecord(b []byte) (FlushRecord, error) {
	var rec FlushRecord
	err := s.codec.UnmarshalInto(b, &rec)
	return rec, err
}
