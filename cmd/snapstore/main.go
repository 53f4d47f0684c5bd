package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"

	"govetachun/go-snapshot-store/internal/snapshot"
	"govetachun/go-snapshot-store/internal/storage"
)

// workload sizes the demo run
type workload struct {
	pages    int
	branches int
	updates  int
	pageSize int
	dump     bool
}

// report is what a run leaves behind for printing
type report struct {
	master   storage.TxnID
	branches []string
	packed   int
	stats    *snapshot.Stats
	lineage  string
}

func main() {
	var w workload
	level := flag.String("loglevel", "INFO", "log level: DEBUG, INFO, NOOP")
	flag.IntVar(&w.pages, "pages", 256, "pages written into the base snapshot")
	flag.IntVar(&w.branches, "branches", 4, "branches forked from the base snapshot")
	flag.IntVar(&w.updates, "updates", 32, "pages rewritten in every branch")
	flag.IntVar(&w.pageSize, "pagesize", 4096, "page size in bytes")
	flag.BoolVar(&w.dump, "dump", false, "print the snapshot lineage")
	flag.Parse()

	logger.New(*level)
	defer logger.OnExit()

	fmt.Println("Starting snapshot store demo...")
	rep, err := run(w)
	if err != nil {
		logger.Sugar.Infof("demo failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("master: %s\n", rep.master)
	fmt.Printf("branches: %v\n", rep.branches)
	fmt.Printf("packed history nodes: %d\n", rep.packed)
	fmt.Print(rep.stats.String())
	if w.dump {
		fmt.Print(rep.lineage)
	}
	fmt.Println("Snapshot store demo completed successfully!")
}

// run builds a base snapshot, forks branches that rewrite part of it,
// keeps every other branch and abandons or drops the rest
func run(w workload) (*report, error) {
	st, err := snapshot.NewStore(snapshot.OptPageSize(w.pageSize))
	if err != nil {
		return nil, err
	}

	master, err := st.Master()
	if err != nil {
		return nil, err
	}
	base, err := master.Branch()
	master.Close()
	if err != nil {
		return nil, err
	}

	ids := make([]storage.PageID, 0, w.pages)
	for i := 0; i < w.pages; i++ {
		h, err := base.CreatePage(0)
		if err != nil {
			return nil, err
		}
		copy(h.Data(), fmt.Sprintf("base page %d", i))
		ids = append(ids, h.ID())
		if err := h.Release(); err != nil {
			return nil, err
		}
	}
	if len(ids) > 0 {
		if err := base.SetRoot(uuid.Nil, ids[0]); err != nil {
			return nil, err
		}
	}
	if err := base.SetMetadata("demo base"); err != nil {
		return nil, err
	}
	if err := base.Freeze(); err != nil {
		return nil, err
	}
	if err := base.SetAsMaster(); err != nil {
		return nil, err
	}
	if err := base.Flush(context.Background()); err != nil {
		return nil, err
	}

	for b := 0; b < w.branches; b++ {
		if err := fork(base, ids, b, w.updates); err != nil {
			return nil, err
		}
	}
	if err := base.Check(); err != nil {
		return nil, err
	}
	if err := base.Close(); err != nil {
		return nil, err
	}

	rep := &report{
		branches: st.Branches(),
		packed:   st.Pack(),
	}
	m, err := st.Master()
	if err != nil {
		return nil, err
	}
	rep.master = m.TxnID()
	var lineage bytes.Buffer
	st.DumpHistory(&lineage)
	rep.lineage = lineage.String()
	if err := m.Close(); err != nil {
		return nil, err
	}
	rep.stats = st.Stats()
	if err := st.Close(); err != nil {
		return nil, err
	}
	return rep, nil
}

// fork branches base and rewrites updates pages. Even branches are kept
// under a name, odd ones are dropped after commit and every third one is
// abandoned while still active.
func fork(base *snapshot.Snapshot, ids []storage.PageID, b, updates int) error {
	snap, err := base.Branch()
	if err != nil {
		return err
	}
	defer snap.Close()

	for i := 0; i < updates && len(ids) > 0; i++ {
		h, err := snap.GetPageForUpdate(ids[(b*updates+i)%len(ids)])
		if err != nil {
			return err
		}
		copy(h.Data(), fmt.Sprintf("branch %d update %d", b, i))
		if err := h.Release(); err != nil {
			return err
		}
	}
	if err := snap.Check(); err != nil {
		return err
	}
	if b%3 == 2 {
		return nil
	}
	if err := snap.Freeze(); err != nil {
		return err
	}
	if b%2 == 0 {
		return snap.SetAsBranch(fmt.Sprintf("branch-%d", b))
	}
	return snap.Drop()
}
