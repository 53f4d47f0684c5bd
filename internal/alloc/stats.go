package alloc

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

// Stats summarizes a Map
type Stats struct {
	Size     uint64
	Leaves   int
	ReadOnly bool
	Free     [Levels]uint64
	Rank     [Levels]uint64
}

// Stats gathers the current figures of m
func (m *Map) Stats() *Stats {
	s := &Stats{Size: m.size, Leaves: len(m.leaves), ReadOnly: m.readOnly}
	m.Unallocated(s.Free[:])
	for k := 0; k < Levels; k++ {
		s.Rank[k], _ = m.Rank(k, m.size)
	}
	return s
}

func (s *Stats) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "Size\t%d\t\n", s.Size)
	fmt.Fprintf(w, "Leaves\t%d\t\n", s.Leaves)
	fmt.Fprintf(w, "ReadOnly\t%v\t\n", s.ReadOnly)
	for k := 0; k < Levels; k++ {
		fmt.Fprintf(w, "Level %d free/allocated\t%d/%d\t\n", k, s.Free[k], s.Rank[k])
	}
	w.Flush()
	return buf.String()
}
