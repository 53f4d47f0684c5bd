package alloc

import "sort"

// Scan reports free space leaf by leaf. Every free region is described at
// the coarsest level that covers it: a free level-k entry is reported only
// when its level k+1 parent is allocated (or k is the top level). Adjacent
// entries of the same level are merged. Scan stops when fn returns false.
func (m *Map) Scan(fn func([]Meta) bool) {
	for _, l := range m.leaves {
		var batch []Meta
		for k := Levels - 1; k >= 0; k-- {
			n := l.entries(k)
			for idx := l.nextWith(k, 0, false); idx < n; {
				end := l.nextWith(k, idx, true)
				for i := idx; i < end; i++ {
					if k < Levels-1 && !l.get(k+1, i>>1) {
						continue
					}
					batch = appendRun(batch, l.base+i<<k, k)
				}
				idx = l.nextWith(k, end, false)
			}
		}
		if len(batch) == 0 {
			continue
		}
		sortMetas(batch)
		if !fn(batch) {
			return
		}
	}
}

func appendRun(batch []Meta, pos uint64, level int) []Meta {
	if n := len(batch); n > 0 {
		last := &batch[n-1]
		if last.level == level && last.Limit() == pos && last.sizeAtLevel < MaxSizeAtLevel {
			last.sizeAtLevel++
			return batch
		}
	}
	return append(batch, mustMeta(pos, 1, level))
}

func sortMetas(metas []Meta) {
	sort.Slice(metas, func(i, j int) bool { return metas[i].position < metas[j].position })
}
