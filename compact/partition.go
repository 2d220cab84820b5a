package compact

import (
	"container/heap"
	"slices"

	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/row"
)

// IntervalPartition splits files into sections whose key ranges do not
// overlap each other, and each section into the minimum number of sorted
// runs.
func IntervalPartition(files []*datafile.DataFileMeta, keyCmp row.Comparator) [][]SortedRun {
	sorted := slices.Clone(files)
	slices.SortStableFunc(sorted, func(a, b *datafile.DataFileMeta) int {
		if c := keyCmp(a.MinKey, b.MinKey); c != 0 {
			return c
		}
		return keyCmp(a.MaxKey, b.MaxKey)
	})

	var result [][]SortedRun
	var section []*datafile.DataFileMeta
	var bound row.Row
	for _, f := range sorted {
		if len(section) > 0 && keyCmp(f.MinKey, bound) > 0 {
			result = append(result, partitionSection(section, keyCmp))
			section = nil
		}
		section = append(section, f)
		if len(section) == 1 || keyCmp(f.MaxKey, bound) > 0 {
			bound = f.MaxKey
		}
	}
	if len(section) > 0 {
		result = append(result, partitionSection(section, keyCmp))
	}
	return result
}

type runHeap struct {
	runs   [][]*datafile.DataFileMeta
	keyCmp row.Comparator
}

func (h *runHeap) Len() int { return len(h.runs) }

func (h *runHeap) Less(i, j int) bool {
	a, b := h.runs[i], h.runs[j]
	return h.keyCmp(a[len(a)-1].MaxKey, b[len(b)-1].MaxKey) < 0
}

func (h *runHeap) Swap(i, j int) { h.runs[i], h.runs[j] = h.runs[j], h.runs[i] }

func (h *runHeap) Push(x any) { h.runs = append(h.runs, x.([]*datafile.DataFileMeta)) }

func (h *runHeap) Pop() any {
	old := h.runs
	n := len(old)
	x := old[n-1]
	h.runs = old[:n-1]
	return x
}

// partitionSection greedily appends each file to the run that ends first,
// opening a new run when it would overlap.
func partitionSection(files []*datafile.DataFileMeta, keyCmp row.Comparator) []SortedRun {
	h := &runHeap{keyCmp: keyCmp}
	heap.Push(h, []*datafile.DataFileMeta{files[0]})
	for _, f := range files[1:] {
		top := heap.Pop(h).([]*datafile.DataFileMeta)
		if keyCmp(f.MinKey, top[len(top)-1].MaxKey) > 0 {
			top = append(top, f)
		} else {
			heap.Push(h, []*datafile.DataFileMeta{f})
		}
		heap.Push(h, top)
	}
	runs := make([]SortedRun, len(h.runs))
	for i, r := range h.runs {
		runs[i] = SortedRunFromSorted(r)
	}
	return runs
}
