package reconcile

import "sort"

// BatchKind classifies an incoming event batch against the known span.
type BatchKind int

const (
	// BatchRedelivery: every incoming id is already guaranteed locally.
	BatchRedelivery BatchKind = iota
	// BatchSingleLive: one new live message; no boundary change.
	BatchSingleLive
	// BatchContiguousOlder: an older slice abutting the existing history.
	BatchContiguousOlder
	// BatchDisjointNewer: a newer slice separated from the known span by a
	// gap; its earliest element becomes the new history-past boundary.
	BatchDisjointNewer
	// BatchConjoint: incoming and known interleave; id sets merge with no
	// single boundary emitted.
	BatchConjoint
)

func (k BatchKind) String() string {
	switch k {
	case BatchRedelivery:
		return "redelivery"
	case BatchSingleLive:
		return "single_live"
	case BatchContiguousOlder:
		return "contiguous_older"
	case BatchDisjointNewer:
		return "disjoint_newer"
	default:
		return "conjoint"
	}
}

// BatchClass is the outcome of classification.
type BatchClass struct {
	Kind     BatchKind
	Boundary int64 // new history-past boundary candidate, 0 if none
}

// ClassifyBatch runs the gap-detection decision table once per incoming
// batch. incoming holds the batch ids in date order; known holds the ids
// already present in the current in-memory span.
//
// The guaranteed set G is the known ids minus their minimum: the global
// minimum is never guaranteed, older content may still be unseen. First
// match wins:
//
//  1. incoming ⊆ G: pure re-delivery.
//  2. a single incoming message: a live message.
//  3. max(incoming) == min(known): contiguous older slice.
//  4. incoming lies strictly beyond max(G)+1: disjoint newer slice; its
//     earliest element is the boundary candidate.
//  5. otherwise conjoint: merge, no single boundary.
func ClassifyBatch(incoming, known []int64) BatchClass {
	if len(incoming) == 0 {
		return BatchClass{Kind: BatchRedelivery}
	}

	sorted := append([]int64(nil), known...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var guaranteed []int64
	if len(sorted) > 1 {
		guaranteed = sorted[1:]
	}

	if subset(incoming, guaranteed) {
		return BatchClass{Kind: BatchRedelivery}
	}
	if len(incoming) == 1 {
		return BatchClass{Kind: BatchSingleLive}
	}
	if len(sorted) > 0 && maxOf(incoming) == sorted[0] {
		return BatchClass{Kind: BatchContiguousOlder}
	}
	if len(guaranteed) > 0 {
		guaranteedMax := guaranteed[len(guaranteed)-1]
		if minOf(incoming) > guaranteedMax+1 {
			return BatchClass{Kind: BatchDisjointNewer, Boundary: earliest(incoming)}
		}
	}
	return BatchClass{Kind: BatchConjoint}
}

func subset(ids, of []int64) bool {
	if len(ids) == 0 {
		return true
	}
	set := make(map[int64]struct{}, len(of))
	for _, id := range of {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// earliest returns the first element: incoming is ordered by date.
func earliest(ids []int64) int64 { return ids[0] }

func minOf(ids []int64) int64 {
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m
}

func maxOf(ids []int64) int64 {
	m := ids[0]
	for _, id := range ids[1:] {
		if id > m {
			m = id
		}
	}
	return m
}
