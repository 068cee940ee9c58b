package cm

import "github.com/google/btree"

// seqMap is an ascending-by-sequence ordered container, backed by
// google/btree's generic BTreeG. spec.md §9's design note calls out that
// a hash map is the wrong structure for out_packets/in_packets: both
// flush_outgoing_buffer (§4.D.2) and flush_incoming_buffer (§4.D.4) walk
// their records strictly in ascending seq order, which a balanced tree
// gives for free and a hash map would require a separate sort for.
type seqMap[T any] struct {
	tree  *btree.BTreeG[T]
	seqOf func(T) uint32
	probe func(seq uint32) T
}

// newSeqMap builds a seqMap for record type T, given how to read a
// record's seq and how to build a bare probe record for lookups/deletes.
func newSeqMap[T any](seqOf func(T) uint32, probe func(seq uint32) T) *seqMap[T] {
	less := func(a, b T) bool { return seqOf(a) < seqOf(b) }
	return &seqMap[T]{
		tree:  btree.NewG(32, less),
		seqOf: seqOf,
		probe: probe,
	}
}

func (m *seqMap[T]) Insert(rec T)             { m.tree.ReplaceOrInsert(rec) }
func (m *seqMap[T]) Get(seq uint32) (T, bool) { return m.tree.Get(m.probe(seq)) }
func (m *seqMap[T]) Delete(seq uint32) (T, bool) {
	return m.tree.Delete(m.probe(seq))
}
func (m *seqMap[T]) Len() int { return m.tree.Len() }

// Ascend walks every record in ascending seq order, stopping early if fn
// returns false.
func (m *seqMap[T]) Ascend(fn func(T) bool) { m.tree.Ascend(fn) }

// AscendFrom walks records with seq >= from in ascending order.
func (m *seqMap[T]) AscendFrom(from uint32, fn func(T) bool) {
	m.tree.AscendGreaterOrEqual(m.probe(from), fn)
}
