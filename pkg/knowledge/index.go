package knowledge

import (
	"slices"
)

type pairKey struct {
	entity   int64
	relation int64
}

// Index maps (head, relation) to the set of true tails and (tail, relation)
// to the set of true heads. Heads are also stored under the inverse
// relation id relation+NumRelations, a separate bucket consumed by models
// that score head prediction through inverse relations.
//
// An Index is read-only after NewIndex returns and is safe for concurrent use.
type Index struct {
	numRelations int64
	hrT          map[pairKey][]int64
	trH          map[pairKey][]int64
	trHInverse   map[pairKey][]int64
	size         int
}

// NewIndex builds an index over the union of the given splits.
func NewIndex(numRelations int64, splits ...[]Triple) *Index {
	idx := &Index{
		numRelations: numRelations,
		hrT:          make(map[pairKey][]int64),
		trH:          make(map[pairKey][]int64),
		trHInverse:   make(map[pairKey][]int64),
	}

	for _, triples := range splits {
		for _, tr := range triples {
			idx.hrT[pairKey{tr.Head, tr.Relation}] = append(idx.hrT[pairKey{tr.Head, tr.Relation}], tr.Tail)
			idx.trH[pairKey{tr.Tail, tr.Relation}] = append(idx.trH[pairKey{tr.Tail, tr.Relation}], tr.Head)
		}
	}

	for k, v := range idx.hrT {
		idx.hrT[k] = sortUnique(v)
		idx.size += len(idx.hrT[k])
	}
	for k, v := range idx.trH {
		heads := sortUnique(v)
		idx.trH[k] = heads
		idx.trHInverse[pairKey{k.entity, k.relation + numRelations}] = heads
	}
	return idx
}

// NewDatasetIndex builds the filtering index over train, valid and test.
func NewDatasetIndex(ds *Dataset) *Index {
	return NewIndex(ds.NumRelations, ds.Train, ds.Valid, ds.Test)
}

// NewTrainIndex builds an index over the train split only.
func NewTrainIndex(ds *Dataset) *Index {
	return NewIndex(ds.NumRelations, ds.Train)
}

func sortUnique(v []int64) []int64 {
	slices.Sort(v)
	return slices.Compact(v)
}

// Len returns the number of distinct triples in the index.
func (idx *Index) Len() int {
	return idx.size
}

// Tails returns the sorted true tails of (head, relation). The returned
// slice must not be modified.
func (idx *Index) Tails(head, relation int64) []int64 {
	return idx.hrT[pairKey{head, relation}]
}

// Heads returns the sorted true heads of (tail, relation).
func (idx *Index) Heads(tail, relation int64) []int64 {
	return idx.trH[pairKey{tail, relation}]
}

// InverseHeads returns the sorted true heads of (tail, inverseRelation),
// where inverseRelation is relation+NumRelations.
func (idx *Index) InverseHeads(tail, inverseRelation int64) []int64 {
	return idx.trHInverse[pairKey{tail, inverseRelation}]
}

// InverseRelation returns the inverse bucket id of relation.
func (idx *Index) InverseRelation(relation int64) int64 {
	return relation + idx.numRelations
}

// HasTail reports whether (head, relation, tail) is known true.
func (idx *Index) HasTail(head, relation, tail int64) bool {
	_, found := slices.BinarySearch(idx.hrT[pairKey{head, relation}], tail)
	return found
}

// HasHead reports whether (head, relation, tail) is known true through the
// (tail, relation) bucket.
func (idx *Index) HasHead(tail, relation, head int64) bool {
	_, found := slices.BinarySearch(idx.trH[pairKey{tail, relation}], head)
	return found
}

// HasInverseHead reports whether head is known true for (tail, inverseRelation).
func (idx *Index) HasInverseHead(tail, inverseRelation, head int64) bool {
	_, found := slices.BinarySearch(idx.trHInverse[pairKey{tail, inverseRelation}], head)
	return found
}

// Contains reports whether the triple is known true.
func (idx *Index) Contains(tr Triple) bool {
	return idx.HasTail(tr.Head, tr.Relation, tr.Tail)
}
