// Package model defines the capability contract between the training engine
// and knowledge graph embedding models. The engine never inspects a model's
// internals beyond its named parameter list.
package model

import (
	"cmp"
	"fmt"
)

// Strategy tags how a model is trained. It is fixed per model and bound
// once by the step executor.
type Strategy int

const (
	// StrategyPairwise trains with a margin ranking loss over
	// positive/negative triple pairs.
	StrategyPairwise Strategy = iota + 1
	// StrategyPointwise trains with a per-triple classification loss.
	StrategyPointwise
	// StrategyProjection scores one (entity, relation) pair against every
	// entity at once (1-N) using multi-hot labels.
	StrategyProjection
)

func (s Strategy) String() string {
	switch s {
	case StrategyPairwise:
		return "pairwise"
	case StrategyPointwise:
		return "pointwise"
	case StrategyProjection:
		return "projection"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Order is the model's natural ranking order for candidate scores.
type Order int

const (
	// OrderAscending ranks lower scores first (dissimilarity models).
	OrderAscending Order = iota
	// OrderDescending ranks higher scores first (similarity models).
	OrderDescending
)

// Compare orders two scores for ranking: negative when a ranks before b,
// zero on ties.
func (o Order) Compare(a, b float64) int {
	if o == OrderDescending {
		return cmp.Compare(b, a)
	}
	return cmp.Compare(a, b)
}

// LabelConvention is the label encoding a pointwise model expects.
type LabelConvention int

const (
	// LabelsSigned uses -1 for negatives and +1 for positives.
	LabelsSigned LabelConvention = iota
	// LabelsBinary uses 0 for negatives and 1 for positives.
	LabelsBinary
)

// Values returns the (positive, negative) label values.
func (c LabelConvention) Values() (pos, neg float64) {
	if c == LabelsBinary {
		return 1, 0
	}
	return 1, -1
}

// Model is the scoring capability every embedding model exposes.
type Model interface {
	Name() string
	Strategy() Strategy
	Order() Order

	// Params returns the model's trainable parameters. The same slice and
	// tensors are returned on every call.
	Params() ParameterList

	// Embed returns the embeddings used to score (h, r, t).
	Embed(h, r, t int64) (hEmb, rEmb, tEmb []float64)

	// ScoreTails writes the score of (h, r, e) for every entity e into dst.
	ScoreTails(h, r int64, dst []float64)

	// ScoreHeads writes the score of (e, r, t) for every entity e into dst.
	ScoreHeads(t, r int64, dst []float64)
}

// PairwiseModel computes the margin ranking loss of a batch and accumulates
// its gradients into g.
type PairwiseModel interface {
	Model
	PairwiseLoss(b *PairwiseBatch, g *Gradients) (float64, error)
}

// PointwiseModel computes a per-triple classification loss and accumulates
// its gradients into g.
type PointwiseModel interface {
	Model
	Labels() LabelConvention
	PointwiseLoss(b *PointwiseBatch, g *Gradients) (float64, error)
}

// ProjectionModel exposes raw logits over the whole entity vocabulary. The
// loss over those logits is owned by the step executor.
type ProjectionModel interface {
	Model
	InverseRelationModel

	// Forward writes the logits of (e, r, x) for every entity x into dst.
	// With inverse set, r is a forward relation id scored through its
	// inverse relation, predicting heads for tail e.
	Forward(e, r int64, inverse bool, dst []float64)

	// Backward accumulates into g the gradients of the parameters used by
	// Forward(e, r, inverse) given dLogits, the loss gradient per logit.
	Backward(e, r int64, inverse bool, dLogits []float64, g *Gradients)
}

// InverseRelationModel is implemented by models that predict heads through
// separate inverse relations. Head filtering then uses the inverse bucket
// of the known-true index.
type InverseRelationModel interface {
	InverseRelations() bool
}

// Constrainer is implemented by models that project parameters back onto a
// constraint set after every optimizer step (e.g. unit-norm entities).
type Constrainer interface {
	Constrain(g *Gradients)
}
