// Package transe implements TransE (Translating Embeddings).
//
// TransE models relations as translations in the embedding space:
// h + r ≈ t, where h is the head entity, r the relation and t the tail.
// It trains with the margin ranking loss over positive/negative pairs.
package transe

import (
	"math"
	"math/rand"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
)

// Config holds the TransE hyperparameters.
type Config struct {
	Dim    int
	Margin float64 // default: 1.0
	L1     bool    // L1 (Manhattan) distance instead of L2 (Euclidean)
}

// TransE implements model.PairwiseModel and model.Constrainer.
type TransE struct {
	cfg Config

	numEntities int64
	entities    *model.Param // ent_embeddings [E x dim]
	relations   *model.Param // rel_embeddings [R x dim]
	params      model.ParameterList
}

// New creates a TransE model with unit-norm entities
func New(numEntities, numRelations int64, cfg Config, rng *rand.Rand) *TransE {
	if cfg.Margin == 0 {
		cfg.Margin = 1.0
	}
	te := &TransE{
		cfg:         cfg,
		numEntities: numEntities,
		entities:    model.NewParam("ent_embeddings", int(numEntities), cfg.Dim),
		relations:   model.NewParam("rel_embeddings", int(numRelations), cfg.Dim),
	}
	te.params = model.ParameterList{te.entities, te.relations}

	bound := 6.0 / math.Sqrt(float64(cfg.Dim))
	te.entities.Uniform(rng, bound)
	te.relations.Uniform(rng, bound)
	for i := int64(0); i < numEntities; i++ {
		normalize(te.entities.Row(i))
	}
	return te
}

func (te *TransE) Name() string { return "TransE" }
func (te *TransE) Strategy() model.Strategy { return model.StrategyPairwise }
func (te *TransE) Order() model.Order { return model.OrderAscending }
func (te *TransE) Params() model.ParameterList { return te.params }
func (te *TransE) Config() Config { return te.cfg }

func (te *TransE) Embed(h, r, t int64) ([]float64, []float64, []float64) {
	return te.entities.Row(h), te.relations.Row(r), te.entities.Row(t)
}

// distance computes ||h + r - t||. Lower is a better fit.
func (te *TransE) distance(h, r, t []float64) float64 {
	dist := 0.0
	if te.cfg.L1 {
		for d := range h {
			dist += math.Abs(h[d] + r[d] - t[d])
		}
		return dist
	}
	for d := range h {
		diff := h[d] + r[d] - t[d]
		dist += diff * diff
	}
	return math.Sqrt(dist)
}

// Score returns the distance of a single triple
func (te *TransE) Score(h, r, t int64) float64 {
	return te.distance(te.Embed(h, r, t))
}

func (te *TransE) ScoreTails(h, r int64, dst []float64) {
	head, rel := te.entities.Row(h), te.relations.Row(r)
	for e := range dst {
		dst[e] = te.distance(head, rel, te.entities.Row(int64(e)))
	}
}

func (te *TransE) ScoreHeads(t, r int64, dst []float64) {
	rel, tail := te.relations.Row(r), te.entities.Row(t)
	for e := range dst {
		dst[e] = te.distance(te.entities.Row(int64(e)), rel, tail)
	}
}

// PairwiseLoss computes the mean of max(0, margin + d(pos) - d(neg)) and
// accumulates its gradients into g.
func (te *TransE) PairwiseLoss(b *model.PairwiseBatch, g *model.Gradients) (float64, error) {
	n := b.Len()
	if n == 0 || len(b.NegH) != n || len(b.PosR) != n || len(b.PosT) != n {
		return 0, kgerrors.InvariantErrorf(kgerrors.ErrInvariantViolation,
			"pairwise batch is misaligned: %d positives, %d negatives", n, len(b.NegH))
	}

	scale := 1.0 / float64(n)
	loss := 0.0
	for i := 0; i < n; i++ {
		pos := te.Score(b.PosH[i], b.PosR[i], b.PosT[i])
		neg := te.Score(b.NegH[i], b.NegR[i], b.NegT[i])

		violation := te.cfg.Margin + pos - neg
		if violation <= 0 {
			continue
		}
		loss += violation

		te.accumulate(b.PosH[i], b.PosR[i], b.PosT[i], scale, g)
		te.accumulate(b.NegH[i], b.NegR[i], b.NegT[i], -scale, g)
	}
	return loss * scale, nil
}

// accumulate adds scale * d||h + r - t|| / d{h,r,t} into g
func (te *TransE) accumulate(h, r, t int64, scale float64, g *model.Gradients) {
	head, rel, tail := te.Embed(h, r, t)

	dir := make([]float64, te.cfg.Dim)
	norm := 0.0
	for d := range dir {
		dir[d] = head[d] + rel[d] - tail[d]
		norm += dir[d] * dir[d]
	}
	if te.cfg.L1 {
		for d, v := range dir {
			dir[d] = sign(v)
		}
	} else {
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			return
		}
		for d := range dir {
			dir[d] /= norm
		}
	}

	gh, gr, gt := g.Row(te.entities, h), g.Row(te.relations, r), g.Row(te.entities, t)
	for d, v := range dir {
		gh[d] += scale * v
		gr[d] += scale * v
		gt[d] -= scale * v
	}
}

// Constrain renormalises every entity row touched by the last step
func (te *TransE) Constrain(g *model.Gradients) {
	for _, id := range g.Touched(te.entities) {
		normalize(te.entities.Row(id))
	}
}

// normalize scales v to unit L2 norm
func normalize(v []float64) {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	if norm > 1e-10 {
		for d := range v {
			v[d] /= norm
		}
	}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
