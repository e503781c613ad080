// Package complex implements ComplEx (Complex Embeddings for Knowledge
// Graphs) trained 1-N against every entity.
//
// Score: Re(<h, r, conj(t)>) = Re(Σ h_i * r_i * conj(t_i)). The trilinear
// product models symmetric, antisymmetric and inverse relations. Heads are
// predicted through a separate inverse relation r+|R|, so the model keeps
// 2|R| relation rows.
package complex

import (
	"math/rand"

	"github.com/cnclabs/kge/pkg/model"
)

// Config holds the ComplEx hyperparameters.
type Config struct {
	Dim int // complex dimension; tensors hold [re | im] halves
}

// ComplEx implements model.ProjectionModel.
type ComplEx struct {
	cfg Config

	numEntities  int64
	numRelations int64
	entities     *model.Param // ent_embeddings [E x 2*dim]
	relations    *model.Param // rel_embeddings [2R x 2*dim]
	params       model.ParameterList
}

// New creates a ComplEx model with Glorot-normal embeddings
func New(numEntities, numRelations int64, cfg Config, rng *rand.Rand) *ComplEx {
	cx := &ComplEx{
		cfg:          cfg,
		numEntities:  numEntities,
		numRelations: numRelations,
		entities:     model.NewParam("ent_embeddings", int(numEntities), 2*cfg.Dim),
		relations:    model.NewParam("rel_embeddings", int(2*numRelations), 2*cfg.Dim),
	}
	cx.params = model.ParameterList{cx.entities, cx.relations}

	cx.entities.GlorotNormal(rng)
	cx.relations.GlorotNormal(rng)
	return cx
}

func (cx *ComplEx) Name() string { return "ComplEx" }
func (cx *ComplEx) Strategy() model.Strategy { return model.StrategyProjection }
func (cx *ComplEx) Order() model.Order { return model.OrderDescending }
func (cx *ComplEx) Params() model.ParameterList { return cx.params }
func (cx *ComplEx) InverseRelations() bool { return true }

func (cx *ComplEx) Embed(h, r, t int64) ([]float64, []float64, []float64) {
	return cx.entities.Row(h), cx.relations.Row(r), cx.entities.Row(t)
}

// relation resolves r to its inverse row when predicting heads
func (cx *ComplEx) relation(r int64, inverse bool) int64 {
	if inverse {
		return r + cx.numRelations
	}
	return r
}

// query computes q = e * w, so that score(x) = Re(<q, conj(x)>)
func (cx *ComplEx) query(e, w []float64) (qRe, qIm []float64) {
	dim := cx.cfg.Dim
	qRe = make([]float64, dim)
	qIm = make([]float64, dim)
	for d := 0; d < dim; d++ {
		eRe, eIm := e[d], e[dim+d]
		wRe, wIm := w[d], w[dim+d]
		qRe[d] = eRe*wRe - eIm*wIm
		qIm[d] = eRe*wIm + eIm*wRe
	}
	return qRe, qIm
}

// Score returns Re(<h, r, conj(t)>) for a single triple
func (cx *ComplEx) Score(h, r, t int64) float64 {
	qRe, qIm := cx.query(cx.entities.Row(h), cx.relations.Row(r))
	return cx.dot(qRe, qIm, cx.entities.Row(t))
}

func (cx *ComplEx) dot(qRe, qIm, x []float64) float64 {
	dim := cx.cfg.Dim
	sum := 0.0
	for d := 0; d < dim; d++ {
		sum += qRe[d]*x[d] + qIm[d]*x[dim+d]
	}
	return sum
}

// Forward writes the logit of every candidate entity into dst
func (cx *ComplEx) Forward(e, r int64, inverse bool, dst []float64) {
	qRe, qIm := cx.query(cx.entities.Row(e), cx.relations.Row(cx.relation(r, inverse)))
	for x := range dst {
		dst[x] = cx.dot(qRe, qIm, cx.entities.Row(int64(x)))
	}
}

// Backward accumulates the gradients of Forward(e, r, inverse) into g
func (cx *ComplEx) Backward(e, r int64, inverse bool, dLogits []float64, g *model.Gradients) {
	dim := cx.cfg.Dim
	rel := cx.relation(r, inverse)
	eRow, wRow := cx.entities.Row(e), cx.relations.Row(rel)
	qRe, qIm := cx.query(eRow, wRow)

	gqRe := make([]float64, dim)
	gqIm := make([]float64, dim)
	for x, dl := range dLogits {
		if dl == 0 {
			continue
		}
		xRow := cx.entities.Row(int64(x))
		gx := g.Row(cx.entities, int64(x))
		for d := 0; d < dim; d++ {
			gqRe[d] += dl * xRow[d]
			gqIm[d] += dl * xRow[dim+d]
			gx[d] += dl * qRe[d]
			gx[dim+d] += dl * qIm[d]
		}
	}

	ge, gw := g.Row(cx.entities, e), g.Row(cx.relations, rel)
	for d := 0; d < dim; d++ {
		eRe, eIm := eRow[d], eRow[dim+d]
		wRe, wIm := wRow[d], wRow[dim+d]
		ge[d] += gqRe[d]*wRe + gqIm[d]*wIm
		ge[dim+d] += gqIm[d]*wRe - gqRe[d]*wIm
		gw[d] += gqRe[d]*eRe + gqIm[d]*eIm
		gw[dim+d] += gqIm[d]*eRe - gqRe[d]*eIm
	}
}

func (cx *ComplEx) ScoreTails(h, r int64, dst []float64) {
	cx.Forward(h, r, false, dst)
}

// ScoreHeads scores candidate heads through the inverse relation
func (cx *ComplEx) ScoreHeads(t, r int64, dst []float64) {
	cx.Forward(t, r, true, dst)
}
