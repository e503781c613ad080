// Package rotate implements RotatE using complex-valued embeddings.
//
// RotatE models relations as rotations in complex space: h ∘ r ≈ t, where
// ∘ is the element-wise complex product and every relation coordinate is a
// unit complex number e^{iθ}. Entities are stored as [re | im] halves and
// relations as phases, so the unit-modulus constraint holds by construction.
package rotate

import (
	"math"
	"math/rand"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
)

// Config holds the RotatE hyperparameters.
type Config struct {
	// Dim is the real embedding dimension; the complex dimension is Dim/2
	// rounded up.
	Dim    int
	Gamma  float64 // logit offset, default: 12.0
	Labels model.LabelConvention
}

// RotatE implements model.PointwiseModel.
type RotatE struct {
	cfg Config
	dim int // complex dimension

	entities *model.Param // ent_embeddings [E x 2*dim]
	phases   *model.Param // rel_phases [R x dim]
	params   model.ParameterList
}

// New creates a RotatE model with entities drawn from
// [-(gamma+2)/dim, (gamma+2)/dim] and phases from [-π, π)
func New(numEntities, numRelations int64, cfg Config, rng *rand.Rand) *RotatE {
	if cfg.Gamma == 0 {
		cfg.Gamma = 12.0
	}
	dim := (cfg.Dim + 1) / 2

	re := &RotatE{
		cfg:      cfg,
		dim:      dim,
		entities: model.NewParam("ent_embeddings", int(numEntities), 2*dim),
		phases:   model.NewParam("rel_phases", int(numRelations), dim),
	}
	re.params = model.ParameterList{re.entities, re.phases}

	re.entities.Uniform(rng, (cfg.Gamma+2.0)/float64(dim))
	re.phases.Uniform(rng, math.Pi)
	return re
}

func (re *RotatE) Name() string { return "RotatE" }
func (re *RotatE) Strategy() model.Strategy { return model.StrategyPointwise }
func (re *RotatE) Order() model.Order { return model.OrderAscending }
func (re *RotatE) Labels() model.LabelConvention { return re.cfg.Labels }
func (re *RotatE) Params() model.ParameterList { return re.params }

func (re *RotatE) Embed(h, r, t int64) ([]float64, []float64, []float64) {
	return re.entities.Row(h), re.phases.Row(r), re.entities.Row(t)
}

// distance computes ||h ∘ r - t||. Lower is a better fit.
func (re *RotatE) distance(h, theta, t []float64) float64 {
	dist := 0.0
	for d := 0; d < re.dim; d++ {
		dRe, dIm := re.residual(h, theta, t, d)
		dist += dRe*dRe + dIm*dIm
	}
	return math.Sqrt(dist)
}

// residual returns coordinate d of h ∘ e^{iθ} - t
func (re *RotatE) residual(h, theta, t []float64, d int) (float64, float64) {
	sin, cos := math.Sincos(theta[d])
	hRe, hIm := h[d], h[re.dim+d]
	rotRe := hRe*cos - hIm*sin
	rotIm := hRe*sin + hIm*cos
	return rotRe - t[d], rotIm - t[re.dim+d]
}

// Score returns the distance of a single triple
func (re *RotatE) Score(h, r, t int64) float64 {
	return re.distance(re.Embed(h, r, t))
}

// Logit returns gamma - distance, the classification logit of a triple
func (re *RotatE) Logit(h, r, t int64) float64 {
	return re.cfg.Gamma - re.Score(h, r, t)
}

func (re *RotatE) ScoreTails(h, r int64, dst []float64) {
	head, theta := re.entities.Row(h), re.phases.Row(r)
	for e := range dst {
		dst[e] = re.distance(head, theta, re.entities.Row(int64(e)))
	}
}

func (re *RotatE) ScoreHeads(t, r int64, dst []float64) {
	theta, tail := re.phases.Row(r), re.entities.Row(t)
	for e := range dst {
		dst[e] = re.distance(re.entities.Row(int64(e)), theta, tail)
	}
}

// PointwiseLoss computes the mean logistic loss of the batch. With signed
// labels this is softplus(-y*z); with binary labels the cross entropy of
// sigmoid(z). Both share the gradient sigmoid(z) - p for target p in [0, 1].
func (re *RotatE) PointwiseLoss(b *model.PointwiseBatch, g *model.Gradients) (float64, error) {
	n := b.Len()
	if n == 0 || len(b.R) != n || len(b.T) != n || len(b.Label) != n {
		return 0, kgerrors.InvariantErrorf(kgerrors.ErrInvariantViolation,
			"pointwise batch is misaligned: %d triples, %d labels", n, len(b.Label))
	}

	scale := 1.0 / float64(n)
	loss := 0.0
	for i := 0; i < n; i++ {
		p := re.target(b.Label[i])
		dist := re.Score(b.H[i], b.R[i], b.T[i])
		z := re.cfg.Gamma - dist

		loss += softplus(z) - p*z
		// dL/d(dist) = -(sigmoid(z) - p)
		re.accumulate(b.H[i], b.R[i], b.T[i], dist, -scale*(sigmoid(z)-p), g)
	}
	return loss * scale, nil
}

// target maps a label onto a probability
func (re *RotatE) target(label float64) float64 {
	if re.cfg.Labels == model.LabelsSigned {
		return (label + 1) / 2
	}
	return label
}

// accumulate adds scale * d(distance) / d{h,θ,t} into g
func (re *RotatE) accumulate(h, r, t int64, dist, scale float64, g *model.Gradients) {
	if dist < 1e-12 || scale == 0 {
		return
	}
	head, theta, tail := re.Embed(h, r, t)
	gh, gr, gt := g.Row(re.entities, h), g.Row(re.phases, r), g.Row(re.entities, t)

	s := scale / dist
	for d := 0; d < re.dim; d++ {
		sin, cos := math.Sincos(theta[d])
		hRe, hIm := head[d], head[re.dim+d]
		rotRe := hRe*cos - hIm*sin
		rotIm := hRe*sin + hIm*cos
		dRe, dIm := rotRe-tail[d], rotIm-tail[re.dim+d]

		gh[d] += s * (dRe*cos + dIm*sin)
		gh[re.dim+d] += s * (dIm*cos - dRe*sin)
		gr[d] += s * (dIm*rotRe - dRe*rotIm)
		gt[d] -= s * dRe
		gt[re.dim+d] -= s * dIm
	}
}

// softplus computes log(1 + e^x) without overflow
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
