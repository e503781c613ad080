package trainer

import (
	"math"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
	"github.com/cnclabs/kge/pkg/optim"
)

type lossFunc func(b model.Batch, g *model.Gradients) (float64, error)

// stepper executes one optimization step per batch. The loss function is
// bound once from the model's strategy.
type stepper struct {
	model       model.Model
	opt         optim.Optimizer
	grads       *model.Gradients
	loss        lossFunc
	constrainer model.Constrainer
}

func newStepper(m model.Model, opt optim.Optimizer) (*stepper, error) {
	s := &stepper{
		model: m,
		opt:   opt,
		grads: model.NewGradients(),
	}
	if c, ok := m.(model.Constrainer); ok {
		s.constrainer = c
	}

	switch strategy := m.Strategy(); strategy {
	case model.StrategyPairwise:
		pm, ok := m.(model.PairwiseModel)
		if !ok {
			return nil, missingCapability(m, strategy)
		}
		s.loss = func(b model.Batch, g *model.Gradients) (float64, error) {
			pb, ok := b.(*model.PairwiseBatch)
			if !ok {
				return 0, batchMismatch(b, strategy)
			}
			return pm.PairwiseLoss(pb, g)
		}

	case model.StrategyPointwise:
		pm, ok := m.(model.PointwiseModel)
		if !ok {
			return nil, missingCapability(m, strategy)
		}
		s.loss = func(b model.Batch, g *model.Gradients) (float64, error) {
			pb, ok := b.(*model.PointwiseBatch)
			if !ok {
				return 0, batchMismatch(b, strategy)
			}
			return pm.PointwiseLoss(pb, g)
		}

	case model.StrategyProjection:
		pm, ok := m.(model.ProjectionModel)
		if !ok {
			return nil, missingCapability(m, strategy)
		}
		s.loss = func(b model.Batch, g *model.Gradients) (float64, error) {
			pb, ok := b.(*model.ProjectionBatch)
			if !ok {
				return 0, batchMismatch(b, strategy)
			}
			return projectionLoss(pm, pb, g), nil
		}

	default:
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrUnknownStrategy,
			"model %s declares unknown training strategy %s", m.Name(), strategy)
	}
	return s, nil
}

func missingCapability(m model.Model, strategy model.Strategy) error {
	return kgerrors.ConfigErrorf(kgerrors.ErrUnknownStrategy,
		"model %s declares %s training but does not implement its loss", m.Name(), strategy)
}

func batchMismatch(b model.Batch, strategy model.Strategy) error {
	return kgerrors.InvariantErrorf(kgerrors.ErrInvariantViolation,
		"received %T for %s training", b, strategy)
}

// step computes the loss of b and applies one optimizer update. A NaN or
// infinite loss is returned as NUMERICAL_FAILURE and leaves the parameters
// untouched.
func (s *stepper) step(epoch, batch int, b model.Batch) (float64, error) {
	s.grads.Reset()
	loss, err := s.loss(b, s.grads)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, kgerrors.NumericalErrorf(kgerrors.ErrNumericalFailure, "training loss is %v", loss).
			WithContextf("epoch", "%d", epoch).
			WithContextf("batch", "%d", batch).
			WithSuggestion("Lower the learning rate")
	}

	s.opt.Step(s.model.Params(), s.grads)
	if s.constrainer != nil {
		s.constrainer.Constrain(s.grads)
	}
	return loss, nil
}

// projectionLoss is the mean binary cross-entropy between sigmoid(logits)
// and the smoothed multi-hot labels over every (row, entity) cell. Models
// with inverse relations also train the head direction.
func projectionLoss(m model.ProjectionModel, b *model.ProjectionBatch, g *model.Gradients) float64 {
	n := int(b.NumEntities)
	directions := 1
	inverse := m.InverseRelations()
	if inverse {
		directions = 2
	}
	cells := float64(b.Len() * n * directions)

	logits := make([]float64, n)
	labels := make([]float64, n)
	dLogits := make([]float64, n)

	total := 0.0
	accumulate := func(e, r int64, inv bool) {
		m.Forward(e, r, inv, logits)
		for j, z := range logits {
			y := labels[j]
			total += bce(z, y)
			dLogits[j] = (sigmoid(z) - y) / cells
		}
		m.Backward(e, r, inv, dLogits, g)
	}

	for i := 0; i < b.Len(); i++ {
		b.TailLabels(i, labels)
		accumulate(b.H[i], b.R[i], false)
		if inverse {
			b.HeadLabels(i, labels)
			accumulate(b.T[i], b.R[i], true)
		}
	}
	return total / cells
}

// bce is the binary cross-entropy of sigmoid(z) against y in the
// overflow-free form max(z, 0) - z*y + log(1 + exp(-|z|)).
func bce(z, y float64) float64 {
	return math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
