// Package optim implements the row-sparse gradient update rules selectable
// by name: sgd, rms, adam, adagrad and adadelta.
//
// Stateful optimizers keep their accumulators per parameter tensor and only
// update rows that received a gradient in the current step.
package optim

import (
	"math"
	"strings"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
)

// Names lists the supported optimizer names.
var Names = []string{"sgd", "rms", "adam", "adagrad", "adadelta"}

// Optimizer applies accumulated gradients to a parameter list
type Optimizer interface {
	Name() string
	Step(params model.ParameterList, g *model.Gradients)
}

// New returns the optimizer registered under name
func New(name string, learningRate float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return &SGD{LearningRate: learningRate}, nil
	case "rms":
		return NewRMSProp(learningRate), nil
	case "adam":
		return NewAdam(learningRate), nil
	case "adagrad":
		return NewAdagrad(learningRate), nil
	case "adadelta":
		return NewAdadelta(learningRate), nil
	}
	return nil, kgerrors.ConfigErrorf(kgerrors.ErrUnknownOptimizer, "No support for %s optimizer", name).
		WithSuggestion("Use one of " + strings.Join(Names, ", "))
}

// slots holds one accumulator tensor per parameter, allocated on first use
type slots map[*model.Param][]float64

func (s slots) get(p *model.Param, init float64) []float64 {
	acc, ok := s[p]
	if !ok {
		acc = make([]float64, len(p.Data))
		if init != 0 {
			for i := range acc {
				acc[i] = init
			}
		}
		s[p] = acc
	}
	return acc
}

// SGD is plain stochastic gradient descent: w -= lr * g
type SGD struct {
	LearningRate float64
}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) Step(params model.ParameterList, g *model.Gradients) {
	for _, p := range params {
		g.Each(p, func(row int64, grad []float64) {
			w := p.Row(row)
			for d := range w {
				w[d] -= o.LearningRate * grad[d]
			}
		})
	}
}

// RMSProp divides the step by a running average of squared gradients
type RMSProp struct {
	LearningRate float64
	Decay        float64
	Epsilon      float64

	ms slots
}

// NewRMSProp creates an RMSProp optimizer with decay 0.9
func NewRMSProp(learningRate float64) *RMSProp {
	return &RMSProp{LearningRate: learningRate, Decay: 0.9, Epsilon: 1e-10, ms: make(slots)}
}

func (o *RMSProp) Name() string { return "rms" }

func (o *RMSProp) Step(params model.ParameterList, g *model.Gradients) {
	for _, p := range params {
		ms := o.ms.get(p, 0)
		g.Each(p, func(row int64, grad []float64) {
			w := p.Row(row)
			off := int(row) * p.Cols
			for d := range w {
				m := &ms[off+d]
				*m = o.Decay**m + (1-o.Decay)*grad[d]*grad[d]
				w[d] -= o.LearningRate * grad[d] / math.Sqrt(*m+o.Epsilon)
			}
		})
	}
}

// Adam keeps bias-corrected first and second moment estimates. Moments of
// rows without a gradient are left untouched (lazy update).
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	m, v slots
	t    int
}

// NewAdam creates an Adam optimizer with the usual defaults
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make(slots),
		v:            make(slots),
	}
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) Step(params model.ParameterList, g *model.Gradients) {
	o.t++
	lr := o.LearningRate * math.Sqrt(1-math.Pow(o.Beta2, float64(o.t))) / (1 - math.Pow(o.Beta1, float64(o.t)))
	for _, p := range params {
		m := o.m.get(p, 0)
		v := o.v.get(p, 0)
		g.Each(p, func(row int64, grad []float64) {
			w := p.Row(row)
			off := int(row) * p.Cols
			for d := range w {
				i := off + d
				m[i] = o.Beta1*m[i] + (1-o.Beta1)*grad[d]
				v[i] = o.Beta2*v[i] + (1-o.Beta2)*grad[d]*grad[d]
				w[d] -= lr * m[i] / (math.Sqrt(v[i]) + o.Epsilon)
			}
		})
	}
}

// Adagrad scales each coordinate by the root of its summed squared gradients
type Adagrad struct {
	LearningRate       float64
	InitialAccumulator float64

	acc slots
}

// NewAdagrad creates an Adagrad optimizer with initial accumulator 0.1
func NewAdagrad(learningRate float64) *Adagrad {
	return &Adagrad{LearningRate: learningRate, InitialAccumulator: 0.1, acc: make(slots)}
}

func (o *Adagrad) Name() string { return "adagrad" }

func (o *Adagrad) Step(params model.ParameterList, g *model.Gradients) {
	for _, p := range params {
		acc := o.acc.get(p, o.InitialAccumulator)
		g.Each(p, func(row int64, grad []float64) {
			w := p.Row(row)
			off := int(row) * p.Cols
			for d := range w {
				a := &acc[off+d]
				*a += grad[d] * grad[d]
				w[d] -= o.LearningRate * grad[d] / math.Sqrt(*a)
			}
		})
	}
}

// Adadelta adapts the step from running averages of squared gradients and
// squared updates
type Adadelta struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64

	accGrad, accUpdate slots
}

// NewAdadelta creates an Adadelta optimizer with rho 0.95
func NewAdadelta(learningRate float64) *Adadelta {
	return &Adadelta{
		LearningRate: learningRate,
		Rho:          0.95,
		Epsilon:      1e-6,
		accGrad:      make(slots),
		accUpdate:    make(slots),
	}
}

func (o *Adadelta) Name() string { return "adadelta" }

func (o *Adadelta) Step(params model.ParameterList, g *model.Gradients) {
	for _, p := range params {
		ag := o.accGrad.get(p, 0)
		au := o.accUpdate.get(p, 0)
		g.Each(p, func(row int64, grad []float64) {
			w := p.Row(row)
			off := int(row) * p.Cols
			for d := range w {
				i := off + d
				ag[i] = o.Rho*ag[i] + (1-o.Rho)*grad[d]*grad[d]
				update := math.Sqrt(au[i]+o.Epsilon) / math.Sqrt(ag[i]+o.Epsilon) * grad[d]
				au[i] = o.Rho*au[i] + (1-o.Rho)*update*update
				w[d] -= o.LearningRate * update
			}
		})
	}
}
