package model

import (
	"math"
	"math/rand"
	"slices"
)

// Param is a named, row-major 2-D tensor.
type Param struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// NewParam allocates a zeroed rows x cols tensor
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// Row returns row i as a slice aliasing the tensor data
func (p *Param) Row(i int64) []float64 {
	start := int(i) * p.Cols
	return p.Data[start : start+p.Cols]
}

// GlorotNormal fills the tensor with N(0, 2/(rows+cols)) values
func (p *Param) GlorotNormal(rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(p.Rows+p.Cols))
	for i := range p.Data {
		p.Data[i] = rng.NormFloat64() * std
	}
}

// Uniform fills the tensor with values in [-bound, bound)
func (p *Param) Uniform(rng *rand.Rand, bound float64) {
	for i := range p.Data {
		p.Data[i] = (rng.Float64()*2 - 1) * bound
	}
}

// ParameterList is the ordered set of tensors a model trains and persists.
type ParameterList []*Param

// ByName returns the tensor with the given name, or nil.
func (pl ParameterList) ByName(name string) *Param {
	for _, p := range pl {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Gradients accumulates row-sparse gradients for a parameter list. Only rows
// touched by a batch are allocated.
type Gradients struct {
	rows map[*Param]map[int64][]float64
}

// NewGradients creates an empty gradient accumulator
func NewGradients() *Gradients {
	return &Gradients{rows: make(map[*Param]map[int64][]float64)}
}

// Row returns the gradient row of p, allocating zeros on first access
func (g *Gradients) Row(p *Param, row int64) []float64 {
	byRow, ok := g.rows[p]
	if !ok {
		byRow = make(map[int64][]float64)
		g.rows[p] = byRow
	}
	grad, ok := byRow[row]
	if !ok {
		grad = make([]float64, p.Cols)
		byRow[row] = grad
	}
	return grad
}

// Touched returns the sorted row ids of p with an accumulated gradient
func (g *Gradients) Touched(p *Param) []int64 {
	byRow := g.rows[p]
	ids := make([]int64, 0, len(byRow))
	for id := range byRow {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Each visits every accumulated gradient row of p in row order
func (g *Gradients) Each(p *Param, fn func(row int64, grad []float64)) {
	byRow := g.rows[p]
	for _, id := range g.Touched(p) {
		fn(id, byRow[id])
	}
}

// Reset drops all accumulated rows
func (g *Gradients) Reset() {
	clear(g.rows)
}
