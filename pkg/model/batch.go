package model

// Batch is one unit of training input. The concrete type always matches the
// strategy of the model being trained.
type Batch interface {
	Len() int
	batch()
}

// PairwiseBatch holds aligned positive and negative triples.
type PairwiseBatch struct {
	PosH, PosR, PosT []int64
	NegH, NegR, NegT []int64
}

func (b *PairwiseBatch) Len() int { return len(b.PosH) }
func (*PairwiseBatch) batch()     {}

// PointwiseBatch holds triples and their labels.
type PointwiseBatch struct {
	H, R, T []int64
	Label   []float64
}

func (b *PointwiseBatch) Len() int { return len(b.H) }
func (*PointwiseBatch) batch()     {}

// ProjectionBatch holds triples and sparse multi-hot label rows: HrT[i] are
// all true tails of (H[i], R[i]) and RtH[i] all true heads of (R[i], T[i]).
type ProjectionBatch struct {
	H, R, T  []int64
	HrT, RtH [][]int64

	// Smoothing is the label smoothing factor applied when densifying.
	Smoothing   float64
	NumEntities int64
}

func (b *ProjectionBatch) Len() int { return len(b.H) }
func (*ProjectionBatch) batch()     {}

// TailLabels writes the smoothed tail label vector of row i into dst.
func (b *ProjectionBatch) TailLabels(i int, dst []float64) {
	b.densify(b.HrT[i], dst)
}

// HeadLabels writes the smoothed head label vector of row i into dst.
func (b *ProjectionBatch) HeadLabels(i int, dst []float64) {
	b.densify(b.RtH[i], dst)
}

// densify sets y' = y*(1-eps) + eps/|E|
func (b *ProjectionBatch) densify(ones []int64, dst []float64) {
	off := b.Smoothing / float64(b.NumEntities)
	for j := range dst {
		dst[j] = off
	}
	on := 1.0*(1.0-b.Smoothing) + off
	for _, e := range ones {
		dst[e] = on
	}
}
