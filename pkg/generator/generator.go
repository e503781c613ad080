// Package generator produces training batches asynchronously. A single
// producer goroutine cuts shuffled passes over the train split into batches
// shaped for the model's training strategy and hands them to the training
// loop through a bounded queue.
package generator

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/knowledge"
	"github.com/cnclabs/kge/pkg/model"
)

const (
	// MaxCorruptRetries bounds the re-draws of a corrupted triple that
	// collides with a known-true triple. The last draw is accepted.
	MaxCorruptRetries = 16

	DefaultQueueSize   = 8
	DefaultStopTimeout = 5 * time.Second
)

// Sampling policies for choosing which side of a triple to corrupt
const (
	SamplingUniform   = "uniform"
	SamplingBernoulli = "bern"
)

// Config describes the batches to produce
type Config struct {
	BatchSize int

	// NegativeRate is the number of negatives drawn per positive for the
	// pairwise and pointwise strategies.
	NegativeRate int
	Sampling     string

	Strategy model.Strategy
	Labels   model.LabelConvention

	// LabelSmoothing and InverseRelations shape projection batches.
	LabelSmoothing   float64
	InverseRelations bool

	QueueSize   int
	StopTimeout time.Duration

	// Rand drives shuffling and sampling. It is owned by the producer
	// goroutine once New returns.
	Rand *rand.Rand
}

// Generator is a running batch producer. Next and Stop may be called from
// different goroutines.
type Generator struct {
	cfg       Config
	ds        *knowledge.Dataset
	index     *knowledge.Index
	headProbs []float64
	rng       *rand.Rand

	batches chan model.Batch
	cancel  context.CancelFunc
	group   *errgroup.Group

	done    chan struct{}
	errMu   sync.Mutex
	prodErr error

	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New validates cfg against ds and starts the producer. Configuration errors
// are returned before any goroutine starts.
func New(ctx context.Context, cfg Config, ds *knowledge.Dataset) (*Generator, error) {
	g, err := newGenerator(cfg, ds)
	if err != nil {
		return nil, err
	}
	g.start(ctx, g.produce)
	return g, nil
}

func newGenerator(cfg Config, ds *knowledge.Dataset) (*Generator, error) {
	if ds == nil || len(ds.Train) == 0 {
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrEmptyTrainSet, "training split is empty").
			WithSuggestion("Check that train.txt exists and holds 'head relation tail' lines")
	}
	if cfg.BatchSize <= 0 {
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "batch size must be positive, got %d", cfg.BatchSize)
	}
	if ds.NumEntities < 2 {
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "negative sampling needs at least 2 entities, got %d", ds.NumEntities)
	}

	switch cfg.Strategy {
	case model.StrategyPairwise, model.StrategyPointwise:
		if cfg.NegativeRate < 1 {
			return nil, kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "negative rate must be at least 1, got %d", cfg.NegativeRate)
		}
	case model.StrategyProjection:
	default:
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrUnknownStrategy, "no batch layout for %s", cfg.Strategy)
	}

	switch strings.ToLower(cfg.Sampling) {
	case "", SamplingUniform:
		cfg.Sampling = SamplingUniform
	case SamplingBernoulli:
		cfg.Sampling = SamplingBernoulli
	default:
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrUnknownSampling, "unknown sampling %q", cfg.Sampling).
			WithSuggestion("Use uniform or bern")
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	g := &Generator{
		cfg:     cfg,
		ds:      ds,
		index:   knowledge.NewTrainIndex(ds),
		rng:     rng,
		batches: make(chan model.Batch, cfg.QueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.Sampling == SamplingBernoulli {
		g.headProbs = knowledge.BernoulliHeadProbs(ds.Train, ds.NumRelations)
	}
	return g, nil
}

func (g *Generator) start(ctx context.Context, produce func(context.Context) error) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.group, ctx = errgroup.WithContext(ctx)
	g.group.Go(func() error {
		defer close(g.done)
		err := produce(ctx)
		if err != nil && ctx.Err() == nil {
			g.errMu.Lock()
			g.prodErr = err
			g.errMu.Unlock()
		}
		return err
	})
}

// Next returns the next batch, blocking until one is available. It returns
// the producer's error if the producer failed and ErrGeneratorStopped once
// Stop was called.
func (g *Generator) Next(ctx context.Context) (model.Batch, error) {
	select {
	case <-g.stopped:
		return nil, g.stoppedError()
	default:
	}

	select {
	case b := <-g.batches:
		return b, nil
	case <-g.stopped:
		return nil, g.stoppedError()
	case <-g.done:
		if err := g.producerError(); err != nil {
			return nil, err
		}
		return nil, g.stoppedError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Generator) producerError() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.prodErr
}

func (g *Generator) stoppedError() error {
	return kgerrors.ResourceErrorf(kgerrors.ErrGeneratorStopped, "batch generator is stopped")
}

// Stop cancels the producer and waits at most StopTimeout for it to exit.
// Calling Stop again returns the first result.
func (g *Generator) Stop() error {
	g.stopOnce.Do(func() {
		close(g.stopped)
		g.cancel()

		exited := make(chan struct{})
		go func() {
			_ = g.group.Wait()
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(g.cfg.StopTimeout):
			g.stopErr = kgerrors.ResourceErrorf(kgerrors.ErrGeneratorStopTimeout,
				"batch producer did not exit within %s", g.cfg.StopTimeout)
		}
	})
	return g.stopErr
}

// BatchSize returns the number of positives per batch, capped by the size
// of the train split.
func (g *Generator) BatchSize() int {
	return min(g.cfg.BatchSize, len(g.ds.Train))
}

// BatchesPerPass returns the number of batches cut from one pass over the
// train split.
func (g *Generator) BatchesPerPass() int {
	return max(1, len(g.ds.Train)/g.cfg.BatchSize)
}

func (g *Generator) produce(ctx context.Context) error {
	order := make([]int, len(g.ds.Train))
	for i := range order {
		order[i] = i
	}
	size := g.BatchSize()
	perPass := g.BatchesPerPass()

	for {
		g.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		for b := 0; b < perPass; b++ {
			positives := make([]knowledge.Triple, size)
			for i, at := range order[b*size : (b+1)*size] {
				positives[i] = g.ds.Train[at]
			}

			batch, err := g.build(positives)
			if err != nil {
				return err
			}

			select {
			case g.batches <- batch:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (g *Generator) build(positives []knowledge.Triple) (model.Batch, error) {
	switch g.cfg.Strategy {
	case model.StrategyPairwise:
		return g.pairwise(positives), nil
	case model.StrategyPointwise:
		return g.pointwise(positives), nil
	case model.StrategyProjection:
		return g.projection(positives), nil
	}
	return nil, kgerrors.InvariantErrorf(kgerrors.ErrInvariantViolation, "no batch layout for %s", g.cfg.Strategy)
}

func (g *Generator) pairwise(positives []knowledge.Triple) *model.PairwiseBatch {
	n := len(positives) * g.cfg.NegativeRate
	b := &model.PairwiseBatch{
		PosH: make([]int64, 0, n), PosR: make([]int64, 0, n), PosT: make([]int64, 0, n),
		NegH: make([]int64, 0, n), NegR: make([]int64, 0, n), NegT: make([]int64, 0, n),
	}
	for _, pos := range positives {
		for k := 0; k < g.cfg.NegativeRate; k++ {
			neg := g.corrupt(pos)
			b.PosH = append(b.PosH, pos.Head)
			b.PosR = append(b.PosR, pos.Relation)
			b.PosT = append(b.PosT, pos.Tail)
			b.NegH = append(b.NegH, neg.Head)
			b.NegR = append(b.NegR, neg.Relation)
			b.NegT = append(b.NegT, neg.Tail)
		}
	}
	return b
}

func (g *Generator) pointwise(positives []knowledge.Triple) *model.PointwiseBatch {
	n := len(positives) * (1 + g.cfg.NegativeRate)
	b := &model.PointwiseBatch{
		H: make([]int64, 0, n), R: make([]int64, 0, n), T: make([]int64, 0, n),
		Label: make([]float64, 0, n),
	}
	posLabel, negLabel := g.cfg.Labels.Values()
	add := func(tr knowledge.Triple, label float64) {
		b.H = append(b.H, tr.Head)
		b.R = append(b.R, tr.Relation)
		b.T = append(b.T, tr.Tail)
		b.Label = append(b.Label, label)
	}
	for _, pos := range positives {
		add(pos, posLabel)
		for k := 0; k < g.cfg.NegativeRate; k++ {
			add(g.corrupt(pos), negLabel)
		}
	}
	return b
}

func (g *Generator) projection(positives []knowledge.Triple) *model.ProjectionBatch {
	n := len(positives)
	b := &model.ProjectionBatch{
		H: make([]int64, n), R: make([]int64, n), T: make([]int64, n),
		HrT: make([][]int64, n), RtH: make([][]int64, n),
		Smoothing:   g.cfg.LabelSmoothing,
		NumEntities: g.ds.NumEntities,
	}
	for i, tr := range positives {
		b.H[i], b.R[i], b.T[i] = tr.Head, tr.Relation, tr.Tail
		b.HrT[i] = g.index.Tails(tr.Head, tr.Relation)
		if g.cfg.InverseRelations {
			b.RtH[i] = g.index.InverseHeads(tr.Tail, g.index.InverseRelation(tr.Relation))
		} else {
			b.RtH[i] = g.index.Heads(tr.Tail, tr.Relation)
		}
	}
	return b
}

// corrupt replaces the head or tail of pos with a different entity. Draws
// that hit a known-true triple are retried up to MaxCorruptRetries times.
func (g *Generator) corrupt(pos knowledge.Triple) knowledge.Triple {
	p := 0.5
	if g.headProbs != nil {
		p = g.headProbs[pos.Relation]
	}
	corruptHead := g.rng.Float64() < p

	for attempt := 0; ; attempt++ {
		neg := pos
		if corruptHead {
			neg.Head = knowledge.SampleEntity(g.ds.NumEntities, pos.Head, g.rng)
		} else {
			neg.Tail = knowledge.SampleEntity(g.ds.NumEntities, pos.Tail, g.rng)
		}
		if attempt >= MaxCorruptRetries || !g.index.Contains(neg) {
			return neg
		}
	}
}
