// Package evaluator implements link prediction evaluation. For every held-out
// triple the true head and tail are ranked against the whole entity
// vocabulary, raw and filtered, and the ranks are aggregated into mean rank,
// mean reciprocal rank and hits@k.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/knowledge"
	"github.com/cnclabs/kge/pkg/logging"
	"github.com/cnclabs/kge/pkg/model"
)

// Config selects the evaluated triples and reported cutoffs
type Config struct {
	// TestNum caps the number of triples ranked by MiniTest.
	TestNum int
	Hits    []int
	Split   knowledge.Split
	Workers int
}

// RankRecord holds the 0-based ranks of one evaluated triple
type RankRecord struct {
	HeadRank         int
	TailRank         int
	FilteredHeadRank int
	FilteredTailRank int
}

// Evaluator ranks held-out triples of one split
type Evaluator struct {
	model   model.Model
	ds      *knowledge.Dataset
	cfg     Config
	index   *knowledge.Index
	inverse bool
	triples []knowledge.Triple
	logger  *slog.Logger

	results []Metrics
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithLogger sets the logger used for per-evaluation records
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// New builds the filtering index over all splits and returns an evaluator
// for cfg.Split.
func New(m model.Model, ds *knowledge.Dataset, cfg Config, opts ...Option) (*Evaluator, error) {
	switch cfg.Split {
	case knowledge.SplitValid, knowledge.SplitTest:
	default:
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrUnknownSplit, "Invalid testing data %q: enter test or valid", cfg.Split)
	}
	triples, err := ds.Split(cfg.Split)
	if err != nil {
		return nil, err
	}
	if len(triples) == 0 {
		return nil, kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "evaluation split %s holds no triples", cfg.Split).
			WithSuggestion(fmt.Sprintf("Provide %s.txt next to train.txt", cfg.Split))
	}
	if cfg.TestNum <= 0 {
		cfg.TestNum = len(triples)
	}
	if len(cfg.Hits) == 0 {
		cfg.Hits = []int{1, 3, 5, 10}
	}
	cfg.Hits = cutoffs(cfg.Hits)
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	e := &Evaluator{
		model:   m,
		ds:      ds,
		cfg:     cfg,
		index:   knowledge.NewDatasetIndex(ds),
		triples: triples,
		logger:  logging.Discard(),
	}
	if im, ok := m.(model.InverseRelationModel); ok {
		e.inverse = im.InverseRelations()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MiniTest ranks the first TestNum triples of the split
func (e *Evaluator) MiniTest(ctx context.Context, epoch int) (Metrics, error) {
	n := min(e.cfg.TestNum, len(e.triples))
	return e.test(ctx, epoch, KindMini, e.triples[:n])
}

// FullTest ranks every triple of the split
func (e *Evaluator) FullTest(ctx context.Context, epoch int) (Metrics, error) {
	return e.test(ctx, epoch, KindFull, e.triples)
}

func (e *Evaluator) test(ctx context.Context, epoch int, kind string, triples []knowledge.Triple) (Metrics, error) {
	start := time.Now()
	records := make([]RankRecord, len(triples))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, tr := range triples {
		i, tr := i, tr
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := e.Rank(tr)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Metrics{}, err
	}

	m := Aggregate(epoch, records, e.cfg.Hits)
	m.Kind = kind
	m.Elapsed = time.Since(start)
	e.results = append(e.results, m)

	e.logger.Info("evaluation finished",
		"epoch", epoch,
		"kind", kind,
		"triples", m.Triples,
		"mr", m.MeanRank,
		"fmr", m.FilteredMeanRank,
		"mrr", m.MRR,
		"fmrr", m.FilteredMRR,
		"elapsed", m.Elapsed.String())
	return m, nil
}

// Rank computes the raw and filtered head and tail ranks of tr. Rank is safe
// for concurrent use.
func (e *Evaluator) Rank(tr knowledge.Triple) (RankRecord, error) {
	var rec RankRecord
	scores := make([]float64, e.ds.NumEntities)
	order := make([]int64, e.ds.NumEntities)

	e.model.ScoreTails(tr.Head, tr.Relation, scores)
	raw, filtered, found := e.walk(scores, order, tr.Tail, func(c int64) bool {
		return e.index.HasTail(tr.Head, tr.Relation, c)
	})
	if !found {
		return rec, e.missing("tail", tr)
	}
	rec.TailRank, rec.FilteredTailRank = raw, filtered

	e.model.ScoreHeads(tr.Tail, tr.Relation, scores)
	knownHead := func(c int64) bool {
		return e.index.HasHead(tr.Tail, tr.Relation, c)
	}
	if e.inverse {
		inv := e.index.InverseRelation(tr.Relation)
		knownHead = func(c int64) bool {
			return e.index.HasInverseHead(tr.Tail, inv, c)
		}
	}
	raw, filtered, found = e.walk(scores, order, tr.Head, knownHead)
	if !found {
		return rec, e.missing("head", tr)
	}
	rec.HeadRank, rec.FilteredHeadRank = raw, filtered
	return rec, nil
}

// walk orders candidates by score and counts the candidates placed before
// truth. Known-true candidates are skipped by the filtered count.
func (e *Evaluator) walk(scores []float64, order []int64, truth int64, known func(int64) bool) (raw, filtered int, found bool) {
	for i := range order {
		order[i] = int64(i)
	}
	ranking := e.model.Order()
	slices.SortStableFunc(order, func(a, b int64) int {
		return ranking.Compare(scores[a], scores[b])
	})

	for _, c := range order {
		if c == truth {
			return raw, filtered, true
		}
		raw++
		if !known(c) {
			filtered++
		}
	}
	return raw, filtered, false
}

func (e *Evaluator) missing(side string, tr knowledge.Triple) error {
	return kgerrors.InvariantErrorf(kgerrors.ErrInvariantViolation,
		"true %s missing from ranked candidates", side).
		WithContextf("triple", "(%d, %d, %d)", tr.Head, tr.Relation, tr.Tail).
		WithContextf("entities", "%d", e.ds.NumEntities)
}

// Results returns the metrics of every evaluation run so far
func (e *Evaluator) Results() []Metrics {
	return slices.Clone(e.results)
}
