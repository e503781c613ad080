package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cnclabs/kge/pkg/config"
	"github.com/cnclabs/kge/pkg/device"
	"github.com/cnclabs/kge/pkg/evaluator"
	"github.com/cnclabs/kge/pkg/knowledge"
	"github.com/cnclabs/kge/pkg/model"
)

// baseModel scores entity i as i, so lower ids rank first.
type baseModel struct {
	strategy model.Strategy
	params   model.ParameterList
}

func newBaseModel(strategy model.Strategy, entities, relations int) baseModel {
	return baseModel{
		strategy: strategy,
		params: model.ParameterList{
			model.NewParam("ent_embeddings", entities, 2),
			model.NewParam("rel_embeddings", relations, 2),
		},
	}
}

func (m *baseModel) Name() string { return "Fake" }
func (m *baseModel) Strategy() model.Strategy { return m.strategy }
func (m *baseModel) Order() model.Order { return model.OrderAscending }
func (m *baseModel) Params() model.ParameterList { return m.params }

func (m *baseModel) Embed(h, r, t int64) ([]float64, []float64, []float64) {
	return m.params[0].Row(h), m.params[1].Row(r), m.params[0].Row(t)
}

func (m *baseModel) ScoreTails(h, r int64, dst []float64) {
	for i := range dst {
		dst[i] = float64(i)
	}
}

func (m *baseModel) ScoreHeads(t, r int64, dst []float64) {
	m.ScoreTails(t, r, dst)
}

// pairwiseModel returns scripted losses, one per call; the last one repeats.
type pairwiseModel struct {
	baseModel
	losses []float64
	calls  int
}

func newPairwiseModel(ds *knowledge.Dataset, losses ...float64) *pairwiseModel {
	return &pairwiseModel{
		baseModel: newBaseModel(model.StrategyPairwise, int(ds.NumEntities), int(ds.NumRelations)),
		losses:    losses,
	}
}

func (m *pairwiseModel) PairwiseLoss(b *model.PairwiseBatch, g *model.Gradients) (float64, error) {
	loss := m.losses[min(m.calls, len(m.losses)-1)]
	m.calls++
	row := g.Row(m.params[0], b.PosH[0])
	for i := range row {
		row[i] += 1
	}
	return loss, nil
}

// scriptedEvaluator reports mean ranks from a function of the epoch.
type scriptedEvaluator struct {
	meanRank func(epoch int) float64
	mini     []int
	full     []int
	err      error
}

func (e *scriptedEvaluator) metrics(epoch int) evaluator.Metrics {
	mr := 0.0
	if e.meanRank != nil {
		mr = e.meanRank(epoch)
	}
	return evaluator.Metrics{
		Epoch:        epoch,
		MeanRank:     mr,
		Hits:         map[int]float64{1: 0.1, 3: 0.3, 5: 0.5, 10: 1},
		FilteredHits: map[int]float64{1: 0.2, 3: 0.4, 5: 0.6, 10: 1},
		Triples:      1,
	}
}

func (e *scriptedEvaluator) MiniTest(ctx context.Context, epoch int) (evaluator.Metrics, error) {
	e.mini = append(e.mini, epoch)
	return e.metrics(epoch), e.err
}

func (e *scriptedEvaluator) FullTest(ctx context.Context, epoch int) (evaluator.Metrics, error) {
	e.full = append(e.full, epoch)
	return e.metrics(epoch), nil
}

func (e *scriptedEvaluator) SaveTestSummary(dir, name string) (string, error) {
	return filepath.Join(dir, name+"_Testing_results_0.csv"), nil
}

func (e *scriptedEvaluator) DisplaySummary(w io.Writer, m evaluator.Metrics) {
	fmt.Fprintf(w, "summary for epoch %d\n", m.Epoch)
}

// trainDataset holds four train triples and one valid triple.
func trainDataset(t *testing.T) *knowledge.Dataset {
	t.Helper()
	ds := knowledge.NewDataset()
	for _, tr := range [][3]string{{"a", "r", "b"}, {"b", "r", "c"}, {"c", "s", "d"}, {"d", "s", "a"}} {
		require.NoError(t, ds.AddTriple(knowledge.SplitTrain, tr[0], tr[1], tr[2]))
	}
	require.NoError(t, ds.AddTriple(knowledge.SplitValid, "a", "s", "c"))
	return ds
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Training.Epochs = 3
	cfg.Training.BatchSize = 4
	cfg.Training.Optimizer = "sgd"
	cfg.Evaluation.TestStep = 10
	cfg.Output.ResultDir = filepath.Join(t.TempDir(), "results")
	cfg.Output.TmpDir = filepath.Join(t.TempDir(), "tmp")
	cfg.Output.EmbeddingDir = filepath.Join(t.TempDir(), "embeddings")
	return cfg
}

func testContext() *device.Context {
	return device.New(device.WithSeed(1), device.WithWorkers(2))
}

func nanLoss() float64 { return math.NaN() }
