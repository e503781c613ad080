package evaluator

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/knowledge"
	"github.com/cnclabs/kge/pkg/model"
)

type pairKey struct{ e, r int64 }

// tableModel returns fixed score vectors per (entity, relation) query.
type tableModel struct {
	order   model.Order
	inverse bool
	tails   map[pairKey][]float64
	heads   map[pairKey][]float64
}

func (m *tableModel) Name() string { return "Table" }
func (m *tableModel) Strategy() model.Strategy { return model.StrategyPairwise }
func (m *tableModel) Order() model.Order { return m.order }
func (m *tableModel) Params() model.ParameterList { return nil }
func (m *tableModel) InverseRelations() bool { return m.inverse }
func (m *tableModel) Embed(h, r, t int64) (a, b, c []float64) { return nil, nil, nil }

func (m *tableModel) ScoreTails(h, r int64, dst []float64) {
	fill(dst, m.tails[pairKey{h, r}])
}

func (m *tableModel) ScoreHeads(t, r int64, dst []float64) {
	fill(dst, m.heads[pairKey{t, r}])
}

func fill(dst, src []float64) {
	clear(dst)
	copy(dst, src)
}

func scenarioDataset() *knowledge.Dataset {
	ds := knowledge.NewDataset()
	ds.NumEntities = 10
	ds.NumRelations = 8
	ds.Train = []knowledge.Triple{{Head: 3, Relation: 7, Tail: 2}}
	ds.Test = []knowledge.Triple{{Head: 3, Relation: 7, Tail: 5}}
	ds.Valid = []knowledge.Triple{{Head: 1, Relation: 0, Tail: 4}}
	return ds
}

func TestRank_FilteredSkipsKnownTails(t *testing.T) {
	// (3, 7) has two true tails, 2 and 5. Tail 2 scores above tail 5.
	tails := make([]float64, 10)
	tails[2], tails[5] = 10, 9
	heads := make([]float64, 10)
	heads[3] = 1

	m := &tableModel{
		order: model.OrderDescending,
		tails: map[pairKey][]float64{{3, 7}: tails},
		heads: map[pairKey][]float64{{5, 7}: heads},
	}
	e, err := New(m, scenarioDataset(), Config{Split: knowledge.SplitTest})
	require.NoError(t, err)

	rec, err := e.Rank(knowledge.Triple{Head: 3, Relation: 7, Tail: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TailRank)
	assert.Equal(t, rec.TailRank-1, rec.FilteredTailRank)
	assert.Equal(t, 0, rec.HeadRank)
	assert.Equal(t, 0, rec.FilteredHeadRank)
}

func TestRank_AscendingOrder(t *testing.T) {
	tails := []float64{5, 4, 3, 2, 1, 0.5, 6, 7, 8, 9}
	m := &tableModel{
		order: model.OrderAscending,
		tails: map[pairKey][]float64{{3, 7}: tails},
	}
	e, err := New(m, scenarioDataset(), Config{Split: knowledge.SplitTest})
	require.NoError(t, err)

	rec, err := e.Rank(knowledge.Triple{Head: 3, Relation: 7, Tail: 2})
	require.NoError(t, err)
	// 5, 4 and 3 score lower than 2; tail 5 is known true for (3, 7).
	assert.Equal(t, 3, rec.TailRank)
	assert.Equal(t, 2, rec.FilteredTailRank)
}

func TestRank_InverseHeadBucket(t *testing.T) {
	ds := scenarioDataset()
	ds.Train = append(ds.Train, knowledge.Triple{Head: 8, Relation: 7, Tail: 5})

	heads := make([]float64, 10)
	heads[8], heads[3] = 2, 1
	for _, inverse := range []bool{false, true} {
		m := &tableModel{
			order:   model.OrderDescending,
			inverse: inverse,
			heads:   map[pairKey][]float64{{5, 7}: heads},
		}
		e, err := New(m, ds, Config{Split: knowledge.SplitTest})
		require.NoError(t, err)

		rec, err := e.Rank(knowledge.Triple{Head: 3, Relation: 7, Tail: 5})
		require.NoError(t, err)
		assert.Equal(t, 1, rec.HeadRank)
		assert.Equal(t, 0, rec.FilteredHeadRank)
	}
}

func TestRank_MissingTruthIsInvariantViolation(t *testing.T) {
	m := &tableModel{order: model.OrderDescending}
	e, err := New(m, scenarioDataset(), Config{Split: knowledge.SplitTest})
	require.NoError(t, err)

	_, err = e.Rank(knowledge.Triple{Head: 3, Relation: 7, Tail: 12})
	require.Error(t, err)
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrInvariantViolation))
	assert.True(t, kgerrors.IsCategory(err, kgerrors.CategoryInvariant))
}

func randomDataset(rng *rand.Rand, entities, relations int64, n int) *knowledge.Dataset {
	ds := knowledge.NewDataset()
	ds.NumEntities = entities
	ds.NumRelations = relations
	draw := func() knowledge.Triple {
		return knowledge.Triple{Head: rng.Int63n(entities), Relation: rng.Int63n(relations), Tail: rng.Int63n(entities)}
	}
	for i := 0; i < n; i++ {
		ds.Train = append(ds.Train, draw())
		ds.Test = append(ds.Test, draw())
	}
	return ds
}

func randomModel(rng *rand.Rand, entities, relations int64) *tableModel {
	m := &tableModel{
		order: model.OrderAscending,
		tails: make(map[pairKey][]float64),
		heads: make(map[pairKey][]float64),
	}
	for e := int64(0); e < entities; e++ {
		for r := int64(0); r < relations; r++ {
			t := make([]float64, entities)
			h := make([]float64, entities)
			for i := range t {
				t[i] = float64(rng.Intn(5))
				h[i] = float64(rng.Intn(5))
			}
			m.tails[pairKey{e, r}] = t
			m.heads[pairKey{e, r}] = h
		}
	}
	return m
}

func TestFilteredRankNeverExceedsRaw(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ds := randomDataset(rng, 15, 3, 60)
	e, err := New(randomModel(rng, 15, 3), ds, Config{Split: knowledge.SplitTest, Workers: 4})
	require.NoError(t, err)

	for _, tr := range ds.Test {
		rec, err := e.Rank(tr)
		require.NoError(t, err)
		assert.LessOrEqual(t, rec.FilteredHeadRank, rec.HeadRank)
		assert.LessOrEqual(t, rec.FilteredTailRank, rec.TailRank)
	}

	m, err := e.FullTest(context.Background(), 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, m.FilteredMeanRank, m.MeanRank)
	assert.GreaterOrEqual(t, m.FilteredMRR, m.MRR)
	for _, k := range []int{1, 3, 5, 10} {
		assert.GreaterOrEqual(t, m.FilteredHits[k], m.Hits[k])
	}
	assert.LessOrEqual(t, m.Hits[1], m.Hits[3])
	assert.LessOrEqual(t, m.Hits[3], m.Hits[5])
	assert.LessOrEqual(t, m.Hits[5], m.Hits[10])
}

func TestTests_DeterministicAcrossWorkers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ds := randomDataset(rng, 12, 2, 40)
	m := randomModel(rng, 12, 2)

	serial, err := New(m, ds, Config{Split: knowledge.SplitTest, Workers: 1})
	require.NoError(t, err)
	parallel, err := New(m, ds, Config{Split: knowledge.SplitTest, Workers: 8})
	require.NoError(t, err)

	a, err := serial.FullTest(context.Background(), 1)
	require.NoError(t, err)
	b, err := parallel.FullTest(context.Background(), 1)
	require.NoError(t, err)
	a.Elapsed, b.Elapsed = 0, 0
	assert.Equal(t, a, b)
}

func TestMiniTest_CapsTriples(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	ds := randomDataset(rng, 8, 2, 20)
	e, err := New(randomModel(rng, 8, 2), ds, Config{Split: knowledge.SplitTest, TestNum: 5})
	require.NoError(t, err)

	mini, err := e.MiniTest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, mini.Triples)

	full, err := e.FullTest(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 20, full.Triples)

	results := e.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Epoch)
	assert.Equal(t, 3, results[1].Epoch)
}

func TestTest_CancelledContext(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	ds := randomDataset(rng, 8, 2, 20)
	e, err := New(randomModel(rng, 8, 2), ds, Config{Split: knowledge.SplitTest})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.FullTest(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.Results())
}

func TestNew_Errors(t *testing.T) {
	m := &tableModel{}

	_, err := New(m, scenarioDataset(), Config{Split: knowledge.SplitTrain})
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrUnknownSplit))

	ds := scenarioDataset()
	ds.Valid = nil
	_, err = New(m, ds, Config{Split: knowledge.SplitValid})
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrConfigInvalid))
}

func TestAggregate(t *testing.T) {
	records := []RankRecord{
		{HeadRank: 0, FilteredHeadRank: 0, TailRank: 2, FilteredTailRank: 1},
	}
	m := Aggregate(4, records, []int{1, 3})

	assert.Equal(t, 4, m.Epoch)
	assert.Equal(t, 1, m.Triples)
	assert.InDelta(t, 1.0, m.MeanRank, 1e-12)
	assert.InDelta(t, 0.5, m.FilteredMeanRank, 1e-12)
	assert.InDelta(t, (1.0+1.0/3)/2, m.MRR, 1e-12)
	assert.InDelta(t, 0.75, m.FilteredMRR, 1e-12)
	assert.InDelta(t, 0.5, m.Hits[1], 1e-12)
	assert.InDelta(t, 0.5, m.FilteredHits[1], 1e-12)
	assert.InDelta(t, 1.0, m.Hits[3], 1e-12)

	empty := Aggregate(0, nil, []int{1})
	assert.Zero(t, empty.Triples)
	assert.Zero(t, empty.MeanRank)
}

func TestAggregate_RepeatedCutoffsStayFractions(t *testing.T) {
	m := Aggregate(0, []RankRecord{{}}, []int{1, 1, 3})
	assert.InDelta(t, 1.0, m.Hits[1], 1e-12)
	assert.InDelta(t, 1.0, m.FilteredHits[1], 1e-12)
	assert.Len(t, m.Hits, 2)

	rng := rand.New(rand.NewSource(1))
	e, err := New(randomModel(rng, 6, 1), randomDataset(rng, 6, 1, 10), Config{Split: knowledge.SplitTest, Hits: []int{10, 1, 10, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 10}, e.cfg.Hits)

	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, []Metrics{m}, []int{3, 1, 1}))
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, "epoch,kind,mean_rank,filtered_mean_rank,mrr,filtered_mrr,hits1,filtered_hits1,hits3,filtered_hits3", header)
}

func TestMetrics_Value(t *testing.T) {
	m := Aggregate(0, []RankRecord{{HeadRank: 2, FilteredHeadRank: 0, TailRank: 4, FilteredTailRank: 2}}, []int{1, 3, 5, 10})

	tests := []struct {
		name string
		want float64
	}{
		{"mr", 3},
		{"fmr", 1},
		{"mrr", (1.0/3 + 1.0/5) / 2},
		{"fmrr", (1 + 1.0/3) / 2},
		{"hit3", 0.5},
		{"fhit1", 0.5},
		{"fhit3", 1},
		{"hit10", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := m.Value(tt.name)
			require.True(t, ok)
			assert.InDelta(t, tt.want, v, 1e-12)
		})
	}

	for _, name := range []string{"loss", "hit7", "hits", "fhit", ""} {
		_, ok := m.Value(name)
		assert.False(t, ok, name)
	}
}

func TestSaveTestSummary(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ds := randomDataset(rng, 6, 1, 10)
	e, err := New(randomModel(rng, 6, 1), ds, Config{Split: knowledge.SplitTest, Hits: []int{1, 3}})
	require.NoError(t, err)

	_, err = e.MiniTest(context.Background(), 0)
	require.NoError(t, err)
	_, err = e.MiniTest(context.Background(), 5)
	require.NoError(t, err)
	_, err = e.FullTest(context.Background(), 5)
	require.NoError(t, err)

	dir := t.TempDir()
	first, err := e.SaveTestSummary(dir, "Table")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(first, "Table_Testing_results_0.csv"))

	second, err := e.SaveTestSummary(dir, "Table")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(second, "Table_Testing_results_1.csv"))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "epoch,kind,mean_rank,filtered_mean_rank,mrr,filtered_mrr,hits1,filtered_hits1,hits3,filtered_hits3", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,mini,"))
	assert.True(t, strings.HasPrefix(lines[2], "5,mini,"))
	assert.True(t, strings.HasPrefix(lines[3], "5,full,"))
}

func TestDisplaySummary(t *testing.T) {
	e, err := New(&tableModel{}, scenarioDataset(), Config{Split: knowledge.SplitTest, Hits: []int{1, 10}})
	require.NoError(t, err)

	var buf bytes.Buffer
	e.DisplaySummary(&buf, Aggregate(2, []RankRecord{{}}, []int{1, 10}))
	out := buf.String()
	assert.Contains(t, out, "Test Results for Table: Epoch: 2")
	assert.Contains(t, out, "# of entities, # of relations: 10, 8")
	assert.Contains(t, out, "--hits10 ")
	assert.Contains(t, out, "--filtered hits1 ")
}
