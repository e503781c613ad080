package trainer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

func TestTrainModel_FullRun(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	m := newPairwiseModel(ds, 3, 2, 1)
	eval := &scriptedEvaluator{}

	var out bytes.Buffer
	tr := New(m, ds, cfg, WithEvaluator(eval), WithOutput(&out), WithContext(testContext()))
	require.NoError(t, tr.Build())
	assert.Equal(t, StateIdle, tr.State())

	last, err := tr.TrainModel(context.Background(), "loss")
	require.NoError(t, err)
	assert.Equal(t, cfg.Training.Epochs-1, last)
	assert.Equal(t, StateStopped, tr.State())

	assert.Equal(t, []int{0, 2}, eval.mini)
	assert.Equal(t, []int{2}, eval.full)
	assert.Equal(t, []float64{3, 2, 1}, tr.LossHistory())
	assert.Equal(t, 3, m.calls)

	assert.Contains(t, out.String(), "Model Setting:")
	assert.Contains(t, out.String(), "summary for epoch 2")

	data, err := os.ReadFile(filepath.Join(cfg.Output.ResultDir, "Fake_Training_results_0.csv"))
	require.NoError(t, err)
	assert.Equal(t, "epoch,loss\n0,3.000000\n1,2.000000\n2,1.000000\n", string(data))

	_, err = tr.gen.Next(context.Background())
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrGeneratorStopped))
}

func TestTrainModel_EarlyStopsOnMeanRank(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	cfg.Training.Epochs = 10
	cfg.Evaluation.TestStep = 1
	cfg.EarlyStopping.Patience = 1
	cfg.EarlyStopping.EarlyStopEpoch = 1

	ranks := []float64{10, 9, 8, 7, 8, 9, 10, 11, 12, 13}
	eval := &scriptedEvaluator{meanRank: func(epoch int) float64 { return ranks[epoch] }}
	tr := New(newPairwiseModel(ds, 1), ds, cfg, WithEvaluator(eval), WithOutput(io.Discard), WithContext(testContext()))

	last, err := tr.TrainModel(context.Background(), "mr")
	require.NoError(t, err)
	assert.Equal(t, 5, last)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, eval.mini)
	assert.Equal(t, []int{5}, eval.full)
	assert.Len(t, tr.LossHistory(), 6)
}

func TestTrainModel_EarlyStopsOnLoss(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	cfg.Training.Epochs = 10
	cfg.EarlyStopping.Patience = 0
	cfg.EarlyStopping.EarlyStopEpoch = 0

	tr := New(newPairwiseModel(ds, 5, 4, 3, 4, 5), ds, cfg,
		WithEvaluator(&scriptedEvaluator{}), WithOutput(io.Discard), WithContext(testContext()))

	last, err := tr.TrainModel(context.Background(), "loss")
	require.NoError(t, err)
	assert.Equal(t, 3, last)
}

func TestTrainModel_UnknownMonitor(t *testing.T) {
	ds := trainDataset(t)
	m := newPairwiseModel(ds, 1)
	eval := &scriptedEvaluator{}
	tr := New(m, ds, testConfig(t), WithEvaluator(eval), WithOutput(io.Discard))

	_, err := tr.TrainModel(context.Background(), "dummy")
	require.Error(t, err)
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrUnknownMonitor))
	assert.Contains(t, err.Error(), "Unknown monitor dummy")
	assert.Zero(t, m.calls)
	assert.Empty(t, eval.mini)
	assert.Equal(t, StateIdle, tr.State())
}

func TestTrainModel_HitMonitorNeedsCutoff(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	cfg.Evaluation.Hits = []int{1, 10}
	tr := New(newPairwiseModel(ds, 1), ds, cfg, WithEvaluator(&scriptedEvaluator{}), WithOutput(io.Discard))

	_, err := tr.TrainModel(context.Background(), "fhit3")
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrUnknownMonitor))
}

func TestTrainModel_NumericalFailureAborts(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	cfg.Training.Epochs = 5
	m := newPairwiseModel(ds, 1, nanLoss())
	eval := &scriptedEvaluator{}
	tr := New(m, ds, cfg, WithEvaluator(eval), WithOutput(io.Discard), WithContext(testContext()))

	last, err := tr.TrainModel(context.Background(), "loss")
	require.Error(t, err)
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrNumericalFailure))
	assert.Equal(t, 1, last)

	e, ok := kgerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "1", e.Context["epoch"])
	assert.Empty(t, eval.full)

	_, err = tr.gen.Next(context.Background())
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrGeneratorStopped))
	assert.Equal(t, StateStopped, tr.State())
}

func TestTrainModel_EvaluationErrorAborts(t *testing.T) {
	ds := trainDataset(t)
	boom := errors.New("boom")
	tr := New(newPairwiseModel(ds, 1), ds, testConfig(t),
		WithEvaluator(&scriptedEvaluator{err: boom}), WithOutput(io.Discard), WithContext(testContext()))

	last, err := tr.TrainModel(context.Background(), "mr")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, last)
}

func TestTrainModel_Cancelled(t *testing.T) {
	ds := trainDataset(t)
	tr := New(newPairwiseModel(ds, 1), ds, testConfig(t),
		WithEvaluator(&scriptedEvaluator{}), WithOutput(io.Discard), WithContext(testContext()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.TrainModel(ctx, "loss")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainModel_DebugBatches(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	cfg.Training.Epochs = 2
	cfg.Training.Debug = true
	cfg.Training.DebugBatches = 4
	m := newPairwiseModel(ds, 1)
	tr := New(m, ds, cfg, WithEvaluator(&scriptedEvaluator{}), WithOutput(io.Discard), WithContext(testContext()))

	_, err := tr.TrainModel(context.Background(), "loss")
	require.NoError(t, err)
	assert.Equal(t, 8, m.calls)
	assert.Equal(t, []float64{4, 4}, tr.LossHistory())
}

func TestBuild_Errors(t *testing.T) {
	ds := trainDataset(t)

	cfg := testConfig(t)
	cfg.Training.Optimizer = "lbfgs"
	err := New(newPairwiseModel(ds, 1), ds, cfg, WithOutput(io.Discard)).Build()
	require.Error(t, err)
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrUnknownOptimizer))
	assert.Contains(t, err.Error(), "No support for lbfgs optimizer")

	cfg = testConfig(t)
	cfg.Training.BatchSize = 0
	err = New(newPairwiseModel(ds, 1), ds, cfg, WithOutput(io.Discard)).Build()
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrConfigInvalid))
}

func TestTrainModel_WithRankEvaluator(t *testing.T) {
	ds := trainDataset(t)
	cfg := testConfig(t)
	cfg.Training.Epochs = 2
	cfg.Output.SaveModel = true
	cfg.Output.ExportEmbeddings = true

	var out bytes.Buffer
	m := newPairwiseModel(ds, 1)
	tr := New(m, ds, cfg, WithOutput(&out), WithContext(testContext()))

	last, err := tr.TrainModel(context.Background(), "fmrr")
	require.NoError(t, err)
	assert.Equal(t, 1, last)
	assert.Contains(t, out.String(), "Test Results for Fake")

	_, err = os.Stat(filepath.Join(cfg.Output.ResultDir, "Fake_Testing_results_0.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Output.TmpDir, "Fake", "model.vec"))
	assert.NoError(t, err)

	meta, err := os.ReadFile(filepath.Join(cfg.Output.EmbeddingDir, "Fake", "ent_embeddings_meta.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd\n", string(meta))
	meta, err = os.ReadFile(filepath.Join(cfg.Output.EmbeddingDir, "Fake", "rel_embeddings_meta.tsv"))
	require.NoError(t, err)
	assert.Equal(t, "r\ns\n", string(meta))

	// Restoring skips training and reports the checkpoint's full test.
	trained := append([]float64(nil), m.params[0].Data...)
	cfg.Output.LoadFromData = true
	restored := newPairwiseModel(ds, 1)
	out.Reset()
	last, err = New(restored, ds, cfg, WithOutput(&out), WithContext(testContext())).TrainModel(context.Background(), "loss")
	require.NoError(t, err)
	assert.Equal(t, -1, last)
	assert.Zero(t, restored.calls)
	assert.Equal(t, trained, restored.params[0].Data)
	assert.True(t, strings.Contains(out.String(), "Epoch: 0"))
}

func TestInfer(t *testing.T) {
	ds := trainDataset(t)
	tr := New(newPairwiseModel(ds, 1), ds, testConfig(t), WithOutput(io.Discard))

	tails, err := tr.InferTails(0, 0, 2)
	require.NoError(t, err)
	require.Len(t, tails, 2)
	assert.Equal(t, Prediction{Entity: 0, Name: "a", Score: 0}, tails[0])
	assert.Equal(t, "b", tails[1].Name)

	heads, err := tr.InferHeads(1, 1, 10)
	require.NoError(t, err)
	assert.Len(t, heads, 4)

	_, err = tr.InferTails(7, 0, 1)
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrConfigInvalid))
	_, err = tr.InferHeads(0, 5, 1)
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrConfigInvalid))
}

func TestClose_OwnedContext(t *testing.T) {
	ds := trainDataset(t)

	tr := New(newPairwiseModel(ds, 1), ds, testConfig(t), WithEvaluator(&scriptedEvaluator{}), WithOutput(io.Discard))
	require.NoError(t, tr.Close())
	assert.True(t, tr.dev.Closed())

	_, err := tr.TrainModel(context.Background(), "loss")
	assert.True(t, kgerrors.IsCode(err, kgerrors.ErrContextClosed))
	assert.True(t, kgerrors.IsCode(tr.Build(), kgerrors.ErrContextClosed))

	dev := testContext()
	injected := New(newPairwiseModel(ds, 1), ds, testConfig(t), WithContext(dev), WithOutput(io.Discard))
	require.NoError(t, injected.Close())
	assert.False(t, dev.Closed())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "training", StateTraining.String())
	assert.Equal(t, "evaluating", StateEvaluating.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
