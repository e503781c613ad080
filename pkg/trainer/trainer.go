// Package trainer drives the training of a knowledge graph embedding model:
// it pulls batches from the generator, executes optimization steps, runs
// periodic link prediction evaluations and stops early when the monitored
// metric stagnates.
package trainer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cnclabs/kge/pkg/checkpoint"
	"github.com/cnclabs/kge/pkg/config"
	"github.com/cnclabs/kge/pkg/device"
	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/evaluator"
	"github.com/cnclabs/kge/pkg/generator"
	"github.com/cnclabs/kge/pkg/knowledge"
	"github.com/cnclabs/kge/pkg/logging"
	"github.com/cnclabs/kge/pkg/model"
	"github.com/cnclabs/kge/pkg/optim"
)

// State is the phase of a training run
type State int

const (
	StateIdle State = iota
	StateTraining
	StateEvaluating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateEvaluating:
		return "evaluating"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Evaluator is the link prediction evaluation used by the training loop
type Evaluator interface {
	MiniTest(ctx context.Context, epoch int) (evaluator.Metrics, error)
	FullTest(ctx context.Context, epoch int) (evaluator.Metrics, error)
	SaveTestSummary(dir, name string) (string, error)
	DisplaySummary(w io.Writer, m evaluator.Metrics)
}

// Trainer trains one model on one dataset
type Trainer struct {
	model  model.Model
	ds     *knowledge.Dataset
	cfg    *config.Config
	dev    *device.Context
	ownDev bool // dev was created by New and is closed by Close
	logger *slog.Logger
	out    io.Writer
	eval   Evaluator

	opt   optim.Optimizer
	step  *stepper
	gen   *generator.Generator
	built bool

	lossHistory []float64

	mu    sync.Mutex
	state State
}

// Option configures a Trainer
type Option func(*Trainer)

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) {
		t.logger = l
	}
}

// WithEvaluator replaces the rank evaluator built from the configuration
func WithEvaluator(e Evaluator) Option {
	return func(t *Trainer) {
		t.eval = e
	}
}

// WithContext sets the execution context of the run
func WithContext(dev *device.Context) Option {
	return func(t *Trainer) {
		t.dev = dev
	}
}

// WithOutput sets the writer for human readable summaries and progress
func WithOutput(w io.Writer) Option {
	return func(t *Trainer) {
		t.out = w
	}
}

// New creates a trainer. Call Build before TrainModel to surface
// configuration errors early; TrainModel builds on demand otherwise.
func New(m model.Model, ds *knowledge.Dataset, cfg *config.Config, opts ...Option) *Trainer {
	t := &Trainer{
		model:  m,
		ds:     ds,
		cfg:    cfg,
		logger: logging.Discard(),
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dev == nil {
		var devOpts []device.Option
		if cfg.Training.Seed != 0 {
			devOpts = append(devOpts, device.WithSeed(cfg.Training.Seed))
		}
		if cfg.Evaluation.Workers > 0 {
			devOpts = append(devOpts, device.WithWorkers(cfg.Evaluation.Workers))
		}
		t.dev = device.New(devOpts...)
		t.ownDev = true
	}
	t.logger = t.logger.With("model", m.Name(), "run", t.dev.ID.String())
	return t
}

// State returns the current phase
func (t *Trainer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Trainer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Close releases the execution context if the trainer created it. An
// injected context stays open for its owner to close.
func (t *Trainer) Close() error {
	if !t.ownDev {
		return nil
	}
	return t.dev.Close()
}

func (t *Trainer) checkContext() error {
	if t.dev.Closed() {
		return kgerrors.ResourceErrorf(kgerrors.ErrContextClosed, "execution context %s is closed", t.dev.ID)
	}
	return nil
}

// Build resolves the optimizer, binds the step executor to the model's
// training strategy and constructs the evaluator.
func (t *Trainer) Build() error {
	if err := t.checkContext(); err != nil {
		return err
	}
	if err := t.cfg.Validate(); err != nil {
		return err
	}

	opt, err := optim.New(t.cfg.Training.Optimizer, t.cfg.Training.LearningRate)
	if err != nil {
		return err
	}
	step, err := newStepper(t.model, opt)
	if err != nil {
		return err
	}

	if t.eval == nil {
		e, err := evaluator.New(t.model, t.ds, evaluator.Config{
			TestNum: t.cfg.Evaluation.TestNum,
			Hits:    t.cfg.Evaluation.Hits,
			Split:   knowledge.Split(t.cfg.Evaluation.Split),
			Workers: t.dev.Workers,
		}, evaluator.WithLogger(t.logger))
		if err != nil {
			return err
		}
		t.eval = e
	}

	t.opt, t.step = opt, step
	t.built = true
	t.summary()
	return nil
}

func (t *Trainer) summary() {
	tc := t.cfg.Training
	fmt.Fprintln(t.out, "Model:")
	fmt.Fprintf(t.out, "\t[%s]\n", t.model.Name())
	fmt.Fprintln(t.out)

	fmt.Fprintln(t.out, "Model Setting:")
	fmt.Fprintf(t.out, "\tstrategy:\t\t%s\n", t.model.Strategy())
	fmt.Fprintf(t.out, "\tentities:\t\t%d\n", t.ds.NumEntities)
	fmt.Fprintf(t.out, "\trelations:\t\t%d\n", t.ds.NumRelations)
	fmt.Fprintf(t.out, "\ttrain triples:\t\t%d\n", t.ds.TotTrainTriples())
	for _, p := range t.model.Params() {
		fmt.Fprintf(t.out, "\t%s:\t%dx%d\n", p.Name, p.Rows, p.Cols)
	}
	fmt.Fprintln(t.out)

	fmt.Fprintln(t.out, "Learning Parameters:")
	fmt.Fprintf(t.out, "\tepochs:\t\t\t%d\n", tc.Epochs)
	fmt.Fprintf(t.out, "\tbatch_size:\t\t%d\n", tc.BatchSize)
	fmt.Fprintf(t.out, "\toptimizer:\t\t%s\n", t.opt.Name())
	fmt.Fprintf(t.out, "\tlearning_rate:\t\t%.6f\n", tc.LearningRate)
	if t.model.Strategy() == model.StrategyProjection {
		fmt.Fprintf(t.out, "\tlabel_smoothing:\t%.3f\n", tc.LabelSmoothing)
	} else {
		fmt.Fprintf(t.out, "\tnegative_rate:\t\t%d\n", tc.NegativeRate)
		fmt.Fprintf(t.out, "\tsampling:\t\t%s\n", tc.Sampling)
	}
	fmt.Fprintf(t.out, "\tworkers:\t\t%d\n", t.dev.Workers)
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, t.dev.Describe())
}

// TrainModel runs the training loop and returns the index of the last epoch
// executed: epochs-1 on completion, the stopping epoch when early stopping
// fired, or -1 when the parameters were restored from a checkpoint instead.
func (t *Trainer) TrainModel(ctx context.Context, monitorName string) (int, error) {
	monitor, err := ParseMonitor(monitorName)
	if err != nil {
		return 0, err
	}
	if err := t.checkContext(); err != nil {
		return 0, err
	}
	if !t.built {
		if err := t.Build(); err != nil {
			return 0, err
		}
	}
	if err := t.checkMonitor(monitor); err != nil {
		return 0, err
	}
	defer t.setState(StateStopped)

	if t.cfg.Output.LoadFromData {
		return -1, t.restore(ctx)
	}

	gen, err := generator.New(ctx, t.generatorConfig(), t.ds)
	if err != nil {
		return 0, err
	}
	t.gen = gen
	defer func() {
		if err := gen.Stop(); err != nil {
			t.logger.Error("batch generator did not stop", "error", err)
		}
	}()

	stopper := NewEarlyStopper(monitor, t.cfg.EarlyStopping.Patience, t.cfg.EarlyStopping.EarlyStopEpoch)
	t.lossHistory = t.lossHistory[:0]
	epochs := t.cfg.Training.Epochs
	numBatches := t.batchesPerEpoch()

	fmt.Fprintln(t.out, "Start Training:")
	last := 0
	for epoch := 0; epoch < epochs; epoch++ {
		last = epoch
		t.setState(StateTraining)

		loss, err := t.trainEpoch(ctx, epoch, numBatches)
		if err != nil {
			t.logger.Error("training aborted", "epoch", epoch, "error", err)
			return epoch, err
		}

		stop := false
		if monitor == MonitorLoss {
			stop = stopper.Observe(epoch, loss)
		}

		if epoch%t.cfg.Evaluation.TestStep == 0 || epoch == 0 || epoch == epochs-1 {
			t.setState(StateEvaluating)
			m, err := t.eval.MiniTest(ctx, epoch)
			if err != nil {
				t.logger.Error("evaluation aborted", "epoch", epoch, "error", err)
				return epoch, err
			}
			if monitor != MonitorLoss {
				v, _ := m.Value(monitor.String())
				stop = stopper.Observe(epoch, v)
			}
		}

		if stop {
			t.logger.Info("early stopping",
				"epoch", epoch,
				"monitor", monitor.String(),
				"patience", t.cfg.EarlyStopping.Patience)
			break
		}
	}

	if err := gen.Stop(); err != nil {
		return last, err
	}
	if err := t.finish(ctx, last); err != nil {
		return last, err
	}
	return last, nil
}

// checkMonitor rejects hit monitors whose cutoff is not evaluated
func (t *Trainer) checkMonitor(monitor Monitor) error {
	name := monitor.String()
	rest, ok := strings.CutPrefix(strings.TrimPrefix(name, "f"), "hit")
	if !ok {
		return nil
	}
	k, _ := strconv.Atoi(rest)
	for _, h := range t.cfg.Evaluation.Hits {
		if h == k {
			return nil
		}
	}
	return kgerrors.ConfigErrorf(kgerrors.ErrUnknownMonitor, "monitor %s needs hits cutoff %d", name, k).
		WithSuggestion(fmt.Sprintf("Add %d to evaluation.hits", k))
}

func (t *Trainer) generatorConfig() generator.Config {
	tc := t.cfg.Training
	cfg := generator.Config{
		BatchSize:      tc.BatchSize,
		NegativeRate:   tc.NegativeRate,
		Sampling:       tc.Sampling,
		Strategy:       t.model.Strategy(),
		LabelSmoothing: tc.LabelSmoothing,
		QueueSize:      tc.QueueSize,
		StopTimeout:    tc.StopTimeout,
		Rand:           t.dev.Rand(1),
	}
	if pm, ok := t.model.(model.PointwiseModel); ok {
		cfg.Labels = pm.Labels()
	}
	if im, ok := t.model.(model.InverseRelationModel); ok {
		cfg.InverseRelations = im.InverseRelations()
	}
	return cfg
}

func (t *Trainer) batchesPerEpoch() int {
	if t.cfg.Training.Debug {
		return t.cfg.Training.DebugBatches
	}
	return max(1, t.ds.TotTrainTriples()/t.cfg.Training.BatchSize)
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch, numBatches int) (float64, error) {
	progress := logging.NewProgress(t.out, numBatches, nil)
	defer progress.Done()

	acc := 0.0
	for b := 0; b < numBatches; b++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := t.gen.Next(ctx)
		if err != nil {
			return 0, err
		}
		loss, err := t.step.step(epoch, b, batch)
		if err != nil {
			return 0, err
		}
		acc += loss
		progress.Update(b+1, loss)
	}

	t.lossHistory = append(t.lossHistory, acc)
	t.logger.Info("epoch finished",
		"epoch", epoch,
		"loss", acc,
		"batches", numBatches,
		"elapsed", progress.Elapsed().Round(time.Millisecond).String())
	return acc, nil
}

// finish runs the full test and writes every configured output
func (t *Trainer) finish(ctx context.Context, epoch int) error {
	t.setState(StateEvaluating)
	m, err := t.eval.FullTest(ctx, epoch)
	if err != nil {
		return err
	}
	t.eval.DisplaySummary(t.out, m)

	dir := t.cfg.Output.ResultDir
	path, err := t.saveTrainingResult(dir)
	if err != nil {
		return err
	}
	t.logger.Info("training results saved", "path", path)

	if path, err = t.eval.SaveTestSummary(dir, t.model.Name()); err != nil {
		return err
	}
	t.logger.Info("test summary saved", "path", path)

	if t.cfg.Output.SaveModel {
		if err := t.SaveModel(); err != nil {
			return err
		}
	}
	if t.cfg.Output.ExportEmbeddings {
		if err := t.ExportEmbeddings(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) restore(ctx context.Context) error {
	if err := t.LoadModel(); err != nil {
		return err
	}
	t.setState(StateEvaluating)
	m, err := t.eval.FullTest(ctx, 0)
	if err != nil {
		return err
	}
	t.eval.DisplaySummary(t.out, m)
	return nil
}

// LossHistory returns the accumulated loss of every epoch of the last run
func (t *Trainer) LossHistory() []float64 {
	return append([]float64(nil), t.lossHistory...)
}

func (t *Trainer) saveTrainingResult(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, "failed to create result directory")
	}
	path := evaluator.ResultPath(dir, t.model.Name(), "Training_results")
	f, err := os.Create(path)
	if err != nil {
		return "", kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, "failed to create training results").
			WithContext("path", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"epoch", "loss"})
	for epoch, loss := range t.lossHistory {
		w.Write([]string{strconv.Itoa(epoch), strconv.FormatFloat(loss, 'f', 6, 64)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, "failed to write training results").
			WithContext("path", path)
	}
	return path, f.Close()
}

func (t *Trainer) checkpointPath() string {
	return checkpoint.Path(t.cfg.Output.TmpDir, t.model.Name())
}

// SaveModel writes the model parameters to <tmp_dir>/<model>/model.vec
func (t *Trainer) SaveModel() error {
	path := t.checkpointPath()
	if err := checkpoint.Save(path, t.model.Name(), t.dev.ID.String(), t.model.Params()); err != nil {
		return err
	}
	fmt.Fprintln(t.out, "Save Model:")
	fmt.Fprintf(t.out, "\tParameters saved to <%s>\n", path)
	return nil
}

// LoadModel restores the model parameters from <tmp_dir>/<model>/model.vec
func (t *Trainer) LoadModel() error {
	path := t.checkpointPath()
	header, err := checkpoint.Load(path, t.model.Params())
	if err != nil {
		return err
	}
	t.logger.Info("model restored",
		"path", path,
		"saved_by", header.RunID,
		"saved_at", header.SavedAt.Format(time.RFC3339))
	return nil
}

// ExportEmbeddings writes every entity and relation table as TSV vectors
// with a metadata file of names under <embedding_dir>/<model>.
func (t *Trainer) ExportEmbeddings() error {
	dir := filepath.Join(t.cfg.Output.EmbeddingDir, t.model.Name())
	for _, p := range t.model.Params() {
		names := t.rowNames(p)
		if names == nil {
			t.logger.Debug("skipping export of parameter", "param", p.Name, "rows", p.Rows)
			continue
		}
		if err := checkpoint.ExportTSV(dir, p.Name, p, names); err != nil {
			return err
		}
	}
	fmt.Fprintln(t.out, "Export Embeddings:")
	fmt.Fprintf(t.out, "\tEmbeddings saved to <%s>\n", dir)
	return nil
}

// rowNames returns entity or relation names matching the rows of p.
// Inverse relation rows are named <relation>_inv.
func (t *Trainer) rowNames(p *model.Param) []string {
	rows := int64(p.Rows)
	if strings.HasPrefix(p.Name, "ent") && rows == t.ds.NumEntities {
		return t.ds.EntityKeys
	}
	switch rows {
	case t.ds.NumRelations:
		return t.ds.RelationKeys
	case 2 * t.ds.NumRelations:
		names := append([]string(nil), t.ds.RelationKeys...)
		for _, r := range t.ds.RelationKeys {
			names = append(names, r+"_inv")
		}
		return names
	case t.ds.NumEntities:
		return t.ds.EntityKeys
	}
	return nil
}
