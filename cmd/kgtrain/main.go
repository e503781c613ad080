package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cnclabs/kge/internal/models"
	"github.com/cnclabs/kge/pkg/config"
	"github.com/cnclabs/kge/pkg/device"
	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/knowledge"
	"github.com/cnclabs/kge/pkg/logging"
	"github.com/cnclabs/kge/pkg/trainer"
)

func main() {
	// Define command-line flags
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when missing)")
	initConfig := flag.String("init_config", "", "Write the default configuration to this path and exit")
	data := flag.String("data", "", "Dataset directory holding train.txt, valid.txt and test.txt")
	modelName := flag.String("model", "", "Model: "+strings.Join(models.Names, ", "))
	hidden := flag.Int("hidden_size", 0, "Embedding dimension")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch_size", 0, "Batch size for training")
	optimizer := flag.String("optimizer", "", "Optimizer: sgd, rms, adam, adagrad, adadelta")
	lr := flag.Float64("learning_rate", 0, "Learning rate")
	sampling := flag.String("sampling", "", "Negative sampling: uniform or bern")
	monitor := flag.String("monitor", "", "Early stopping monitor: loss, mr, fmr, mrr, fmrr, hit<k>, fhit<k>")
	patience := flag.Int("patience", 0, "Tolerated consecutive worsenings (negative disables early stopping)")
	split := flag.String("test_split", "", "Held-out split used for evaluation: valid or test")
	seed := flag.Int64("seed", 0, "Random seed")
	workers := flag.Int("workers", 0, "Evaluation workers (default: all cores)")
	debug := flag.Bool("debug", false, "Cap every epoch at debug_batches batches")
	saveModel := flag.Bool("save_model", false, "Save the trained parameters")
	loadFromData := flag.Bool("load_from_data", false, "Restore saved parameters instead of training")
	export := flag.Bool("export_embeddings", false, "Export embeddings as TSV")
	infer := flag.String("infer", "", "After training, print the top tails of \"head relation\"")
	topk := flag.Int("topk", 10, "Number of predictions printed by -infer")
	verbose := flag.Bool("v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Println("[kgtrain]")
		fmt.Println("\tKnowledge graph embedding training and link prediction evaluation")
		fmt.Println()
		fmt.Println("Models:")
		fmt.Println("\ttranse\t\tpairwise margin ranking, h + r ≈ t")
		fmt.Println("\trotate\t\tpointwise logistic loss, h ∘ r ≈ t in complex space")
		fmt.Println("\tcomplex\t\t1-N projection with inverse relations, Re(<h, r, conj(t)>)")
		fmt.Println()
		fmt.Println("Input format (one file per split):")
		fmt.Println("\thead relation tail")
		fmt.Println("\tExample: Barack_Obama born_in Hawaii")
		fmt.Println()
		fmt.Println("Options Description:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("./kgtrain -data ./dataset/FB15k -model transe -epochs 500 -monitor fmr")
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("\t# Write a configuration to edit")
		fmt.Println("\t./kgtrain -init_config kge.yaml")
		fmt.Println()
		fmt.Println("\t# Train ComplEx and keep the parameters")
		fmt.Println("\t./kgtrain -config kge.yaml -data ./dataset/WN18RR -model complex -save_model")
		fmt.Println()
		fmt.Println("\t# Reload them and query the model")
		fmt.Println("\t./kgtrain -config kge.yaml -data ./dataset/WN18RR -model complex -load_from_data \\")
		fmt.Println("\t          -infer \"06845599 _member_of_domain_usage\"")
	}

	flag.Parse()

	if *initConfig != "" {
		if err := config.Default().Save(*initConfig); err != nil {
			fmt.Printf("Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *initConfig)
		return
	}

	// Check required parameters
	if *data == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		exit(err)
	}

	// Flags given explicitly override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model":
			cfg.Model.Name = *modelName
		case "hidden_size":
			cfg.Model.HiddenSize = *hidden
		case "epochs":
			cfg.Training.Epochs = *epochs
		case "batch_size":
			cfg.Training.BatchSize = *batchSize
		case "optimizer":
			cfg.Training.Optimizer = *optimizer
		case "learning_rate":
			cfg.Training.LearningRate = *lr
		case "sampling":
			cfg.Training.Sampling = *sampling
		case "monitor":
			cfg.EarlyStopping.Monitor = *monitor
		case "patience":
			cfg.EarlyStopping.Patience = *patience
		case "test_split":
			cfg.Evaluation.Split = *split
		case "seed":
			cfg.Training.Seed = *seed
		case "workers":
			cfg.Evaluation.Workers = *workers
		case "debug":
			cfg.Training.Debug = *debug
		case "save_model":
			cfg.Output.SaveModel = *saveModel
		case "load_from_data":
			cfg.Output.LoadFromData = *loadFromData
		case "export_embeddings":
			cfg.Output.ExportEmbeddings = *export
		}
	})

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level)

	startTime := time.Now()

	fmt.Println("Loading knowledge graph...")
	ds, err := knowledge.LoadDataset(*data)
	if err != nil {
		exit(err)
	}
	loadTime := time.Since(startTime)
	fmt.Printf("Knowledge graph loaded in %.2f seconds\n", loadTime.Seconds())
	fmt.Println()

	var devOpts []device.Option
	if cfg.Training.Seed != 0 {
		devOpts = append(devOpts, device.WithSeed(cfg.Training.Seed))
	}
	if cfg.Evaluation.Workers > 0 {
		devOpts = append(devOpts, device.WithWorkers(cfg.Evaluation.Workers))
	}
	dev := device.New(devOpts...)
	defer dev.Close()

	m, err := models.New(cfg.Model, ds.NumEntities, ds.NumRelations, dev.Rand(0))
	if err != nil {
		exit(err)
	}

	tr := trainer.New(m, ds, cfg, trainer.WithLogger(logger), trainer.WithContext(dev))
	if err := tr.Build(); err != nil {
		exit(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	trainStartTime := time.Now()
	last, err := tr.TrainModel(ctx, cfg.EarlyStopping.Monitor)
	if err != nil {
		exit(err)
	}
	trainTime := time.Since(trainStartTime)
	logger.Info("run finished", "last_epoch", last)

	if *infer != "" {
		if err := printInference(tr, ds, *infer, *topk); err != nil {
			exit(err)
		}
	}

	totalTime := time.Since(startTime)
	fmt.Println()
	fmt.Println("Timing Summary")
	fmt.Printf("Loading time:     %.2f seconds\n", loadTime.Seconds())
	fmt.Printf("Training time:    %.2f seconds\n", trainTime.Seconds())
	fmt.Printf("Total time:       %.2f seconds\n", totalTime.Seconds())
}

// printInference resolves "head relation" by name and prints the top tails
func printInference(tr *trainer.Trainer, ds *knowledge.Dataset, query string, k int) error {
	fields := strings.Fields(query)
	if len(fields) != 2 {
		return kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "infer expects \"head relation\", got %q", query)
	}
	head, ok := ds.EntityHash[fields[0]]
	if !ok {
		return kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "unknown entity %q", fields[0])
	}
	rel, ok := ds.RelationHash[fields[1]]
	if !ok {
		return kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "unknown relation %q", fields[1])
	}

	preds, err := tr.InferTails(head, rel, k)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("Top %d tails for (%s, %s, ?):\n", len(preds), fields[0], fields[1])
	for i, p := range preds {
		fmt.Printf("\t%d\t%s\t%.4f\n", i+1, p.Name, p.Score)
	}
	return nil
}

// exit prints err with its structured context and terminates
func exit(err error) {
	if e, ok := kgerrors.As(err); ok {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Code, e.Message)
		if ctx := e.ContextString(); ctx != "" {
			fmt.Fprintf(os.Stderr, "\t%s\n", ctx)
		}
		if e.Cause != nil {
			fmt.Fprintf(os.Stderr, "\tcause: %v\n", e.Cause)
		}
		for _, s := range e.Suggestions {
			fmt.Fprintf(os.Stderr, "\t- %s\n", s)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
