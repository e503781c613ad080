package errors

// -----------------------------------------------------------------------------
// Configuration Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrUnknownOptimizer indicates an optimizer name outside sgd/rms/adam/adagrad/adadelta.
	ErrUnknownOptimizer = "UNKNOWN_OPTIMIZER"

	// ErrUnknownMonitor indicates an early-stopping monitor name that is not recognized.
	ErrUnknownMonitor = "UNKNOWN_MONITOR"

	// ErrUnknownStrategy indicates a model declaring a training strategy the
	// step executor cannot bind, or lacking the capability for it.
	ErrUnknownStrategy = "UNKNOWN_STRATEGY"

	// ErrUnknownSampling indicates a negative sampling policy other than uniform/bern.
	ErrUnknownSampling = "UNKNOWN_SAMPLING"

	// ErrUnknownSplit indicates an evaluation split other than valid/test.
	ErrUnknownSplit = "UNKNOWN_SPLIT"

	// ErrEmptyTrainSet indicates the training split holds no triples.
	ErrEmptyTrainSet = "EMPTY_TRAIN_SET"

	// ErrConfigInvalid indicates a configuration value outside its valid range.
	ErrConfigInvalid = "CONFIG_INVALID"

	// ErrConfigNotFound indicates the configuration file does not exist.
	ErrConfigNotFound = "CONFIG_NOT_FOUND"

	// ErrConfigParseFailed indicates the configuration file is not valid YAML.
	ErrConfigParseFailed = "CONFIG_PARSE_FAILED"
)

// -----------------------------------------------------------------------------
// Runtime Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrNumericalFailure indicates a NaN or Inf loss.
	ErrNumericalFailure = "NUMERICAL_FAILURE"

	// ErrGeneratorStopTimeout indicates the batch producer did not exit in time.
	ErrGeneratorStopTimeout = "GENERATOR_STOP_TIMEOUT"

	// ErrGeneratorStopped indicates Next was called on a stopped generator.
	ErrGeneratorStopped = "GENERATOR_STOPPED"

	// ErrInvariantViolation indicates a broken internal guarantee.
	ErrInvariantViolation = "INVARIANT_VIOLATION"

	// ErrContextClosed indicates a run on a closed execution context.
	ErrContextClosed = "CONTEXT_CLOSED"
)

// -----------------------------------------------------------------------------
// IO Error Codes
// -----------------------------------------------------------------------------

const (
	ErrCheckpointWriteFailed = "CHECKPOINT_WRITE_FAILED"
	ErrCheckpointReadFailed  = "CHECKPOINT_READ_FAILED"

	// ErrCheckpointMismatch indicates a stored tensor whose name or shape
	// does not match the model's parameter list.
	ErrCheckpointMismatch = "CHECKPOINT_MISMATCH"

	ErrExportFailed  = "EXPORT_FAILED"
	ErrDatasetFailed = "DATASET_FAILED"
)
