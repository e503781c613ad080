// Package checkpoint persists model parameters as a compressed list of named
// tensors and exports embeddings as TSV files.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
)

// FileName is the checkpoint file inside the per-model directory
const FileName = "model.vec"

const formatVersion = 1

// Tensor is the persisted form of a model.Param
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Header describes a stored checkpoint
type Header struct {
	Version int
	Model   string
	RunID   string
	SavedAt time.Time
}

type file struct {
	Header  Header
	Tensors []Tensor
}

// Path returns <dir>/<modelName>/model.vec
func Path(dir, modelName string) string {
	return filepath.Join(dir, modelName, FileName)
}

// Save writes params to a temporary file next to path and renames it into
// place.
func Save(path, modelName, runID string, params model.ParameterList) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return writeFailed(err, path, "failed to create checkpoint directory")
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".model-*.vec")
	if err != nil {
		return writeFailed(err, path, "failed to create checkpoint")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := encode(f, modelName, runID, params); err != nil {
		f.Close()
		return writeFailed(err, path, "failed to encode checkpoint")
	}
	if err := f.Close(); err != nil {
		return writeFailed(err, path, "failed to flush checkpoint")
	}
	if err := os.Rename(tmp, path); err != nil {
		return writeFailed(err, path, "failed to move checkpoint into place")
	}
	return nil
}

func encode(f *os.File, modelName, runID string, params model.ParameterList) error {
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	out := file{
		Header: Header{
			Version: formatVersion,
			Model:   modelName,
			RunID:   runID,
			SavedAt: time.Now().UTC(),
		},
		Tensors: make([]Tensor, len(params)),
	}
	for i, p := range params {
		out.Tensors[i] = Tensor{Name: p.Name, Rows: p.Rows, Cols: p.Cols, Data: p.Data}
	}

	if err := gob.NewEncoder(zw).Encode(&out); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// Load reads the checkpoint at path into params. Every parameter must be
// present with the same shape; nothing is modified otherwise.
func Load(path string, params model.ParameterList) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, readFailed(err, path, "failed to open checkpoint")
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, readFailed(err, path, "failed to read checkpoint")
	}
	defer zr.Close()

	var in file
	if err := gob.NewDecoder(zr).Decode(&in); err != nil {
		return Header{}, readFailed(err, path, "failed to decode checkpoint")
	}
	if in.Header.Version != formatVersion {
		return in.Header, mismatch(path, "unsupported checkpoint version %d", in.Header.Version)
	}

	stored := make(map[string]Tensor, len(in.Tensors))
	for _, t := range in.Tensors {
		stored[t.Name] = t
	}
	for _, p := range params {
		t, ok := stored[p.Name]
		if !ok {
			return in.Header, mismatch(path, "tensor %s missing from checkpoint", p.Name)
		}
		if t.Rows != p.Rows || t.Cols != p.Cols || len(t.Data) != len(p.Data) {
			return in.Header, mismatch(path, "tensor %s has shape %dx%d, model expects %dx%d",
				p.Name, t.Rows, t.Cols, p.Rows, p.Cols)
		}
	}
	for _, p := range params {
		copy(p.Data, stored[p.Name].Data)
	}
	return in.Header, nil
}

func writeFailed(err error, path, msg string) error {
	return kgerrors.Wrap(err, kgerrors.ErrCheckpointWriteFailed, kgerrors.CategoryIO, msg).WithContext("path", path)
}

func readFailed(err error, path, msg string) error {
	return kgerrors.Wrap(err, kgerrors.ErrCheckpointReadFailed, kgerrors.CategoryIO, msg).WithContext("path", path)
}

func mismatch(path, format string, args ...interface{}) error {
	return kgerrors.IOErrorf(kgerrors.ErrCheckpointMismatch, format, args...).WithContext("path", path)
}
