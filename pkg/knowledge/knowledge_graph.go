package knowledge

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

// Triple represents a knowledge graph triple (head, relation, tail)
type Triple struct {
	Head     int64
	Relation int64
	Tail     int64
}

// Split names a partition of the dataset
type Split string

const (
	SplitTrain Split = "train"
	SplitValid Split = "valid"
	SplitTest  Split = "test"
)

// Dataset holds the train/valid/test triples of a knowledge graph together
// with the entity and relation name tables shared by all splits.
type Dataset struct {
	// Entity and relation mappings
	EntityHash   map[string]int64
	RelationHash map[string]int64
	EntityKeys   []string
	RelationKeys []string

	// Triples per split
	Train []Triple
	Valid []Triple
	Test  []Triple

	// Statistics
	NumEntities  int64
	NumRelations int64
}

// NewDataset creates an empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		EntityHash:   make(map[string]int64),
		RelationHash: make(map[string]int64),
		EntityKeys:   make([]string, 0),
		RelationKeys: make([]string, 0),
	}
}

// LoadDataset loads train.txt, valid.txt and test.txt from dir.
// valid.txt and test.txt are optional; train.txt is not.
func LoadDataset(dir string) (*Dataset, error) {
	ds := NewDataset()
	if err := ds.LoadSplit(SplitTrain, filepath.Join(dir, "train.txt")); err != nil {
		return nil, err
	}
	for _, split := range []Split{SplitValid, SplitTest} {
		filename := filepath.Join(dir, string(split)+".txt")
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			continue
		}
		if err := ds.LoadSplit(split, filename); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// LoadSplit loads triples of one split from a file
// Format: head relation tail
// Example: "Barack_Obama born_in Hawaii"
func (ds *Dataset) LoadSplit(split Split, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return kgerrors.Wrap(err, kgerrors.ErrDatasetFailed, kgerrors.CategoryIO,
			fmt.Sprintf("failed to open file %s", filename))
	}
	defer file.Close()

	n, err := ds.ReadSplit(split, file)
	if err != nil {
		return kgerrors.Wrap(err, kgerrors.ErrDatasetFailed, kgerrors.CategoryIO,
			fmt.Sprintf("error reading file %s", filename))
	}
	if n == 0 && split == SplitTrain {
		return kgerrors.ConfigErrorf(kgerrors.ErrEmptyTrainSet, "train split %s holds no triples", filename)
	}
	return nil
}

// ReadSplit reads whitespace separated triples from r into split and
// returns the number of triples read. Lines with fewer than three fields
// are skipped.
func (ds *Dataset) ReadSplit(split Split, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	count := 0

	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 3 {
			continue
		}
		if err := ds.AddTriple(split, parts[0], parts[1], parts[2]); err != nil {
			return count, err
		}
		count++
	}
	return count, scanner.Err()
}

// AddTriple registers a named triple in the given split
func (ds *Dataset) AddTriple(split Split, head, relation, tail string) error {
	triple := Triple{
		Head:     ds.getOrCreateEntity(head),
		Relation: ds.getOrCreateRelation(relation),
		Tail:     ds.getOrCreateEntity(tail),
	}

	switch split {
	case SplitTrain:
		ds.Train = append(ds.Train, triple)
	case SplitValid:
		ds.Valid = append(ds.Valid, triple)
	case SplitTest:
		ds.Test = append(ds.Test, triple)
	default:
		return kgerrors.ConfigErrorf(kgerrors.ErrUnknownSplit, "unknown split %s", split)
	}

	ds.NumEntities = int64(len(ds.EntityKeys))
	ds.NumRelations = int64(len(ds.RelationKeys))
	return nil
}

// Split returns the triples of the named split
func (ds *Dataset) Split(split Split) ([]Triple, error) {
	switch split {
	case SplitTrain:
		return ds.Train, nil
	case SplitValid:
		return ds.Valid, nil
	case SplitTest:
		return ds.Test, nil
	}
	return nil, kgerrors.ConfigErrorf(kgerrors.ErrUnknownSplit, "Invalid testing data %q: enter test or valid", split)
}

// TotTrainTriples returns the number of training triples
func (ds *Dataset) TotTrainTriples() int {
	return len(ds.Train)
}

// getOrCreateEntity gets or creates an entity ID
func (ds *Dataset) getOrCreateEntity(name string) int64 {
	if id, exists := ds.EntityHash[name]; exists {
		return id
	}

	id := int64(len(ds.EntityKeys))
	ds.EntityHash[name] = id
	ds.EntityKeys = append(ds.EntityKeys, name)
	return id
}

// getOrCreateRelation gets or creates a relation ID
func (ds *Dataset) getOrCreateRelation(name string) int64 {
	if id, exists := ds.RelationHash[name]; exists {
		return id
	}

	id := int64(len(ds.RelationKeys))
	ds.RelationHash[name] = id
	ds.RelationKeys = append(ds.RelationKeys, name)
	return id
}

// GetEntityName returns the name of an entity by ID
func (ds *Dataset) GetEntityName(id int64) string {
	if id < 0 || id >= int64(len(ds.EntityKeys)) {
		return ""
	}
	return ds.EntityKeys[id]
}

// GetRelationName returns the name of a relation by ID
func (ds *Dataset) GetRelationName(id int64) string {
	if id < 0 || id >= int64(len(ds.RelationKeys)) {
		return ""
	}
	return ds.RelationKeys[id]
}

// SampleEntity draws an entity uniformly from all entities except exclude.
// numEntities must be at least 2.
func SampleEntity(numEntities, exclude int64, rng *rand.Rand) int64 {
	e := rng.Int63n(numEntities - 1)
	if e >= exclude {
		e++
	}
	return e
}

// BernoulliHeadProbs returns, per relation, the probability of corrupting the
// head: tph / (tph + hpt), where tph is the average number of tails per head
// and hpt the average number of heads per tail.
func BernoulliHeadProbs(triples []Triple, numRelations int64) []float64 {
	type pair struct{ e, r int64 }
	tailsPerHead := make(map[pair]int)
	headsPerTail := make(map[pair]int)
	for _, tr := range triples {
		tailsPerHead[pair{tr.Head, tr.Relation}]++
		headsPerTail[pair{tr.Tail, tr.Relation}]++
	}

	sumT := make([]float64, numRelations)
	cntH := make([]float64, numRelations)
	for k, n := range tailsPerHead {
		sumT[k.r] += float64(n)
		cntH[k.r]++
	}
	sumH := make([]float64, numRelations)
	cntT := make([]float64, numRelations)
	for k, n := range headsPerTail {
		sumH[k.r] += float64(n)
		cntT[k.r]++
	}

	probs := make([]float64, numRelations)
	for r := int64(0); r < numRelations; r++ {
		if cntH[r] == 0 || cntT[r] == 0 {
			probs[r] = 0.5
			continue
		}
		tph := sumT[r] / cntH[r]
		hpt := sumH[r] / cntT[r]
		probs[r] = tph / (tph + hpt)
	}
	return probs
}
