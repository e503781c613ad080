package evaluator

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

// Evaluation kinds recorded in Metrics.Kind
const (
	KindMini = "mini"
	KindFull = "full"
)

// Metrics aggregates the rank records of one evaluation
type Metrics struct {
	Epoch int
	Kind  string // KindMini or KindFull, empty for bare aggregates

	MeanRank         float64
	FilteredMeanRank float64
	MRR              float64
	FilteredMRR      float64

	// Hits and FilteredHits map a cutoff k to the fraction of ranks below k.
	Hits         map[int]float64
	FilteredHits map[int]float64

	Triples int
	Elapsed time.Duration
}

// cutoffs returns hits sorted with duplicates removed
func cutoffs(hits []int) []int {
	hits = slices.Clone(hits)
	slices.Sort(hits)
	return slices.Compact(hits)
}

// Aggregate averages records over both prediction directions
func Aggregate(epoch int, records []RankRecord, hits []int) Metrics {
	hits = cutoffs(hits)
	m := Metrics{
		Epoch:        epoch,
		Hits:         make(map[int]float64, len(hits)),
		FilteredHits: make(map[int]float64, len(hits)),
		Triples:      len(records),
	}
	if len(records) == 0 {
		return m
	}

	var sumRank, sumFRank, sumRR, sumFRR float64
	hitCount := make(map[int]int, len(hits))
	fHitCount := make(map[int]int, len(hits))
	for _, r := range records {
		for _, pair := range [2][2]int{{r.HeadRank, r.FilteredHeadRank}, {r.TailRank, r.FilteredTailRank}} {
			raw, filtered := pair[0], pair[1]
			sumRank += float64(raw)
			sumFRank += float64(filtered)
			sumRR += 1.0 / float64(raw+1)
			sumFRR += 1.0 / float64(filtered+1)
			for _, k := range hits {
				if raw < k {
					hitCount[k]++
				}
				if filtered < k {
					fHitCount[k]++
				}
			}
		}
	}

	n := float64(2 * len(records))
	m.MeanRank = sumRank / n
	m.FilteredMeanRank = sumFRank / n
	m.MRR = sumRR / n
	m.FilteredMRR = sumFRR / n
	for _, k := range hits {
		m.Hits[k] = float64(hitCount[k]) / n
		m.FilteredHits[k] = float64(fHitCount[k]) / n
	}
	return m
}

// Value returns the metric named by an early stopping monitor: mr, fmr, mrr,
// fmrr, hitK or fhitK.
func (m Metrics) Value(name string) (float64, bool) {
	switch name {
	case "mr":
		return m.MeanRank, true
	case "fmr":
		return m.FilteredMeanRank, true
	case "mrr":
		return m.MRR, true
	case "fmrr":
		return m.FilteredMRR, true
	}

	hits := m.Hits
	rest, ok := strings.CutPrefix(name, "hit")
	if !ok {
		hits = m.FilteredHits
		if rest, ok = strings.CutPrefix(name, "fhit"); !ok {
			return 0, false
		}
	}
	k, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	v, ok := hits[k]
	return v, ok
}

// ResultPath returns the first unused path dir/<name>_<kind>_<n>.csv
func ResultPath(dir, name, kind string) string {
	for n := 0; ; n++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_%d.csv", name, kind, n))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

// SaveTestSummary writes one CSV row per evaluation run so far into a new
// run-numbered file under dir and returns its path.
func (e *Evaluator) SaveTestSummary(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, "failed to create result directory")
	}
	path := ResultPath(dir, name, "Testing_results")

	f, err := os.Create(path)
	if err != nil {
		return "", kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, "failed to create test summary").
			WithContext("path", path)
	}
	defer f.Close()

	if err := WriteSummary(f, e.results, e.cfg.Hits); err != nil {
		return "", kgerrors.Wrap(err, kgerrors.ErrExportFailed, kgerrors.CategoryIO, "failed to write test summary").
			WithContext("path", path)
	}
	return path, f.Close()
}

// WriteSummary writes results as CSV with one column pair per hit cutoff.
// The kind column tells the per-step mini tests from the final full test.
func WriteSummary(w io.Writer, results []Metrics, hits []int) error {
	cw := csv.NewWriter(w)
	hits = cutoffs(hits)

	header := []string{"epoch", "kind", "mean_rank", "filtered_mean_rank", "mrr", "filtered_mrr"}
	for _, k := range hits {
		header = append(header, fmt.Sprintf("hits%d", k), fmt.Sprintf("filtered_hits%d", k))
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for _, m := range results {
		row := []string{strconv.Itoa(m.Epoch), m.Kind, f(m.MeanRank), f(m.FilteredMeanRank), f(m.MRR), f(m.FilteredMRR)}
		for _, k := range hits {
			row = append(row, f(m.Hits[k]), f(m.FilteredHits[k]))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// DisplaySummary prints the result table of m
func (e *Evaluator) DisplaySummary(w io.Writer, m Metrics) {
	fmt.Fprintf(w, "------Test Results for %s: Epoch: %d --- time: %.2f------------\n",
		e.model.Name(), m.Epoch, m.Elapsed.Seconds())
	fmt.Fprintf(w, "--# of entities, # of relations: %d, %d\n", e.ds.NumEntities, e.ds.NumRelations)
	fmt.Fprintf(w, "--mr,  filtered mr             : %.4f, %.4f\n", m.MeanRank, m.FilteredMeanRank)
	fmt.Fprintf(w, "--mrr, filtered mrr            : %.4f, %.4f\n", m.MRR, m.FilteredMRR)
	for _, k := range e.cfg.Hits {
		fmt.Fprintf(w, "--hits%-2d                       : %.4f\n", k, m.Hits[k])
		fmt.Fprintf(w, "--filtered hits%-2d              : %.4f\n", k, m.FilteredHits[k])
	}
	fmt.Fprintln(w, "---------------------------------------------------------")
}
