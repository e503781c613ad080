package trainer

import (
	"slices"

	kgerrors "github.com/cnclabs/kge/pkg/errors"
)

// Prediction is one candidate entity of a link prediction query
type Prediction struct {
	Entity int64
	Name   string
	Score  float64
}

// InferTails returns the k best tails for (head, relation)
func (t *Trainer) InferTails(head, relation int64, k int) ([]Prediction, error) {
	if err := t.checkQuery(head, relation); err != nil {
		return nil, err
	}
	scores := make([]float64, t.ds.NumEntities)
	t.model.ScoreTails(head, relation, scores)
	return t.topK(scores, k), nil
}

// InferHeads returns the k best heads for (relation, tail)
func (t *Trainer) InferHeads(tail, relation int64, k int) ([]Prediction, error) {
	if err := t.checkQuery(tail, relation); err != nil {
		return nil, err
	}
	scores := make([]float64, t.ds.NumEntities)
	t.model.ScoreHeads(tail, relation, scores)
	return t.topK(scores, k), nil
}

func (t *Trainer) checkQuery(entity, relation int64) error {
	if entity < 0 || entity >= t.ds.NumEntities {
		return kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "entity id %d out of range [0, %d)", entity, t.ds.NumEntities)
	}
	if relation < 0 || relation >= t.ds.NumRelations {
		return kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "relation id %d out of range [0, %d)", relation, t.ds.NumRelations)
	}
	return nil
}

func (t *Trainer) topK(scores []float64, k int) []Prediction {
	order := make([]int64, len(scores))
	for i := range order {
		order[i] = int64(i)
	}
	ranking := t.model.Order()
	slices.SortStableFunc(order, func(a, b int64) int {
		return ranking.Compare(scores[a], scores[b])
	})

	k = min(max(k, 0), len(order))
	out := make([]Prediction, k)
	for i, e := range order[:k] {
		out[i] = Prediction{Entity: e, Name: t.ds.GetEntityName(e), Score: scores[e]}
	}
	return out
}
