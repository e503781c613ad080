// Package models resolves the reference embedding models by name.
package models

import (
	"math/rand"
	"strings"

	"github.com/cnclabs/kge/internal/models/complex"
	"github.com/cnclabs/kge/internal/models/rotate"
	"github.com/cnclabs/kge/internal/models/transe"
	"github.com/cnclabs/kge/pkg/config"
	kgerrors "github.com/cnclabs/kge/pkg/errors"
	"github.com/cnclabs/kge/pkg/model"
)

// Names lists the models New accepts.
var Names = []string{"transe", "rotate", "complex"}

// New builds the model named by cfg.Name for a graph of the given size.
func New(cfg config.ModelConfig, numEntities, numRelations int64, rng *rand.Rand) (model.Model, error) {
	switch strings.ToLower(cfg.Name) {
	case "transe":
		return transe.New(numEntities, numRelations, transe.Config{
			Dim:    cfg.HiddenSize,
			Margin: cfg.Margin,
			L1:     cfg.L1,
		}, rng), nil
	case "rotate":
		return rotate.New(numEntities, numRelations, rotate.Config{
			Dim:    cfg.HiddenSize,
			Gamma:  cfg.Gamma,
			Labels: model.LabelsSigned,
		}, rng), nil
	case "complex":
		return complex.New(numEntities, numRelations, complex.Config{
			Dim: cfg.HiddenSize,
		}, rng), nil
	}
	return nil, kgerrors.ConfigErrorf(kgerrors.ErrConfigInvalid, "no model named %q", cfg.Name).
		WithContext("field", "model.name").
		WithSuggestion("Use one of: " + strings.Join(Names, ", "))
}
