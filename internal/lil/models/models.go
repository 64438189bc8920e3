// Package models provides objectives with a known log integrated likelihood
// and an exact posterior sampler. They drive the service when no samples are
// uploaded and serve as accuracy references for the estimator.
package models

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"sort"

	"github.com/copyleftdev/hybridml/internal/lil"
)

// Model is an objective whose normalizing constant is known in closed form.
type Model interface {
	lil.Objective

	// Dim returns the dimension of the parameter space.
	Dim() int

	// Sample draws n exact posterior samples using src.
	Sample(n int, src rand.Source) [][]float64

	// LogMarginal returns log ∫ exp(-psi(u)) du.
	LogMarginal() float64
}

type factory func(prior json.RawMessage) (Model, error)

var registry = map[string]factory{
	"gaussian":    newGaussianFromJSON,
	"normal-mean": newNormalMeanFromJSON,
}

// New builds the model registered under name from its JSON prior.
func New(name string, prior json.RawMessage) (Model, error) {
	f, ok := registry[name]
	if !ok {
		return nil, lil.WrapErrorf(lil.ErrInvalidArgument, "unknown model %q", name).WithOperation("New").WithComponent("models")
	}
	return f(prior)
}

// Names lists the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decode(prior json.RawMessage, v interface{}, op string) error {
	if len(bytes.TrimSpace(prior)) == 0 {
		return lil.WrapError(lil.ErrInvalidArgument, "prior is required").WithOperation(op).WithComponent("models")
	}
	dec := json.NewDecoder(bytes.NewReader(prior))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return lil.WrapErrorf(lil.ErrInvalidArgument, "decoding prior: %v", err).WithOperation(op).WithComponent("models")
	}
	return nil
}
