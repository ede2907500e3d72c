/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package svi

import (
	"fmt"
)

// ObservationSite is the reserved site name under which the model scores (or,
// in predictive runs, samples) the observed data.
const ObservationSite = "obs"

// Site declares one latent variable: its name, distribution family and the
// number of scalar components. Model and guide each declare their sites up
// front, and New compares the two declaration lists structurally instead of
// discovering sites by running the functions.
type Site struct {
	// Name of the latent. Must be unique within a declaration list and must
	// not be the reserved ObservationSite.
	Name string

	// Family is the distribution family name, e.g. "normal" (see the
	// distributions package). Model and guide must agree: the guide has to
	// cover the same support as the prior it approximates.
	Family string

	// Dim is the number of scalar components of the site; 0 and 1 both mean
	// a scalar site.
	Dim int
}

// size returns the number of scalar components, treating Dim 0 as scalar.
func (s Site) size() int {
	if s.Dim <= 0 {
		return 1
	}
	return s.Dim
}

// Batch is one minibatch of observations fed to Step or SamplePredictive.
type Batch struct {
	// Inputs has one feature row per observation.
	Inputs [][]float64

	// Targets are the observed values, aligned with Inputs. May be nil for
	// predictive runs, in which case the model samples the observation site.
	Targets []float64

	// Population is the full-dataset size used to rescale minibatch
	// log-likelihoods inside plates; 0 means the batch is the whole dataset.
	Population int
}

// Size returns the number of observations in the batch.
func (b Batch) Size() int {
	return len(b.Inputs)
}

// ModelFn is the generative model: it samples every declared latent from its
// prior exactly once via tr.Sample, and scores the observations under the
// likelihood inside a tr.Plate block via tr.Observe.
type ModelFn func(tr *Trace, batch Batch)

// GuideFn is the approximate posterior: it samples every declared latent
// from a parameterized family, pulling parameters with tr.Param.
type GuideFn func(tr *Trace, batch Batch)

// Model pairs the latent declarations with the generative function.
type Model struct {
	Latents []Site
	Fn      ModelFn
}

// Guide pairs the latent declarations with the guide function.
type Guide struct {
	Latents []Site
	Fn      GuideFn
}

// ShapeMismatchError reports a structural disagreement between model and
// guide declarations, or between a declaration and what the functions
// actually sampled. It is always raised before any gradient computation.
type ShapeMismatchError struct {
	Site   string
	Reason string
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	if e.Site == "" {
		return fmt.Sprintf("model/guide mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("model/guide mismatch at site %q: %s", e.Site, e.Reason)
}

// NumericalInstabilityError reports a non-finite loss or gradient. Training
// must halt: the step that raised it did not touch the guide parameters.
type NumericalInstabilityError struct {
	Step     int
	Quantity string
}

// Error implements the error interface.
func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("non-finite %s at step %d; guide parameters were not updated", e.Quantity, e.Step)
}

// checkDeclarations verifies that model and guide declare the same latents
// with the same families and sizes.
func checkDeclarations(model Model, guide Guide) error {
	if len(model.Latents) == 0 {
		return &ShapeMismatchError{Reason: "model declares no latent sites"}
	}
	index := func(sites []Site, kind string) (map[string]Site, error) {
		m := make(map[string]Site, len(sites))
		for _, s := range sites {
			if s.Name == "" {
				return nil, &ShapeMismatchError{Reason: kind + " declares a site with an empty name"}
			}
			if s.Name == ObservationSite {
				return nil, &ShapeMismatchError{Site: s.Name, Reason: kind + " declares a latent under the reserved observation name"}
			}
			if _, dup := m[s.Name]; dup {
				return nil, &ShapeMismatchError{Site: s.Name, Reason: kind + " declares the site twice"}
			}
			m[s.Name] = s
		}
		return m, nil
	}
	modelSites, err := index(model.Latents, "model")
	if err != nil {
		return err
	}
	guideSites, err := index(guide.Latents, "guide")
	if err != nil {
		return err
	}
	for name, ms := range modelSites {
		gs, found := guideSites[name]
		if !found {
			return &ShapeMismatchError{Site: name, Reason: "declared in the model but absent from the guide"}
		}
		if ms.size() != gs.size() {
			return &ShapeMismatchError{Site: name, Reason: fmt.Sprintf(
				"model declares %d components, guide declares %d", ms.size(), gs.size())}
		}
		if ms.Family != gs.Family {
			return &ShapeMismatchError{Site: name, Reason: fmt.Sprintf(
				"model family %q, guide family %q", ms.Family, gs.Family)}
		}
	}
	for name := range guideSites {
		if _, found := modelSites[name]; !found {
			return &ShapeMismatchError{Site: name, Reason: "declared in the guide but absent from the model"}
		}
	}
	return nil
}
