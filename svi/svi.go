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

// Package svi implements stochastic variational inference: given a
// generative model (priors + likelihood) and a guide (a parameterized
// approximate posterior over the same latents), it estimates a Monte-Carlo
// Evidence Lower BOund (ELBO) and maximizes it with respect to the guide's
// parameters by gradient ascent.
//
// Model and guide are plain Go functions that interact with the engine
// through a Trace (see Trace.Sample, Trace.Param, Trace.Plate and
// Trace.Observe), and declare their latent sites up front as a []Site
// schema. New compares the two schemas structurally and fails fast with a
// ShapeMismatchError on any disagreement.
//
// The expressiveness of the guide family bounds the quality of the learned
// posterior: a fully-factorized (mean-field) guide cannot represent
// correlation between latents even when the true posterior is strongly
// correlated. That is a property of the method, not of this implementation.
//
// All randomness comes from the *rand.Rand passed to Step and
// SamplePredictive; the package keeps no seed state of its own.
package svi

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/bayes/ad"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine owns the guide parameters and drives their optimization. Create it
// with New; it is not safe for concurrent use.
type Engine struct {
	model Model
	guide Guide
	opt   Optimizer
	loss  Loss
	store *Store

	schema   map[string]Site
	clipNorm float64

	runID  string
	step   int
	losses []float64
}

// Option configures the Engine at construction.
type Option func(*Engine)

// WithGradientClipNorm rescales the gradient vector whenever its L2 norm
// exceeds norm, protecting the update against poorly-conditioned regions. 0
// (the default) disables clipping.
func WithGradientClipNorm(norm float64) Option {
	return func(e *Engine) {
		e.clipNorm = norm
	}
}

// New builds an SVI engine for the model/guide pair. The site declarations
// of both are compared structurally here, before anything runs: a latent
// declared on one side only, or declared with different sizes or families,
// returns a ShapeMismatchError.
func New(model Model, guide Guide, opt Optimizer, loss Loss, opts ...Option) (*Engine, error) {
	if model.Fn == nil || guide.Fn == nil {
		return nil, errors.New("svi.New: model and guide functions must both be set")
	}
	if opt == nil {
		return nil, errors.New("svi.New: optimizer must be set")
	}
	if loss == nil {
		loss = TraceELBO{}
	}
	if err := checkDeclarations(model, guide); err != nil {
		return nil, err
	}
	schema := make(map[string]Site, len(model.Latents))
	for _, s := range model.Latents {
		schema[s.Name] = s
	}
	e := &Engine{
		model:  model,
		guide:  guide,
		opt:    opt,
		loss:   loss,
		store:  NewStore(),
		schema: schema,
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the engine's parameter store. Reading is always fine;
// mutating parameters outside Step voids the training contract.
func (e *Engine) Params() *Store {
	return e.store
}

// Losses returns a copy of the loss values of all steps so far, in order.
func (e *Engine) Losses() []float64 {
	return append([]float64(nil), e.losses...)
}

// TrailingLoss averages the last window losses (or all of them, if fewer),
// a cheap convergence diagnostic for a noisy loss sequence.
func (e *Engine) TrailingLoss(window int) float64 {
	n := len(e.losses)
	if n == 0 {
		return math.NaN()
	}
	start := max(n-window, 0)
	var sum float64
	for _, l := range e.losses[start:] {
		sum += l
	}
	return sum / float64(n-start)
}

// runGuide executes the guide function against a fresh trace. forced pins
// scalar discrete sites to given values (used by enumeration).
func (r *stepRun) runGuide(forced map[string]float64) *Trace {
	tr := newTrace(modeGuide, r.params.tape, r.rng, r.params, r.engine.schema)
	tr.forced = forced
	r.engine.guide.Fn(tr, r.batch)
	tr.checkComplete("guide")
	return tr
}

// runModel replays the model against the guide's latent values.
func (r *stepRun) runModel(guideTr *Trace, predictive bool) *Trace {
	tr := newTrace(modeReplay, r.params.tape, r.rng, r.params, r.engine.schema)
	tr.predictive = predictive
	tr.replayFrom = make(map[string][]*ad.Node, len(guideTr.sites))
	for name, rec := range guideTr.sites {
		tr.replayFrom[name] = rec.values
	}
	r.engine.model.Fn(tr, r.batch)
	tr.checkComplete("model")
	return tr
}

// Step runs one optimization step on the given minibatch: it estimates the
// negative ELBO with the configured loss, backpropagates through the tape,
// optionally clips the gradient norm and applies one optimizer update. It
// returns the loss estimate for logging and convergence tracking.
//
// Step is the only path that changes guide parameters. On any error,
// including a NumericalInstabilityError for a non-finite loss or gradient,
// the parameters are left exactly as they were and training should halt.
func (e *Engine) Step(rng *rand.Rand, batch Batch) (float64, error) {
	tape := ad.NewTape()
	run := &stepRun{
		engine: e,
		rng:    rng,
		params: newParamBinding(tape, e.store),
		batch:  batch,
	}
	var lossNode *ad.Node
	err := exceptions.TryCatch[error](func() {
		lossNode = e.loss.estimate(run)
	})
	if err != nil {
		return 0, err
	}
	lossValue := lossNode.Value()
	if math.IsNaN(lossValue) || math.IsInf(lossValue, 0) {
		return 0, &NumericalInstabilityError{Step: e.step, Quantity: "loss"}
	}

	tape.Backward(lossNode)
	grads := make(map[string][]float64, len(run.params.leaves))
	var sqNorm float64
	for name, leaves := range run.params.leaves {
		g := make([]float64, len(leaves))
		for ii, leaf := range leaves {
			g[ii] = leaf.Grad()
			if math.IsNaN(g[ii]) || math.IsInf(g[ii], 0) {
				return 0, &NumericalInstabilityError{Step: e.step, Quantity: "gradient of " + name}
			}
			sqNorm += g[ii] * g[ii]
		}
		grads[name] = g
	}
	if e.clipNorm > 0 {
		if norm := math.Sqrt(sqNorm); norm > e.clipNorm {
			scale := e.clipNorm / norm
			for _, g := range grads {
				for ii := range g {
					g[ii] *= scale
				}
			}
		}
	}

	e.opt.Apply(e.store, grads)
	e.step++
	e.losses = append(e.losses, lossValue)
	klog.V(2).Infof("svi[%s] step %d: loss=%.6g gradNorm=%.4g", e.runID, e.step, lossValue, math.Sqrt(sqNorm))
	return lossValue, nil
}

// SamplePredictive draws numSamples independent latent sets from the
// current guide, runs the model forward with them and nil observations, and
// collects the values of the requested sites: latent names and/or
// observation sites (including ObservationSite). The result maps each
// requested site to one row per draw.
//
// With equal seeds the output is identical call to call; summaries (median,
// quantiles, entropy) are for downstream callers to compute.
func (e *Engine) SamplePredictive(rng *rand.Rand, batch Batch, numSamples int, returnSites []string) (map[string][][]float64, error) {
	if numSamples <= 0 {
		return nil, errors.Errorf("numSamples must be > 0, got %d", numSamples)
	}
	out := make(map[string][][]float64, len(returnSites))
	for _, name := range returnSites {
		out[name] = make([][]float64, 0, numSamples)
	}
	for range numSamples {
		tape := ad.NewTape()
		run := &stepRun{
			engine: e,
			rng:    rng,
			params: newParamBinding(tape, e.store),
			batch:  batch,
		}
		var guideTr, modelTr *Trace
		err := exceptions.TryCatch[error](func() {
			guideTr = run.runGuide(nil)
			modelTr = run.runModel(guideTr, true)
		})
		if err != nil {
			return nil, err
		}
		latents := guideTr.latentValues()
		for _, name := range returnSites {
			if values, found := latents[name]; found {
				out[name] = append(out[name], values)
				continue
			}
			if draws, found := modelTr.obsDraws[name]; found {
				out[name] = append(out[name], append([]float64(nil), draws...))
				continue
			}
			return nil, &ShapeMismatchError{Site: name, Reason: "requested site was not produced by the model or guide"}
		}
	}
	return out, nil
}

// stepRun bundles the shared per-step state: one tape (through params), the
// random source and the minibatch.
type stepRun struct {
	engine *Engine
	rng    *rand.Rand
	params *paramBinding
	batch  Batch
}
