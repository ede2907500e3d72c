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
	"math/rand/v2"

	"github.com/gomlx/bayes/ad"
	"github.com/gomlx/bayes/distributions"
	. "github.com/gomlx/exceptions"
)

type traceMode int

const (
	// modeGuide samples latents from the guide's parameterized families.
	modeGuide traceMode = iota

	// modeReplay re-runs the model with the guide's latent values, scoring
	// them under the priors and the observations under the likelihood.
	modeReplay
)

// siteRecord is what a trace remembers about one latent site.
type siteRecord struct {
	site    Site
	dists   []distributions.Distribution
	values  []*ad.Node
	logProb *ad.Node
	reparam bool
}

// paramBinding caches the leaf nodes of the guide parameters for one tape,
// so that every particle of a step shares the same leaves and the engine can
// read their gradients after Backward.
type paramBinding struct {
	tape   *ad.Tape
	store  *Store
	leaves map[string][]*ad.Node
}

func newParamBinding(tape *ad.Tape, store *Store) *paramBinding {
	return &paramBinding{tape: tape, store: store, leaves: make(map[string][]*ad.Node)}
}

// bind returns the constrained parameter nodes for name, creating the
// parameter in the store on first use.
func (b *paramBinding) bind(name string, init []float64, c Constraint) []*ad.Node {
	p := b.store.lookupOrCreate(name, init, c)
	leaves, found := b.leaves[name]
	if !found {
		leaves = make([]*ad.Node, len(p.raw))
		for ii, raw := range p.raw {
			leaves[ii] = b.tape.Const(raw)
		}
		b.leaves[name] = leaves
	}
	constrained := make([]*ad.Node, len(leaves))
	for ii, leaf := range leaves {
		constrained[ii] = p.constraint.Transform(leaf)
	}
	return constrained
}

// Trace records the sample, parameter and observation statements of one run
// of a model or guide function. Model and guide code interact with the
// engine exclusively through it.
type Trace struct {
	mode   traceMode
	tape   *ad.Tape
	rng    *rand.Rand
	params *paramBinding
	schema map[string]Site

	sites map[string]*siteRecord
	order []string

	// replayFrom holds the guide's latent values when mode is modeReplay.
	replayFrom map[string][]*ad.Node

	// forced pins scalar discrete sites to a fixed value (enumeration).
	forced map[string]float64

	logLik     *ad.Node
	plateScale float64

	// predictive makes Observe with nil targets draw from the likelihood.
	predictive bool
	obsDraws   map[string][]float64
}

func newTrace(mode traceMode, tape *ad.Tape, rng *rand.Rand, params *paramBinding, schema map[string]Site) *Trace {
	return &Trace{
		mode:       mode,
		tape:       tape,
		rng:        rng,
		params:     params,
		schema:     schema,
		sites:      make(map[string]*siteRecord),
		plateScale: 1,
	}
}

// Const records a constant on the trace's tape, for fixed hyperparameters
// of the model or guide.
func (tr *Trace) Const(value float64) *ad.Node {
	return tr.tape.Const(value)
}

// throw aborts the trace run; Engine.Step recovers it into a returned error.
func throw(err error) {
	panic(err)
}

// Sample draws (or replays) the scalar latent site name from d and returns
// its value. Every declared site must be sampled exactly once per run.
func (tr *Trace) Sample(name string, d distributions.Distribution) *ad.Node {
	return tr.SampleVec(name, d)[0]
}

// SampleVec is Sample for a vector site, one distribution per component.
func (tr *Trace) SampleVec(name string, dists ...distributions.Distribution) []*ad.Node {
	site, declared := tr.schema[name]
	if !declared {
		throw(&ShapeMismatchError{Site: name, Reason: "sampled but not declared"})
	}
	if _, dup := tr.sites[name]; dup {
		throw(&ShapeMismatchError{Site: name, Reason: "sampled twice in one run"})
	}
	if len(dists) != site.size() {
		throw(&ShapeMismatchError{Site: name, Reason: fmt.Sprintf(
			"declared with %d components, sampled with %d", site.size(), len(dists))})
	}
	for _, d := range dists {
		if d.Family() != site.Family {
			throw(&ShapeMismatchError{Site: name, Reason: fmt.Sprintf(
				"declared family %q, sampled from %q", site.Family, d.Family())})
		}
	}

	rec := &siteRecord{site: site, dists: dists}
	switch tr.mode {
	case modeGuide:
		rec.values = make([]*ad.Node, len(dists))
		if forcedValue, isForced := tr.forced[name]; isForced {
			for ii := range dists {
				rec.values[ii] = tr.tape.Const(forcedValue)
			}
		} else {
			rec.reparam = true
			for ii, d := range dists {
				if v, ok := d.Rsample(tr.rng); ok {
					rec.values[ii] = v
				} else {
					rec.values[ii] = tr.tape.Const(d.Sample(tr.rng))
					rec.reparam = false
				}
			}
		}
	case modeReplay:
		rec.values = tr.replayFrom[name]
		if rec.values == nil {
			throw(&ShapeMismatchError{Site: name, Reason: "model sampled a site the guide did not provide"})
		}
	}

	for ii, d := range dists {
		lp := d.LogProb(rec.values[ii])
		if tr.plateScale != 1 {
			lp = ad.MulScalar(lp, tr.plateScale)
		}
		if rec.logProb == nil {
			rec.logProb = lp
		} else {
			rec.logProb = ad.Add(rec.logProb, lp)
		}
	}
	tr.sites[name] = rec
	tr.order = append(tr.order, name)
	return rec.values
}

// Param returns the scalar guide parameter name, creating it with the given
// constrained initial value on first use. Only the guide may call it.
func (tr *Trace) Param(name string, init float64, c Constraint) *ad.Node {
	return tr.ParamVec(name, []float64{init}, c)[0]
}

// ParamVec is Param for a vector of values sharing one constraint.
func (tr *Trace) ParamVec(name string, init []float64, c Constraint) []*ad.Node {
	if tr.mode != modeGuide {
		Panicf("svi: Trace.Param(%q) called from the model; only the guide holds parameters", name)
	}
	return tr.params.bind(name, init, c)
}

// Plate declares a block of conditionally-independent observations: body is
// called once per in-batch index, and every log-density recorded inside is
// rescaled by population/batchSize so minibatch gradients are unbiased
// estimates of full-dataset gradients. A population of 0 means the batch is
// the full population.
func (tr *Trace) Plate(name string, population, batchSize int, body func(i int)) {
	if batchSize < 0 || population < 0 {
		Panicf("svi: Plate(%q) with negative size (population=%d, batchSize=%d)", name, population, batchSize)
	}
	scale := 1.0
	if population > 0 && batchSize > 0 {
		scale = float64(population) / float64(batchSize)
	}
	saved := tr.plateScale
	tr.plateScale = saved * scale
	defer func() { tr.plateScale = saved }()
	for i := 0; i < batchSize; i++ {
		body(i)
	}
}

// Observe scores the observed value under d when observed is non-nil,
// adding the (plate-rescaled) log-density to the likelihood term. With a nil
// observed value the trace draws from d instead and records the draw under
// name, which is how posterior-predictive sampling runs the model.
//
// Only the model may observe; name must not collide with a latent site.
func (tr *Trace) Observe(name string, d distributions.Distribution, observed *float64) {
	if tr.mode != modeReplay {
		throw(&ShapeMismatchError{Site: name, Reason: "guide functions must not observe"})
	}
	if _, isLatent := tr.schema[name]; isLatent {
		throw(&ShapeMismatchError{Site: name, Reason: "observation site collides with a declared latent"})
	}
	if observed == nil {
		if !tr.predictive {
			throw(&ShapeMismatchError{Site: name, Reason: "nil observation outside a predictive run"})
		}
		if tr.obsDraws == nil {
			tr.obsDraws = make(map[string][]float64)
		}
		tr.obsDraws[name] = append(tr.obsDraws[name], d.Sample(tr.rng))
		return
	}
	lp := d.LogProb(tr.tape.Const(*observed))
	if tr.plateScale != 1 {
		lp = ad.MulScalar(lp, tr.plateScale)
	}
	if tr.logLik == nil {
		tr.logLik = lp
	} else {
		tr.logLik = ad.Add(tr.logLik, lp)
	}
}

// checkComplete verifies that every declared site was sampled.
func (tr *Trace) checkComplete(kind string) {
	for name := range tr.schema {
		if _, found := tr.sites[name]; !found {
			throw(&ShapeMismatchError{Site: name, Reason: "declared but never sampled by the " + kind})
		}
	}
}

// latentLogProb sums the log-densities of all latent sites.
func (tr *Trace) latentLogProb() *ad.Node {
	var total *ad.Node
	for _, name := range tr.order {
		lp := tr.sites[name].logProb
		if total == nil {
			total = lp
		} else {
			total = ad.Add(total, lp)
		}
	}
	if total == nil {
		total = tr.tape.Const(0)
	}
	return total
}

// nonReparamLogProb sums the log-densities of latent sites drawn without a
// pathwise transform; the score-function surrogate needs them separated.
func (tr *Trace) nonReparamLogProb() *ad.Node {
	var total *ad.Node
	for _, name := range tr.order {
		rec := tr.sites[name]
		if rec.reparam {
			continue
		}
		if total == nil {
			total = rec.logProb
		} else {
			total = ad.Add(total, rec.logProb)
		}
	}
	return total
}

// likelihood returns the accumulated observation log-density (zero when the
// model observed nothing).
func (tr *Trace) likelihood() *ad.Node {
	if tr.logLik == nil {
		return tr.tape.Const(0)
	}
	return tr.logLik
}

// latentValues flattens the sampled values per site, for predictive output.
func (tr *Trace) latentValues() map[string][]float64 {
	out := make(map[string][]float64, len(tr.sites))
	for name, rec := range tr.sites {
		values := make([]float64, len(rec.values))
		for ii, v := range rec.values {
			values[ii] = v.Value()
		}
		out[name] = values
	}
	return out
}
