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
	"github.com/gomlx/bayes/ad"
	"github.com/gomlx/bayes/distributions"
	. "github.com/gomlx/exceptions"
)

// Loss selects and configures the (negative-)ELBO estimator optimized by
// Engine.Step. The three variants are TraceELBO, MeanFieldELBO and
// EnumerationELBO.
type Loss interface {
	// estimate builds the negative-ELBO node for one step on the run's tape.
	estimate(run *stepRun) *ad.Node
}

// TraceELBO is the plain Monte-Carlo ELBO estimator: it averages
// log p(z, x) - log q(z) over Particles joint samples drawn from the guide.
// Latents whose family has a pathwise transform contribute reparameterized
// gradients; the rest contribute through a higher-variance score-function
// surrogate.
type TraceELBO struct {
	// Particles is the number of joint samples per step; 0 means 1.
	Particles int
}

func (l TraceELBO) estimate(run *stepRun) *ad.Node {
	particles := max(l.Particles, 1)
	terms := make([]*ad.Node, 0, particles)
	for range particles {
		guideTr := run.runGuide(nil)
		modelTr := run.runModel(guideTr, false)
		elbo := ad.Sub(ad.Add(modelTr.latentLogProb(), modelTr.likelihood()), guideTr.latentLogProb())
		if logQ := guideTr.nonReparamLogProb(); logQ != nil {
			// Score-function surrogate: same value (the extra term is zero at
			// evaluation up to the stop-gradient), correct gradient for the
			// non-reparameterized sites.
			surrogate := ad.Mul(ad.StopGradient(elbo), logQ)
			elbo = ad.Add(elbo, ad.Sub(surrogate, ad.StopGradient(surrogate)))
		}
		terms = append(terms, elbo)
	}
	return ad.Neg(ad.Mean(terms...))
}

// MeanFieldELBO replaces the Monte-Carlo prior-minus-guide term with the
// analytic KL(q‖p) for every latent whose guide/prior pair admits one
// (Normal‖Normal and LogNormal‖LogNormal); only the likelihood term is
// estimated by sampling. Lower variance than TraceELBO when it applies.
type MeanFieldELBO struct {
	// Particles is the number of likelihood samples per step; 0 means 1.
	Particles int
}

func (l MeanFieldELBO) estimate(run *stepRun) *ad.Node {
	particles := max(l.Particles, 1)
	terms := make([]*ad.Node, 0, particles)
	for range particles {
		guideTr := run.runGuide(nil)
		modelTr := run.runModel(guideTr, false)

		elbo := modelTr.likelihood()
		var scoreLogQ *ad.Node
		for _, name := range guideTr.order {
			guideRec := guideTr.sites[name]
			modelRec := modelTr.sites[name]
			for ii := range guideRec.dists {
				if kl, ok := distributions.KL(guideRec.dists[ii], modelRec.dists[ii]); ok {
					elbo = ad.Sub(elbo, kl)
					continue
				}
				// Monte-Carlo fallback for this component: logp - logq at the
				// sampled value.
				mc := ad.Sub(modelRec.dists[ii].LogProb(guideRec.values[ii]),
					guideRec.dists[ii].LogProb(guideRec.values[ii]))
				elbo = ad.Add(elbo, mc)
			}
			if !guideRec.reparam {
				if scoreLogQ == nil {
					scoreLogQ = guideRec.logProb
				} else {
					scoreLogQ = ad.Add(scoreLogQ, guideRec.logProb)
				}
			}
		}
		if scoreLogQ != nil {
			surrogate := ad.Mul(ad.StopGradient(elbo), scoreLogQ)
			elbo = ad.Add(elbo, ad.Sub(surrogate, ad.StopGradient(surrogate)))
		}
		terms = append(terms, elbo)
	}
	return ad.Neg(ad.Mean(terms...))
}

// EnumerationELBO sums exactly over every joint assignment of the discrete
// (finite-support) latents instead of sampling them; continuous latents are
// still sampled pathwise. Discrete sites must be scalar.
type EnumerationELBO struct {
	// Particles is the number of samples for the continuous latents per
	// assignment; 0 means 1.
	Particles int
}

func (l EnumerationELBO) estimate(run *stepRun) *ad.Node {
	// Probe run to discover which sites are enumerable and their supports.
	probe := run.runGuide(nil)
	type discreteSite struct {
		name    string
		support []float64
	}
	var discrete []discreteSite
	for _, name := range probe.order {
		rec := probe.sites[name]
		enum, ok := rec.dists[0].(distributions.Enumerable)
		if !ok {
			continue
		}
		if rec.site.size() != 1 {
			Panicf("svi: EnumerationELBO requires scalar discrete sites, %q has %d components",
				name, rec.site.size())
		}
		discrete = append(discrete, discreteSite{name: name, support: enum.Support()})
	}
	if len(discrete) == 0 {
		return TraceELBO{Particles: l.Particles}.estimate(run)
	}

	// Cartesian product over the supports of all discrete sites.
	assignments := []map[string]float64{{}}
	for _, d := range discrete {
		var next []map[string]float64
		for _, partial := range assignments {
			for _, v := range d.support {
				a := make(map[string]float64, len(partial)+1)
				for k, pv := range partial {
					a[k] = pv
				}
				a[d.name] = v
				next = append(next, a)
			}
		}
		assignments = next
	}

	particles := max(l.Particles, 1)
	terms := make([]*ad.Node, 0, particles)
	for range particles {
		var elbo *ad.Node
		for _, assignment := range assignments {
			guideTr := run.runGuide(assignment)
			modelTr := run.runModel(guideTr, false)

			// Weight each branch by its guide probability; gradients flow both
			// through the weight and through the branch ELBO.
			var logQDiscrete *ad.Node
			for name := range assignment {
				lp := guideTr.sites[name].logProb
				if logQDiscrete == nil {
					logQDiscrete = lp
				} else {
					logQDiscrete = ad.Add(logQDiscrete, lp)
				}
			}
			weight := ad.Exp(logQDiscrete)
			branch := ad.Sub(ad.Add(modelTr.latentLogProb(), modelTr.likelihood()), guideTr.latentLogProb())
			term := ad.Mul(weight, branch)
			if elbo == nil {
				elbo = term
			} else {
				elbo = ad.Add(elbo, term)
			}
		}
		terms = append(terms, elbo)
	}
	return ad.Neg(ad.Mean(terms...))
}
