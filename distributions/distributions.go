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

// Package distributions implements the distribution families used as priors,
// likelihoods and guides by the svi package.
//
// A Distribution carries its parameters as ad.Node values, so log-densities
// are recorded on the gradient tape and can be differentiated with respect
// to guide parameters. Plain (non-differentiable) sampling goes through
// gonum's distuv with an explicit random source -- there is no global seed
// state anywhere in this package.
package distributions

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/bayes/ad"
	. "github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// log(2π), used by the Gaussian log-density.
	logTwoPi = 1.8378770664093453
)

// Distribution is a univariate distribution with parameters recorded on a
// gradient tape.
type Distribution interface {
	// Family returns the family name, e.g. "normal".
	Family() string

	// LogProb returns the log-density (or log-mass) of x, recorded on the
	// tape so it is differentiable with respect to the parameters and x.
	LogProb(x *ad.Node) *ad.Node

	// Sample draws one value using rng. The draw is not differentiable.
	Sample(rng *rand.Rand) float64

	// Rsample draws one value as a deterministic transform of fixed-
	// distribution noise (the pathwise/reparameterized form), so gradients
	// flow from the returned node back into the parameters. The second
	// result is false for families without such a transform.
	Rsample(rng *rand.Rand) (*ad.Node, bool)
}

// Enumerable is implemented by distributions with finite support, over which
// an ELBO can sum exactly instead of sampling.
type Enumerable interface {
	Distribution

	// Support returns every value the distribution can take.
	Support() []float64
}

// Normal is the Gaussian family parameterized by location and scale.
type Normal struct {
	Loc, Scale *ad.Node
}

// Family implements Distribution.
func (n Normal) Family() string { return "normal" }

// LogProb implements Distribution:
// -log σ - ½log 2π - ½((x-μ)/σ)².
func (n Normal) LogProb(x *ad.Node) *ad.Node {
	z := ad.Div(ad.Sub(x, n.Loc), n.Scale)
	return ad.Sub(
		ad.AddScalar(ad.MulScalar(ad.Square(z), -0.5), -0.5*logTwoPi),
		ad.Log(n.Scale))
}

// Sample implements Distribution.
func (n Normal) Sample(rng *rand.Rand) float64 {
	return distuv.Normal{Mu: n.Loc.Value(), Sigma: n.Scale.Value(), Src: rng}.Rand()
}

// Rsample implements Distribution: x = μ + σ·ε with ε ~ 𝒩(0,1).
func (n Normal) Rsample(rng *rand.Rand) (*ad.Node, bool) {
	eps := rng.NormFloat64()
	return ad.Add(n.Loc, ad.MulScalar(n.Scale, eps)), true
}

// Entropy returns ½log(2πe σ²) on the tape.
func (n Normal) Entropy() *ad.Node {
	return ad.AddScalar(ad.Log(n.Scale), 0.5*(logTwoPi+1))
}

// LogNormal is the distribution of e^z for z ~ 𝒩(Loc, Scale²). It is the
// usual choice for positive latents such as noise scales.
type LogNormal struct {
	Loc, Scale *ad.Node
}

// Family implements Distribution.
func (l LogNormal) Family() string { return "lognormal" }

// LogProb implements Distribution.
func (l LogNormal) LogProb(x *ad.Node) *ad.Node {
	logX := ad.Log(x)
	return ad.Sub(Normal{Loc: l.Loc, Scale: l.Scale}.LogProb(logX), logX)
}

// Sample implements Distribution.
func (l LogNormal) Sample(rng *rand.Rand) float64 {
	return math.Exp(Normal{Loc: l.Loc, Scale: l.Scale}.Sample(rng))
}

// Rsample implements Distribution: x = e^(μ+σε).
func (l LogNormal) Rsample(rng *rand.Rand) (*ad.Node, bool) {
	z, _ := Normal{Loc: l.Loc, Scale: l.Scale}.Rsample(rng)
	return ad.Exp(z), true
}

// Bernoulli over {0, 1}, parameterized by the logit (log-odds) for stability.
type Bernoulli struct {
	Logit *ad.Node
}

// Family implements Distribution.
func (b Bernoulli) Family() string { return "bernoulli" }

// LogProb implements Distribution: x·logit - softplus(logit), for x ∈ {0,1}.
func (b Bernoulli) LogProb(x *ad.Node) *ad.Node {
	v := x.Value()
	if v != 0 && v != 1 {
		Panicf("Bernoulli.LogProb: x must be 0 or 1, got %g", v)
	}
	return ad.Sub(ad.Mul(x, b.Logit), ad.Softplus(b.Logit))
}

// Sample implements Distribution.
func (b Bernoulli) Sample(rng *rand.Rand) float64 {
	p := 1 / (1 + math.Exp(-b.Logit.Value()))
	return distuv.Bernoulli{P: p, Src: rng}.Rand()
}

// Rsample implements Distribution: there is no pathwise form for a discrete
// draw, callers fall back to a score-function estimator or enumeration.
func (b Bernoulli) Rsample(_ *rand.Rand) (*ad.Node, bool) {
	return nil, false
}

// Support implements Enumerable.
func (b Bernoulli) Support() []float64 {
	return []float64{0, 1}
}

// Categorical over {0, …, K-1} with one logit per category.
type Categorical struct {
	Logits []*ad.Node
}

// Family implements Distribution.
func (c Categorical) Family() string { return "categorical" }

// LogProb implements Distribution: logits[x] - logsumexp(logits).
func (c Categorical) LogProb(x *ad.Node) *ad.Node {
	k := int(x.Value())
	if k < 0 || k >= len(c.Logits) || float64(k) != x.Value() {
		Panicf("Categorical.LogProb: x must be an integer in [0, %d), got %g", len(c.Logits), x.Value())
	}
	return ad.Sub(c.Logits[k], ad.LogSumExp(c.Logits...))
}

// Sample implements Distribution.
func (c Categorical) Sample(rng *rand.Rand) float64 {
	maxLogit := math.Inf(-1)
	for _, l := range c.Logits {
		maxLogit = math.Max(maxLogit, l.Value())
	}
	var total float64
	probs := make([]float64, len(c.Logits))
	for ii, l := range c.Logits {
		probs[ii] = math.Exp(l.Value() - maxLogit)
		total += probs[ii]
	}
	u := rng.Float64() * total
	for ii, p := range probs {
		u -= p
		if u < 0 {
			return float64(ii)
		}
	}
	return float64(len(c.Logits) - 1)
}

// Rsample implements Distribution, discrete families have no pathwise form.
func (c Categorical) Rsample(_ *rand.Rand) (*ad.Node, bool) {
	return nil, false
}

// Support implements Enumerable.
func (c Categorical) Support() []float64 {
	support := make([]float64, len(c.Logits))
	for ii := range support {
		support[ii] = float64(ii)
	}
	return support
}
