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
	"math"

	. "github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"
)

// Optimizer applies one gradient update to the guide parameters. All
// implementations work in the unconstrained space of the Store.
type Optimizer interface {
	// Apply performs one update given the gradients of the loss with respect
	// to the raw (unconstrained) parameters, keyed like the store.
	Apply(store *Store, grads map[string][]float64)

	// Clear deletes any internal state (moments, step counters), resetting
	// the optimizer for a fresh run.
	Clear()
}

// KnownOptimizers maps optimizer names to their default constructors, as a
// quick starting point; hyperparameter-tuned configurations usually do a
// little better.
var KnownOptimizers = map[string]func() Optimizer{
	"sgd":    func() Optimizer { return SGD().Done() },
	"adam":   func() Optimizer { return Adam().Done() },
	"adamax": func() Optimizer { return Adam().Adamax().Done() },
}

// OptimizerByName returns an optimizer with default settings given its name,
// or panics if the name is unknown.
func OptimizerByName(name string) Optimizer {
	builder, found := KnownOptimizers[name]
	if !found {
		Panicf("unknown optimizer %q, valid values are %v", name, maps.Keys(KnownOptimizers))
	}
	return builder()
}

// SgdDefaultLearningRate is used by SGD when no learning rate is configured.
const SgdDefaultLearningRate = 0.1

// SGD returns a configuration for plain stochastic gradient descent with a
// 1/√step learning-rate decay. Call Done to build the Optimizer.
func SGD() *SGDConfig {
	return &SGDConfig{learningRate: SgdDefaultLearningRate, decay: true}
}

// SGDConfig configures the SGD optimizer; create it with SGD().
type SGDConfig struct {
	learningRate float64
	decay        bool
}

// LearningRate sets the base step size. Defaults to SgdDefaultLearningRate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// NoDecay disables the 1/√step learning-rate decay.
func (c *SGDConfig) NoDecay() *SGDConfig {
	c.decay = false
	return c
}

// Done builds the Optimizer to the configuration.
func (c *SGDConfig) Done() Optimizer {
	return &sgd{config: *c}
}

type sgd struct {
	config SGDConfig
	step   int
}

// Apply implements Optimizer.
func (o *sgd) Apply(store *Store, grads map[string][]float64) {
	o.step++
	lr := o.config.learningRate
	if o.config.decay {
		lr /= math.Sqrt(float64(o.step))
	}
	for name, grad := range grads {
		p := store.params[name]
		for ii := range p.raw {
			p.raw[ii] -= lr * grad[ii]
		}
	}
}

// Clear implements Optimizer.
func (o *sgd) Clear() {
	o.step = 0
}

// AdamDefaultLearningRate is used by Adam when no learning rate is
// configured.
const AdamDefaultLearningRate = 0.001

// Adam returns a configuration for the Adam optimizer
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980): gradient descent
// with adaptive first- and second-moment estimates. Call Done to build the
// Optimizer.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig configures the Adam optimizer; create it with Adam().
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool
}

// LearningRate sets the base step size. Defaults to AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average decay constants. They default to 0.9 and
// 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon is the small denominator constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax uses the L-infinity norm for the second moment, as described in the
// Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// Done builds the Optimizer to the configuration.
func (c *AdamConfig) Done() Optimizer {
	return &adam{config: *c, moments: make(map[string]*adamMoments)}
}

type adamMoments struct {
	m1, m2 []float64
}

type adam struct {
	config  AdamConfig
	moments map[string]*adamMoments
	step    int
}

// Apply implements Optimizer.
func (o *adam) Apply(store *Store, grads map[string][]float64) {
	o.step++
	t := float64(o.step)
	debias1 := 1 / (1 - math.Pow(o.config.beta1, t))
	debias2 := 1 / (1 - math.Pow(o.config.beta2, t))
	for name, grad := range grads {
		p := store.params[name]
		mom, found := o.moments[name]
		if !found {
			mom = &adamMoments{m1: make([]float64, len(p.raw)), m2: make([]float64, len(p.raw))}
			o.moments[name] = mom
		}
		for ii := range p.raw {
			g := grad[ii]
			mom.m1[ii] = o.config.beta1*mom.m1[ii] + (1-o.config.beta1)*g
			var denominator float64
			if o.config.adamax {
				mom.m2[ii] = math.Max(o.config.beta2*mom.m2[ii], math.Abs(g))
				denominator = mom.m2[ii] + o.config.epsilon
			} else {
				mom.m2[ii] = o.config.beta2*mom.m2[ii] + (1-o.config.beta2)*g*g
				denominator = math.Sqrt(mom.m2[ii]*debias2) + o.config.epsilon
			}
			p.raw[ii] -= o.config.learningRate * mom.m1[ii] * debias1 / denominator
		}
	}
}

// Clear implements Optimizer.
func (o *adam) Clear() {
	o.step = 0
	o.moments = make(map[string]*adamMoments)
}
