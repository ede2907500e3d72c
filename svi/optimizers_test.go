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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimizeQuadratic runs the optimizer on f(x) = (x-3)² + (y+1)² and returns
// the final point. The gradients are exact, so any reasonable optimizer
// should land on (3, -1).
func minimizeQuadratic(opt Optimizer, numSteps int) []float64 {
	store := NewStore()
	store.lookupOrCreate("x", []float64{0, 0}, Identity)
	targets := []float64{3, -1}
	for step := 0; step < numSteps; step++ {
		raw := store.Raw("x")
		grads := map[string][]float64{
			"x": {2 * (raw[0] - targets[0]), 2 * (raw[1] - targets[1])},
		}
		opt.Apply(store, grads)
	}
	return store.Value("x")
}

func TestSGDMinimizesQuadratic(t *testing.T) {
	final := minimizeQuadratic(SGD().LearningRate(0.1).Done(), 2000)
	assert.InDelta(t, 3.0, final[0], 1e-3)
	assert.InDelta(t, -1.0, final[1], 1e-3)

	// Without decay the fixed step size contracts geometrically.
	final = minimizeQuadratic(SGD().LearningRate(0.1).NoDecay().Done(), 200)
	assert.InDelta(t, 3.0, final[0], 1e-6)
	assert.InDelta(t, -1.0, final[1], 1e-6)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	final := minimizeQuadratic(Adam().LearningRate(0.1).Done(), 2000)
	assert.InDelta(t, 3.0, final[0], 1e-3)
	assert.InDelta(t, -1.0, final[1], 1e-3)
}

func TestAdamaxMinimizesQuadratic(t *testing.T) {
	final := minimizeQuadratic(Adam().LearningRate(0.1).Adamax().Done(), 2000)
	assert.InDelta(t, 3.0, final[0], 1e-3)
	assert.InDelta(t, -1.0, final[1], 1e-3)
}

func TestSGDDecaySchedule(t *testing.T) {
	store := NewStore()
	store.lookupOrCreate("x", []float64{0}, Identity)
	opt := SGD().LearningRate(0.1).Done()
	grads := map[string][]float64{"x": {1}}

	opt.Apply(store, grads)
	require.InDelta(t, -0.1, store.Raw("x")[0], 1e-12)
	opt.Apply(store, grads)
	require.InDelta(t, -0.1-0.1/1.4142135623730951, store.Raw("x")[0], 1e-12)

	// Clear resets the step counter, so the full learning rate applies again.
	opt.Clear()
	before := store.Raw("x")[0]
	opt.Apply(store, grads)
	require.InDelta(t, before-0.1, store.Raw("x")[0], 1e-12)
}

func TestAdamClearDropsMoments(t *testing.T) {
	store := NewStore()
	store.lookupOrCreate("x", []float64{0}, Identity)
	opt := Adam().Done()
	opt.Apply(store, map[string][]float64{"x": {1}})
	require.NotEmpty(t, opt.(*adam).moments)

	opt.Clear()
	assert.Empty(t, opt.(*adam).moments)
	assert.Zero(t, opt.(*adam).step)
}

func TestOptimizerByName(t *testing.T) {
	for name := range KnownOptimizers {
		opt := OptimizerByName(name)
		require.NotNil(t, opt, "optimizer %q", name)
		final := minimizeQuadratic(opt, 5000)
		assert.InDelta(t, 3.0, final[0], 0.1, "optimizer %q", name)
		assert.InDelta(t, -1.0, final[1], 0.1, "optimizer %q", name)
	}
	require.Panics(t, func() { OptimizerByName("newton") })
}
