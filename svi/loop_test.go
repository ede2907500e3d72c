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
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLineLoop(t *testing.T) (*Loop, *rand.Rand, Batch) {
	rng := rand.New(rand.NewPCG(17, 0))
	engine, err := New(lineModel(10, 0.5), lineGuide(), Adam().Done(), MeanFieldELBO{Particles: 2})
	require.NoError(t, err)
	return NewLoop(engine), rng, lineData(rng, 16, 0.5, 2.0, 0.5)
}

func TestLoopRunsStepsAndHooks(t *testing.T) {
	loop, rng, batch := newLineLoop(t)

	var stepCalls, endCalls int
	var lastLoss float64
	loop.OnStep("count", func(loop *Loop, loss float64) error {
		stepCalls++
		lastLoss = loss
		return nil
	})
	loop.OnEnd("finish", func(loop *Loop) error {
		endCalls++
		// All steps completed before the end hooks run.
		assert.Equal(t, 10, loop.LoopStep)
		return nil
	})

	err := loop.RunSteps(rng, func(step int) Batch { return batch }, 10)
	require.NoError(t, err)

	assert.Equal(t, 10, loop.LoopStep)
	assert.Equal(t, 10, stepCalls)
	assert.Equal(t, 1, endCalls)
	assert.Len(t, loop.StepDurations, 10)
	assert.Greater(t, loop.MedianStepDuration().Nanoseconds(), int64(0))
	assert.Equal(t, loop.Engine.Losses()[9], lastLoss)
}

func TestLoopStopsOnHookError(t *testing.T) {
	loop, rng, batch := newLineLoop(t)

	hookErr := errors.New("budget exhausted")
	loop.OnStep("stopper", func(loop *Loop, loss float64) error {
		if loop.LoopStep == 3 {
			return hookErr
		}
		return nil
	})
	var ended bool
	loop.OnEnd("finish", func(loop *Loop) error {
		ended = true
		return nil
	})

	err := loop.RunSteps(rng, func(step int) Batch { return batch }, 100)
	require.ErrorIs(t, err, hookErr)
	assert.Contains(t, err.Error(), "stopper")
	assert.Equal(t, 3, loop.LoopStep)
	assert.False(t, ended, "OnEnd hooks must not run after an error")
}

func TestLoopPropagatesStepError(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 0))
	batch := lineData(rng, 16, 0.5, 2.0, 0.5)

	// A negative noise scale makes every likelihood term NaN, so the very
	// first step fails.
	engine, err := New(lineModel(10, -1), lineGuide(), Adam().Done(), MeanFieldELBO{Particles: 2})
	require.NoError(t, err)
	loop := NewLoop(engine)

	err = loop.RunSteps(rng, func(step int) Batch { return batch }, 5)
	require.Error(t, err)
	var instability *NumericalInstabilityError
	require.ErrorAs(t, err, &instability)
	assert.Contains(t, err.Error(), "step 0")
	assert.Zero(t, loop.LoopStep)
	assert.Empty(t, loop.Engine.Losses())
}

func TestMedianStepDurationEmpty(t *testing.T) {
	loop := &Loop{}
	assert.Zero(t, loop.MedianStepDuration())
}
