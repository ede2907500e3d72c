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
	"slices"
	"time"

	"github.com/pkg/errors"
)

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks, called once after the last step.
type OnEndFn func(loop *Loop) error

// BatchFn yields the minibatch for a given step. Returning the full dataset
// every time is fine for small problems.
type BatchFn func(step int) Batch

// Loop drives Engine.Step for a number of steps, invoking the registered
// hooks. In itself it doesn't do much, but progress bars, convergence
// checks or early stopping attach to it naturally.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Engine being trained.
	Engine *Engine

	// LoopStep currently being executed, starting from 0.
	LoopStep int

	// StepDurations collected during training, one per executed step.
	StepDurations []time.Duration

	onStep []hook[OnStepFn]
	onEnd  []hook[OnEndFn]
}

type hook[F any] struct {
	name string
	fn   F
}

// NewLoop creates a training loop for the engine.
func NewLoop(engine *Engine) *Loop {
	return &Loop{Engine: engine}
}

// OnStep registers a hook called after every step, in registration order.
// The name shows up in error messages.
func (loop *Loop) OnStep(name string, fn OnStepFn) *Loop {
	loop.onStep = append(loop.onStep, hook[OnStepFn]{name: name, fn: fn})
	return loop
}

// OnEnd registers a hook called once, after the last step.
func (loop *Loop) OnEnd(name string, fn OnEndFn) *Loop {
	loop.onEnd = append(loop.onEnd, hook[OnEndFn]{name: name, fn: fn})
	return loop
}

// RunSteps runs numSteps training steps, pulling one minibatch per step from
// batchFn. It stops at the first engine or hook error.
func (loop *Loop) RunSteps(rng *rand.Rand, batchFn BatchFn, numSteps int) error {
	for ii := 0; ii < numSteps; ii++ {
		start := time.Now()
		loss, err := loop.Engine.Step(rng, batchFn(loop.LoopStep))
		loop.StepDurations = append(loop.StepDurations, time.Since(start))
		if err != nil {
			return errors.WithMessagef(err, "step %d", loop.LoopStep)
		}
		for _, h := range loop.onStep {
			if err := h.fn(loop, loss); err != nil {
				return errors.WithMessagef(err, "OnStep(hook %q) at step %d", h.name, loop.LoopStep)
			}
		}
		loop.LoopStep++
	}
	for _, h := range loop.onEnd {
		if err := h.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", h.name)
		}
	}
	return nil
}

// MedianStepDuration returns the median step duration observed so far, or 0
// before the first step.
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), loop.StepDurations...)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
