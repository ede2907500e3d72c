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

package conjugate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newBelief(t *testing.T, mean []float64, diag ...float64) *LinearGaussian {
	t.Helper()
	p := len(mean)
	cov := mat.NewSymDense(p, nil)
	for i, v := range diag {
		cov.SetSym(i, i, v)
	}
	l, err := New(mean, cov)
	require.NoError(t, err)
	return l
}

func TestInvalidPrior(t *testing.T) {
	// Not positive-definite: negative variance.
	cov := mat.NewSymDense(2, []float64{1, 0, 0, -1})
	_, err := New([]float64{0, 0}, cov)
	var invalid *InvalidPriorError
	require.ErrorAs(t, err, &invalid)

	// Dimension mismatch.
	_, err = New([]float64{0, 0, 0}, mat.NewSymDense(2, []float64{1, 0, 0, 1}))
	require.ErrorAs(t, err, &invalid)

	// Empty mean.
	_, err = New(nil, mat.NewSymDense(1, []float64{1}))
	require.ErrorAs(t, err, &invalid)
}

// The closed-form scenario: prior μ₀=[0,0], Σ₀=diag(25,25), one observation
// Φ=[1,2], y=2, σ²=1. By hand:
//
//	M = ΦᵀΦ + σ²Σ₀⁻¹ = [[1.04, 2], [2, 4.04]], det M = 0.2016
//	Σ₁ = M⁻¹ = [[20.0397, -9.9206], [-9.9206, 5.1587]]
//	μ₁ = Σ₁Φᵀy = [0.3968, 0.7937]
func TestSingleObservationClosedForm(t *testing.T) {
	l := newBelief(t, []float64{0, 0}, 25, 25)
	require.NoError(t, l.UpdateOne([]float64{1, 2}, 2, 1))

	cov := l.Covariance()
	assert.InDelta(t, 20.0397, cov.At(0, 0), 1e-3)
	assert.InDelta(t, -9.9206, cov.At(0, 1), 1e-3)
	assert.InDelta(t, -9.9206, cov.At(1, 0), 1e-3)
	assert.InDelta(t, 5.1587, cov.At(1, 1), 1e-3)

	mean := l.Mean()
	assert.InDelta(t, 0.3968, mean[0], 1e-3)
	assert.InDelta(t, 0.7937, mean[1], 1e-3)
	// The posterior mean nearly satisfies b + 2w ≈ 2.
	assert.InDelta(t, 2.0, mean[0]+2*mean[1], 0.05)
}

func TestBatchEqualsSequentialAnyOrder(t *testing.T) {
	phiRows := [][]float64{{1, -1}, {1, 0.5}, {1, 2}, {1, 3.5}}
	ys := []float64{-0.5, 1.1, 4.2, 7.0}
	const noiseVar = 0.25

	batchPhi := mat.NewDense(4, 2, nil)
	for i, row := range phiRows {
		batchPhi.SetRow(i, row)
	}
	batch := newBelief(t, []float64{0, 0}, 9, 9)
	require.NoError(t, batch.Update(batchPhi, mat.NewVecDense(4, ys), noiseVar))

	for _, order := range [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}} {
		seq := newBelief(t, []float64{0, 0}, 9, 9)
		for _, i := range order {
			require.NoError(t, seq.UpdateOne(phiRows[i], ys[i], noiseVar))
		}
		wantMean, gotMean := batch.Mean(), seq.Mean()
		for d := range wantMean {
			assert.InDeltaf(t, wantMean[d], gotMean[d], 1e-9, "order %v mean[%d]", order, d)
		}
		wantCov, gotCov := batch.Covariance(), seq.Covariance()
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				assert.InDeltaf(t, wantCov.At(i, j), gotCov.At(i, j), 1e-9, "order %v cov[%d,%d]", order, i, j)
			}
		}
	}
}

// With a nearly flat prior, one observation at x=2, y=2 and σ=1 the
// posterior mean is the ordinary-least-squares estimate.
func TestFlatPriorRecoversOLS(t *testing.T) {
	l := newBelief(t, []float64{0}, 1e8)
	require.NoError(t, l.UpdateOne([]float64{2}, 2, 1))
	// OLS for a single point: w = xy/x² = 1.
	assert.InDelta(t, 1.0, l.Mean()[0], 1e-4)
}

func TestPredictiveVarianceDecomposition(t *testing.T) {
	const noiseVar = 1.0
	l := newBelief(t, []float64{0, 0}, 25, 25)

	// Before any data, the epistemic term dominates and the total is
	// strictly above the noise floor.
	_, v0 := l.Predict([]float64{1, 2}, noiseVar)
	require.Greater(t, v0, noiseVar)

	// Variance at x must be non-increasing as aligned observations arrive.
	prev := v0
	for i := 0; i < 5; i++ {
		require.NoError(t, l.UpdateOne([]float64{1, 2}, 2, noiseVar))
		_, v := l.Predict([]float64{1, 2}, noiseVar)
		require.LessOrEqualf(t, v, prev+1e-12, "step %d", i)
		prev = v
	}

	// It approaches, but never goes below, the aleatoric floor σ².
	require.Greater(t, prev, noiseVar)
	require.Less(t, prev, 1.3*noiseVar)

	// Directions orthogonal to every observed row keep their prior
	// epistemic spread: [2,-1]ᵀ·[1,2] = 0.
	_, vOrth := l.Predict([]float64{2, -1}, noiseVar)
	priorEpistemic := 25.0*4 + 25.0*1
	assert.InDelta(t, noiseVar+priorEpistemic, vOrth, 1e-6)
}

func TestPredictBatch(t *testing.T) {
	l := newBelief(t, []float64{1, 2}, 4, 4)
	phi := mat.NewDense(2, 2, []float64{1, 0, 1, 3})
	means, variances := l.PredictBatch(phi, 0.5)
	require.Len(t, means, 2)
	assert.InDelta(t, 1.0, means[0], 1e-12)
	assert.InDelta(t, 7.0, means[1], 1e-12)
	assert.InDelta(t, 0.5+4, variances[0], 1e-12)
	assert.InDelta(t, 0.5+4+36, variances[1], 1e-12)
}

func TestSingularCovariance(t *testing.T) {
	// A zero-variance dimension is rejected already at construction.
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 0})
	_, err := New([]float64{0, 0}, cov)
	var invalid *InvalidPriorError
	require.ErrorAs(t, err, &invalid)

	// A belief whose covariance collapsed to singular mid-stream surfaces
	// SingularCovarianceError and leaves the state untouched.
	l := newBelief(t, []float64{0, 0}, 1, 1)
	l.cov.SetSym(1, 1, 0) // Simulate numerical collapse.
	before := l.Mean()
	err = l.UpdateOne([]float64{1, 1}, 1, 1)
	var singular *SingularCovarianceError
	require.ErrorAs(t, err, &singular)
	require.Equal(t, before, l.Mean())
}

func TestUpdateArgumentErrors(t *testing.T) {
	l := newBelief(t, []float64{0, 0}, 1, 1)
	require.Error(t, l.UpdateOne([]float64{1}, 1, 1))
	require.Error(t, l.UpdateOne([]float64{1, 1}, 1, 0))
	require.Error(t, l.UpdateOne([]float64{1, 1}, 1, -2))
	phi := mat.NewDense(2, 2, []float64{1, 0, 1, 1})
	require.Error(t, l.Update(phi, mat.NewVecDense(1, []float64{1}), 1))
}

func TestSampleModelsRestartable(t *testing.T) {
	l := newBelief(t, []float64{1, -1}, 0.5, 0.5)
	seq := l.SampleModels(10, 42)

	var first, second [][]float64
	for draw := range seq {
		first = append(first, append([]float64(nil), draw...))
	}
	for draw := range seq {
		second = append(second, append([]float64(nil), draw...))
	}
	require.Len(t, first, 10)
	require.Equal(t, first, second)

	// Early break keeps the sequence finite and reusable.
	count := 0
	for range seq {
		count++
		if count == 3 {
			break
		}
	}
	require.Equal(t, 3, count)

	// A different seed gives different draws.
	var other [][]float64
	for draw := range l.SampleModels(10, 43) {
		other = append(other, append([]float64(nil), draw...))
	}
	require.NotEqual(t, first, other)
}
