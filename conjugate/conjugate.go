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

// Package conjugate implements exact sequential Bayesian updating of a
// linear-Gaussian regression model.
//
// A LinearGaussian holds a Gaussian belief (μ, Σ) over the P regression
// parameters. Because a Gaussian prior is conjugate to a Gaussian likelihood
// with known noise variance, Update folds observations into the belief in
// closed form, and the posterior after a batch equals the posterior after
// feeding the same rows one at a time, in any order.
//
// Predict splits the predictive variance into its two terms: the fixed
// observation-noise variance (aleatoric) and the parameter-uncertainty term
// xᵀΣx (epistemic), which shrinks as observations accumulate.
package conjugate

import (
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// InvalidPriorError reports a prior covariance that is not usable: wrong
// dimensions or not symmetric positive-definite.
type InvalidPriorError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidPriorError) Error() string {
	return fmt.Sprintf("invalid prior: %s", e.Reason)
}

// SingularCovarianceError reports that the current covariance could not be
// inverted during an update. The belief is left untouched; the caller may
// regularize (e.g. add εI to the covariance of a fresh prior) and retry.
type SingularCovarianceError struct {
	Reason string
}

// Error implements the error interface.
func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("singular covariance: %s", e.Reason)
}

// LinearGaussian is a Gaussian belief over linear-regression parameters,
// updated in place by Update. It is not safe for concurrent use.
type LinearGaussian struct {
	mean *mat.VecDense
	cov  *mat.SymDense
	dim  int
}

// New creates a belief with the given prior mean and covariance. The
// covariance must be symmetric positive-definite (checked by Cholesky
// factorization), otherwise an InvalidPriorError is returned.
func New(priorMean []float64, priorCov *mat.SymDense) (*LinearGaussian, error) {
	p := len(priorMean)
	if p == 0 {
		return nil, &InvalidPriorError{Reason: "empty prior mean"}
	}
	if priorCov.SymmetricDim() != p {
		return nil, &InvalidPriorError{Reason: fmt.Sprintf(
			"mean has %d dimensions but covariance is %d×%d", p, priorCov.SymmetricDim(), priorCov.SymmetricDim())}
	}
	var chol mat.Cholesky
	if !chol.Factorize(priorCov) {
		return nil, &InvalidPriorError{Reason: "covariance is not positive-definite"}
	}
	l := &LinearGaussian{
		mean: mat.NewVecDense(p, nil),
		cov:  mat.NewSymDense(p, nil),
		dim:  p,
	}
	for ii := range priorMean {
		l.mean.SetVec(ii, priorMean[ii])
	}
	l.cov.CopySym(priorCov)
	return l, nil
}

// Dim returns the number of regression parameters P.
func (l *LinearGaussian) Dim() int {
	return l.dim
}

// Mean returns a copy of the current posterior mean.
func (l *LinearGaussian) Mean() []float64 {
	out := make([]float64, l.dim)
	copy(out, l.mean.RawVector().Data)
	return out
}

// Covariance returns a copy of the current posterior covariance.
func (l *LinearGaussian) Covariance() *mat.SymDense {
	out := mat.NewSymDense(l.dim, nil)
	out.CopySym(l.cov)
	return out
}

// Update folds a batch of observations into the belief: phi is the N×P
// design matrix, y the N targets and noiseVariance the known observation
// noise σ² > 0. The current (μ, Σ) serve as the prior for this call and
// are replaced with
//
//	Σ₁ = σ²(ΦᵀΦ + σ²Σ⁻¹)⁻¹
//	μ₁ = Σ₁Σ⁻¹μ + (1/σ²)Σ₁Φᵀy
//
// Updating with one batch of N rows is equivalent (up to rounding) to N
// single-row updates in any order.
//
// On error (a SingularCovarianceError when Σ cannot be inverted, or a plain
// error on malformed arguments) the belief is left exactly as it was.
func (l *LinearGaussian) Update(phi *mat.Dense, y *mat.VecDense, noiseVariance float64) error {
	n, p := phi.Dims()
	if p != l.dim {
		return errors.Errorf("design matrix has %d columns, belief has %d parameters", p, l.dim)
	}
	if y.Len() != n {
		return errors.Errorf("design matrix has %d rows but %d targets given", n, y.Len())
	}
	if noiseVariance <= 0 {
		return errors.Errorf("noise variance must be > 0, got %g", noiseVariance)
	}

	var priorChol mat.Cholesky
	if !priorChol.Factorize(l.cov) {
		return &SingularCovarianceError{Reason: "current covariance is not positive-definite"}
	}
	precision := mat.NewSymDense(p, nil) // Σ⁻¹
	if err := priorChol.InverseTo(precision); err != nil {
		return &SingularCovarianceError{Reason: err.Error()}
	}

	// M = ΦᵀΦ + σ²Σ⁻¹, symmetric positive-definite.
	var gram mat.Dense
	gram.Mul(phi.T(), phi)
	m := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			m.SetSym(i, j, 0.5*(gram.At(i, j)+gram.At(j, i))+noiseVariance*precision.At(i, j))
		}
	}
	var mChol mat.Cholesky
	if !mChol.Factorize(m) {
		return &SingularCovarianceError{Reason: "posterior precision is not positive-definite"}
	}
	newCov := mat.NewSymDense(p, nil) // Σ₁ = σ²M⁻¹
	if err := mChol.InverseTo(newCov); err != nil {
		return &SingularCovarianceError{Reason: err.Error()}
	}
	newCov.ScaleSym(noiseVariance, newCov)

	// μ₁ = Σ₁Σ⁻¹μ + (1/σ²)Σ₁Φᵀy.
	var priorTerm, dataTerm, phiTy mat.VecDense
	var tmp mat.VecDense
	tmp.MulVec(precision, l.mean)
	priorTerm.MulVec(newCov, &tmp)
	phiTy.MulVec(phi.T(), y)
	dataTerm.MulVec(newCov, &phiTy)
	dataTerm.ScaleVec(1/noiseVariance, &dataTerm)

	newMean := mat.NewVecDense(p, nil)
	newMean.AddVec(&priorTerm, &dataTerm)

	// Commit only after every step succeeded.
	l.mean = newMean
	l.cov = newCov
	return nil
}

// UpdateOne folds a single observation (phi, y) into the belief.
func (l *LinearGaussian) UpdateOne(phi []float64, y, noiseVariance float64) error {
	if len(phi) != l.dim {
		return errors.Errorf("design row has %d entries, belief has %d parameters", len(phi), l.dim)
	}
	row := mat.NewDense(1, l.dim, nil)
	row.SetRow(0, phi)
	return l.Update(row, mat.NewVecDense(1, []float64{y}), noiseVariance)
}

// Predict returns the posterior-predictive mean and variance at the design
// vector x, given the observation noise σ². The variance is the sum of the
// irreducible noise term σ² and the epistemic term xᵀΣx.
func (l *LinearGaussian) Predict(x []float64, noiseVariance float64) (mean, variance float64) {
	xv := mat.NewVecDense(l.dim, x)
	mean = mat.Dot(xv, l.mean)
	var sx mat.VecDense
	sx.MulVec(l.cov, xv)
	variance = noiseVariance + mat.Dot(xv, &sx)
	return
}

// PredictBatch is Predict over the rows of the N×P design matrix phi.
func (l *LinearGaussian) PredictBatch(phi *mat.Dense, noiseVariance float64) (means, variances []float64) {
	n, _ := phi.Dims()
	means = make([]float64, n)
	variances = make([]float64, n)
	for i := 0; i < n; i++ {
		means[i], variances[i] = l.Predict(mat.Row(nil, i, phi), noiseVariance)
	}
	return
}

// SampleModels returns a lazy sequence of n parameter draws from the current
// belief 𝒩(μ, Σ), for visualizing the distribution over models. The
// sequence is restartable: every range over it replays the same n draws,
// derived from seed.
func (l *LinearGaussian) SampleModels(n int, seed uint64) iter.Seq[[]float64] {
	mean := l.Mean()
	cov := l.Covariance()
	return func(yield func([]float64) bool) {
		rng := rand.New(rand.NewPCG(seed, 0))
		normal, ok := distmv.NewNormal(mean, cov, rng)
		if !ok {
			// The belief was valid at construction and every update keeps it
			// positive-definite up to rounding; treat failure as exhausted.
			return
		}
		for range n {
			if !yield(normal.Rand(nil)) {
				return
			}
		}
	}
}
