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

	"github.com/gomlx/bayes/ad"
	. "github.com/gomlx/exceptions"
)

// Constraint maps a guide parameter between the unconstrained space it is
// optimized in and the constrained space it is used in. Every parameter with
// a constraint is stored and updated unconstrained and transformed on every
// tape build; there is no path that optimizes a constrained value directly.
type Constraint interface {
	// Name of the constraint, for error messages.
	Name() string

	// Transform maps the unconstrained (raw) value to the constrained space,
	// recorded on the tape.
	Transform(raw *ad.Node) *ad.Node

	// Inverse maps a constrained value back to the unconstrained space. Used
	// to initialize parameters from constrained initial values.
	Inverse(constrained float64) float64
}

type identity struct{}

func (identity) Name() string                    { return "identity" }
func (identity) Transform(raw *ad.Node) *ad.Node { return raw }
func (identity) Inverse(c float64) float64       { return c }

type positive struct{}

func (positive) Name() string                    { return "positive" }
func (positive) Transform(raw *ad.Node) *ad.Node { return ad.Exp(raw) }
func (positive) Inverse(c float64) float64 {
	if c <= 0 {
		Panicf("positive constraint: initial value must be > 0, got %g", c)
	}
	return math.Log(c)
}

var (
	// Identity leaves the parameter unconstrained.
	Identity Constraint = identity{}

	// Positive keeps the parameter > 0 through an exp transform.
	Positive Constraint = positive{}
)

// param is one named guide parameter: a vector of unconstrained values plus
// the constraint that maps them into use.
type param struct {
	name       string
	constraint Constraint
	raw        []float64
}

// Store holds the guide parameters by name. Parameters are created the first
// time the guide asks for them (at the first Step) and mutated only by the
// optimizer.
type Store struct {
	order  []string
	params map[string]*param
}

// NewStore creates an empty parameter store.
func NewStore() *Store {
	return &Store{params: make(map[string]*param)}
}

// lookupOrCreate returns the named parameter, creating it with the given
// constrained initial values on first use. Once created, size and constraint
// must stay consistent.
func (s *Store) lookupOrCreate(name string, init []float64, c Constraint) *param {
	if p, found := s.params[name]; found {
		if len(p.raw) != len(init) {
			Panicf("parameter %q was created with %d values, now requested with %d", name, len(p.raw), len(init))
		}
		if p.constraint != c {
			Panicf("parameter %q was created with constraint %q, now requested with %q",
				name, p.constraint.Name(), c.Name())
		}
		return p
	}
	raw := make([]float64, len(init))
	for ii, v := range init {
		raw[ii] = c.Inverse(v)
	}
	p := &param{name: name, constraint: c, raw: raw}
	s.params[name] = p
	s.order = append(s.order, name)
	return p
}

// Names returns the parameter names in creation order.
func (s *Store) Names() []string {
	return append([]string(nil), s.order...)
}

// Value returns the constrained values of the named parameter, or nil if it
// does not exist (e.g. before the first training step).
func (s *Store) Value(name string) []float64 {
	p, found := s.params[name]
	if !found {
		return nil
	}
	// A scratch tape evaluates the constraint transform without touching any
	// training state.
	tape := ad.NewTape()
	out := make([]float64, len(p.raw))
	for ii, raw := range p.raw {
		out[ii] = p.constraint.Transform(tape.Const(raw)).Value()
	}
	return out
}

// Raw returns a copy of the unconstrained values of the named parameter, or
// nil if it does not exist.
func (s *Store) Raw(name string) []float64 {
	p, found := s.params[name]
	if !found {
		return nil
	}
	return append([]float64(nil), p.raw...)
}

// NumValues returns the total number of scalar parameters in the store.
func (s *Store) NumValues() int {
	var n int
	for _, p := range s.params {
		n += len(p.raw)
	}
	return n
}
