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

package ad

import (
	"math"

	. "github.com/gomlx/exceptions"
)

// This file implements the scalar operations recorded on the tape. They are
// package-level functions taking Node arguments, the tape is taken from the
// operands.

// Add returns a+b.
func Add(a, b *Node) *Node {
	return a.tape.binary(a, b, a.value+b.value, 1, 1)
}

// Sub returns a-b.
func Sub(a, b *Node) *Node {
	return a.tape.binary(a, b, a.value-b.value, 1, -1)
}

// Mul returns a*b.
func Mul(a, b *Node) *Node {
	return a.tape.binary(a, b, a.value*b.value, b.value, a.value)
}

// Div returns a/b.
func Div(a, b *Node) *Node {
	return a.tape.binary(a, b, a.value/b.value, 1/b.value, -a.value/(b.value*b.value))
}

// Neg returns -a.
func Neg(a *Node) *Node {
	return a.tape.unary(a, -a.value, -1)
}

// AddScalar returns a+c for a constant c.
func AddScalar(a *Node, c float64) *Node {
	return a.tape.unary(a, a.value+c, 1)
}

// MulScalar returns a*c for a constant c.
func MulScalar(a *Node, c float64) *Node {
	return a.tape.unary(a, a.value*c, c)
}

// Exp returns e^a.
func Exp(a *Node) *Node {
	v := math.Exp(a.value)
	return a.tape.unary(a, v, v)
}

// Log returns the natural logarithm of a.
func Log(a *Node) *Node {
	return a.tape.unary(a, math.Log(a.value), 1/a.value)
}

// Sqrt returns the square root of a.
func Sqrt(a *Node) *Node {
	v := math.Sqrt(a.value)
	return a.tape.unary(a, v, 0.5/v)
}

// Square returns a².
func Square(a *Node) *Node {
	return a.tape.unary(a, a.value*a.value, 2*a.value)
}

// Pow returns a^p for a constant exponent p.
func Pow(a *Node, p float64) *Node {
	return a.tape.unary(a, math.Pow(a.value, p), p*math.Pow(a.value, p-1))
}

// Sigmoid returns 1/(1+e^-a).
func Sigmoid(a *Node) *Node {
	v := 1 / (1 + math.Exp(-a.value))
	return a.tape.unary(a, v, v*(1-v))
}

// Softplus returns log(1+e^a), computed in a numerically stable form.
func Softplus(a *Node) *Node {
	// log(1+e^x) = max(x, 0) + log(1+e^-|x|)
	v := math.Max(a.value, 0) + math.Log1p(math.Exp(-math.Abs(a.value)))
	partial := 1 / (1 + math.Exp(-a.value))
	return a.tape.unary(a, v, partial)
}

// StopGradient returns a node with the same value as a, through which no
// gradient flows.
func StopGradient(a *Node) *Node {
	return a.tape.Const(a.value)
}

// Sum adds all the given nodes. It panics on an empty list.
func Sum(nodes ...*Node) *Node {
	if len(nodes) == 0 {
		Panicf("ad: Sum of no nodes")
	}
	total := nodes[0]
	for _, n := range nodes[1:] {
		total = Add(total, n)
	}
	return total
}

// Mean averages all the given nodes. It panics on an empty list.
func Mean(nodes ...*Node) *Node {
	return MulScalar(Sum(nodes...), 1/float64(len(nodes)))
}

// LogSumExp returns log(Σ e^nᵢ) using the max trick for stability.
func LogSumExp(nodes ...*Node) *Node {
	if len(nodes) == 0 {
		Panicf("ad: LogSumExp of no nodes")
	}
	maxVal := math.Inf(-1)
	for _, n := range nodes {
		maxVal = math.Max(maxVal, n.value)
	}
	terms := make([]*Node, len(nodes))
	for ii, n := range nodes {
		terms[ii] = Exp(AddScalar(n, -maxVal))
	}
	return AddScalar(Log(Sum(terms...)), maxVal)
}
