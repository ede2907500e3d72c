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

// Package ad implements reverse-mode automatic differentiation over scalar
// values, using a gradient tape.
//
// Operations are evaluated eagerly: every Node carries its forward value, and
// the tape records the local partial derivatives needed to run Tape.Backward
// later. A typical use builds a fresh Tape per optimization step:
//
//	tape := ad.NewTape()
//	x := tape.Const(3.0)
//	loss := ad.Square(ad.AddScalar(x, -1))
//	tape.Backward(loss)
//	grad := x.Grad() // == 4.0
//
// Tapes are not safe for concurrent use; each goroutine should own its own.
package ad

import (
	. "github.com/gomlx/exceptions"
)

// Tape records scalar operations and their local derivatives, so that
// Backward can accumulate adjoints in reverse order.
type Tape struct {
	records []record
	grads   []float64
}

// record holds the parents of one node and the partial derivative of the
// node's value with respect to each parent.
type record struct {
	numParents int32
	parents    [2]int32
	partials   [2]float64
}

// Node is a scalar value recorded on a Tape.
//
// Nodes are only meaningful together with the Tape that created them; mixing
// nodes of different tapes in one operation panics.
type Node struct {
	tape  *Tape
	id    int32
	value float64
}

// NewTape creates an empty gradient tape.
func NewTape() *Tape {
	return &Tape{}
}

// Const records a leaf node with the given value. Gradients with respect to
// leaves can be read with Node.Grad after Backward.
func (t *Tape) Const(value float64) *Node {
	return t.append(value, record{})
}

// NumNodes returns how many nodes have been recorded so far.
func (t *Tape) NumNodes() int {
	return len(t.records)
}

func (t *Tape) append(value float64, rec record) *Node {
	t.records = append(t.records, rec)
	t.grads = nil // Invalidate any previous Backward pass.
	return &Node{tape: t, id: int32(len(t.records) - 1), value: value}
}

// unary records an operation with one parent: value is the forward result and
// partial the derivative with respect to the parent.
func (t *Tape) unary(a *Node, value, partial float64) *Node {
	return t.append(value, record{
		numParents: 1,
		parents:    [2]int32{a.id, 0},
		partials:   [2]float64{partial, 0},
	})
}

// binary records an operation with two parents.
func (t *Tape) binary(a, b *Node, value, partialA, partialB float64) *Node {
	if a.tape != b.tape {
		Panicf("ad: operation mixes nodes from two different tapes")
	}
	return t.append(value, record{
		numParents: 2,
		parents:    [2]int32{a.id, b.id},
		partials:   [2]float64{partialA, partialB},
	})
}

// Backward accumulates on the tape the gradient of root with respect to every
// node recorded before it. After it returns, Node.Grad reads the result.
//
// Calling Backward a second time (e.g. for a different root) discards the
// previous gradients.
func (t *Tape) Backward(root *Node) {
	if root.tape != t {
		Panicf("ad: Backward called with a root node from a different tape")
	}
	t.grads = make([]float64, len(t.records))
	t.grads[root.id] = 1
	for id := root.id; id >= 0; id-- {
		g := t.grads[id]
		if g == 0 {
			continue
		}
		rec := &t.records[id]
		for p := int32(0); p < rec.numParents; p++ {
			t.grads[rec.parents[p]] += g * rec.partials[p]
		}
	}
}

// Value returns the forward value of the node.
func (n *Node) Value() float64 {
	return n.value
}

// Grad returns d(root)/d(n) for the root given to the last Tape.Backward
// call. It panics if Backward was not run, or if nodes were appended to the
// tape after it ran.
func (n *Node) Grad() float64 {
	if n.tape.grads == nil {
		Panicf("ad: Node.Grad called before Tape.Backward (or after the tape changed)")
	}
	return n.tape.grads[n.id]
}

// Tape returns the tape the node was recorded on.
func (n *Node) Tape() *Tape {
	return n.tape
}
