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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicOps(t *testing.T) {
	tape := NewTape()
	a := tape.Const(3)
	b := tape.Const(2)

	sum := Add(a, b)
	require.Equal(t, 5.0, sum.Value())
	prod := Mul(a, b)
	require.Equal(t, 6.0, prod.Value())
	quot := Div(a, b)
	require.Equal(t, 1.5, quot.Value())

	// f = a*b + a/b, df/da = b + 1/b, df/db = a - a/b².
	f := Add(prod, quot)
	tape.Backward(f)
	require.InDelta(t, 2+0.5, a.Grad(), 1e-12)
	require.InDelta(t, 3-3.0/4, b.Grad(), 1e-12)
}

func TestDiamondGraph(t *testing.T) {
	// f = x² + x², both branches share x: df/dx = 4x.
	tape := NewTape()
	x := tape.Const(1.7)
	f := Add(Square(x), Square(x))
	tape.Backward(f)
	require.InDelta(t, 4*1.7, x.Grad(), 1e-12)
}

func TestTranscendentals(t *testing.T) {
	tape := NewTape()
	x := tape.Const(0.3)

	logExp := Log(Exp(x))
	require.InDelta(t, 0.3, logExp.Value(), 1e-12)
	tape.Backward(logExp)
	require.InDelta(t, 1.0, x.Grad(), 1e-12)

	sq := Sqrt(x)
	require.InDelta(t, math.Sqrt(0.3), sq.Value(), 1e-12)
	tape.Backward(sq)
	require.InDelta(t, 0.5/math.Sqrt(0.3), x.Grad(), 1e-12)

	pw := Pow(x, 3)
	tape.Backward(pw)
	require.InDelta(t, 3*0.3*0.3, x.Grad(), 1e-12)
}

func TestSigmoidSoftplus(t *testing.T) {
	for _, v := range []float64{-30, -2, 0, 0.5, 3, 40} {
		tape := NewTape()
		x := tape.Const(v)

		sp := Softplus(x)
		want := math.Log1p(math.Exp(v))
		require.InDeltaf(t, want, sp.Value(), 1e-9, "softplus(%g)", v)
		tape.Backward(sp)
		sig := 1 / (1 + math.Exp(-v))
		require.InDeltaf(t, sig, x.Grad(), 1e-9, "softplus'(%g)", v)

		s := Sigmoid(x)
		require.InDeltaf(t, sig, s.Value(), 1e-12, "sigmoid(%g)", v)
		tape.Backward(s)
		require.InDeltaf(t, sig*(1-sig), x.Grad(), 1e-12, "sigmoid'(%g)", v)
	}
}

func TestStopGradient(t *testing.T) {
	tape := NewTape()
	x := tape.Const(2)
	f := Mul(StopGradient(x), x) // Treated as c*x with c=2: df/dx = 2.
	require.Equal(t, 4.0, f.Value())
	tape.Backward(f)
	require.InDelta(t, 2.0, x.Grad(), 1e-12)
}

func TestLogSumExp(t *testing.T) {
	tape := NewTape()
	a := tape.Const(1000)
	b := tape.Const(1000)
	lse := LogSumExp(a, b)
	require.InDelta(t, 1000+math.Log(2), lse.Value(), 1e-9)
	tape.Backward(lse)
	require.InDelta(t, 0.5, a.Grad(), 1e-9)
	require.InDelta(t, 0.5, b.Grad(), 1e-9)
}

func TestSumMean(t *testing.T) {
	tape := NewTape()
	nodes := []*Node{tape.Const(1), tape.Const(2), tape.Const(3)}
	require.Equal(t, 6.0, Sum(nodes...).Value())
	m := Mean(nodes...)
	require.InDelta(t, 2.0, m.Value(), 1e-12)
	tape.Backward(m)
	for _, n := range nodes {
		require.InDelta(t, 1.0/3, n.Grad(), 1e-12)
	}
}

func TestMixedTapesPanics(t *testing.T) {
	t1, t2 := NewTape(), NewTape()
	a := t1.Const(1)
	b := t2.Const(2)
	require.Panics(t, func() { Add(a, b) })
}

func TestGradBeforeBackwardPanics(t *testing.T) {
	tape := NewTape()
	x := tape.Const(1)
	require.Panics(t, func() { x.Grad() })
}
