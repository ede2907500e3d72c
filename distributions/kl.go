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

package distributions

import (
	"github.com/gomlx/bayes/ad"
)

// KL returns KL(q‖p) in closed form when the pair admits one, recorded on
// the tape. The second result is false when no closed form is available and
// the caller must fall back to a Monte-Carlo estimate.
func KL(q, p Distribution) (*ad.Node, bool) {
	qn, qOk := q.(Normal)
	pn, pOk := p.(Normal)
	if qOk && pOk {
		return klNormalNormal(qn, pn), true
	}
	ql, qlOk := q.(LogNormal)
	pl, plOk := p.(LogNormal)
	if qlOk && plOk {
		// KL is invariant under the shared exp transform.
		return klNormalNormal(
			Normal{Loc: ql.Loc, Scale: ql.Scale},
			Normal{Loc: pl.Loc, Scale: pl.Scale}), true
	}
	return nil, false
}

// klNormalNormal computes
// KL(𝒩(μq,σq²)‖𝒩(μp,σp²)) = log(σp/σq) + (σq² + (μq-μp)²)/(2σp²) - ½.
func klNormalNormal(q, p Normal) *ad.Node {
	logRatio := ad.Sub(ad.Log(p.Scale), ad.Log(q.Scale))
	varP2 := ad.MulScalar(ad.Square(p.Scale), 2)
	num := ad.Add(ad.Square(q.Scale), ad.Square(ad.Sub(q.Loc, p.Loc)))
	return ad.AddScalar(ad.Add(logRatio, ad.Div(num, varP2)), -0.5)
}
