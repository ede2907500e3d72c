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

// bayesfit fits a 1D Bayesian linear regression y = bias + slope·x two ways
// and compares the answers:
//
//  1. Exactly, with the conjugate sequential updater.
//  2. Approximately, with stochastic variational inference and a
//     mean-field Gaussian guide.
//
// Run it without arguments to fit synthetic data, or point -data at a CSV
// file with "x" and "y" columns. It writes fit.png and loss.png to -plots.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/bayes/ad"
	"github.com/gomlx/bayes/conjugate"
	"github.com/gomlx/bayes/distributions"
	"github.com/gomlx/bayes/svi"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	flagData   = flag.String("data", "", "CSV file with \"x\" and \"y\" columns. If empty, synthetic data is generated.")
	flagPoints = flag.Int("points", 200, "Number of synthetic data points, when -data is not given.")
	flagBias   = flag.Float64("bias", 0.5, "True bias of the synthetic data.")
	flagSlope  = flag.Float64("slope", 2.0, "True slope of the synthetic data.")

	flagNoise      = flag.Float64("noise", 0.5, "Known observation noise standard deviation.")
	flagPriorScale = flag.Float64("prior_scale", 10.0, "Standard deviation of the Normal(0, ·) prior on bias and slope.")

	flagSteps     = flag.Int("steps", 2000, "Number of SVI training steps.")
	flagOptimizer = flag.String("optimizer", "adam", "Optimizer to use, one of \"sgd\", \"adam\" or \"adamax\".")
	flagLR        = flag.Float64("lr", 0.05, "Learning rate. Set to 0 for the optimizer's default.")
	flagParticles = flag.Int("particles", 4, "Monte Carlo particles per loss estimate.")
	flagSeed      = flag.Uint64("seed", 42, "Seed for data generation and training.")
	flagPlots     = flag.String("plots", ".", "Directory where fit.png and loss.png are written.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() {
		rng := rand.New(rand.NewPCG(*flagSeed, 0))

		var xs, ys []float64
		if *flagData != "" {
			xs, ys = loadCSV(*flagData)
			klog.Infof("Loaded %s points from %s", humanize.Comma(int64(len(xs))), *flagData)
		} else {
			xs, ys = synthesize(rng, *flagPoints)
			klog.Infof("Generated %s points from y = %g + %g·x + Normal(0, %g)",
				humanize.Comma(int64(len(xs))), *flagBias, *flagSlope, *flagNoise)
		}

		posterior := exactPosterior(xs, ys)
		engine, loop := trainSVI(rng, xs, ys)

		printComparison(posterior, engine, loop)
		plotFit(xs, ys, posterior, engine, rng, filepath.Join(*flagPlots, "fit.png"))
		plotLoss(engine.Losses(), filepath.Join(*flagPlots, "loss.png"))
	})
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

// loadCSV reads the "x" and "y" columns of a CSV file with a header row.
func loadCSV(path string) (xs, ys []float64) {
	file := must.M1(os.Open(path))
	defer func() { _ = file.Close() }()
	df := dataframe.ReadCSV(file,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{"x": series.Float, "y": series.Float}))
	must.M(df.Error())
	xs = df.Col("x").Float()
	ys = df.Col("y").Float()
	if len(xs) == 0 {
		exceptions.Panicf("no rows in %q", path)
	}
	return
}

// synthesize draws n noisy points from the configured line over [-2, 2].
func synthesize(rng *rand.Rand, n int) (xs, ys []float64) {
	xs = make([]float64, n)
	ys = make([]float64, n)
	for ii := range xs {
		xs[ii] = -2 + 4*rng.Float64()
		ys[ii] = *flagBias + *flagSlope*xs[ii] + *flagNoise*rng.NormFloat64()
	}
	return
}

// exactPosterior runs the conjugate updater over the whole dataset in one
// batch, with features (1, x).
func exactPosterior(xs, ys []float64) *conjugate.LinearGaussian {
	priorVar := *flagPriorScale * *flagPriorScale
	cov := mat.NewSymDense(2, []float64{priorVar, 0, 0, priorVar})
	posterior := must.M1(conjugate.New([]float64{0, 0}, cov))

	phi := mat.NewDense(len(xs), 2, nil)
	for ii, x := range xs {
		phi.Set(ii, 0, 1)
		phi.Set(ii, 1, x)
	}
	must.M(posterior.Update(phi, mat.NewVecDense(len(ys), ys), *flagNoise**flagNoise))
	return posterior
}

// lineSites declares the two latent sites shared by model and guide.
func lineSites() []svi.Site {
	return []svi.Site{
		{Name: "bias", Family: "normal"},
		{Name: "slope", Family: "normal"},
	}
}

func lineModel() svi.Model {
	return svi.Model{
		Latents: lineSites(),
		Fn: func(tr *svi.Trace, batch svi.Batch) {
			prior := distributions.Normal{Loc: tr.Const(0), Scale: tr.Const(*flagPriorScale)}
			bias := tr.Sample("bias", prior)
			slope := tr.Sample("slope", prior)
			noise := tr.Const(*flagNoise)
			tr.Plate("data", batch.Population, batch.Size(), func(i int) {
				mean := ad.Add(bias, ad.MulScalar(slope, batch.Inputs[i][0]))
				var y *float64
				if batch.Targets != nil {
					y = &batch.Targets[i]
				}
				tr.Observe(svi.ObservationSite, distributions.Normal{Loc: mean, Scale: noise}, y)
			})
		},
	}
}

func lineGuide() svi.Guide {
	return svi.Guide{
		Latents: lineSites(),
		Fn: func(tr *svi.Trace, batch svi.Batch) {
			for _, name := range []string{"bias", "slope"} {
				loc := tr.Param(name+".loc", 0, svi.Identity)
				scale := tr.Param(name+".scale", 1, svi.Positive)
				tr.Sample(name, distributions.Normal{Loc: loc, Scale: scale})
			}
		},
	}
}

func buildOptimizer() svi.Optimizer {
	if *flagLR > 0 {
		switch *flagOptimizer {
		case "sgd":
			return svi.SGD().LearningRate(*flagLR).Done()
		case "adam":
			return svi.Adam().LearningRate(*flagLR).Done()
		case "adamax":
			return svi.Adam().LearningRate(*flagLR).Adamax().Done()
		}
	}
	return svi.OptimizerByName(*flagOptimizer)
}

// trainSVI trains the mean-field guide on the full dataset, with a progress
// bar attached to the training loop.
func trainSVI(rng *rand.Rand, xs, ys []float64) (*svi.Engine, *svi.Loop) {
	batch := svi.Batch{
		Inputs:     make([][]float64, len(xs)),
		Targets:    append([]float64(nil), ys...),
		Population: len(xs),
	}
	for ii, x := range xs {
		batch.Inputs[ii] = []float64{x}
	}

	engine := must.M1(svi.New(lineModel(), lineGuide(), buildOptimizer(),
		svi.MeanFieldELBO{Particles: *flagParticles},
		svi.WithGradientClipNorm(100)))

	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII))
	loop := svi.NewLoop(engine)
	loop.OnStep("progressbar", func(loop *svi.Loop, loss float64) error {
		if (loop.LoopStep+1)%20 == 0 {
			bar.Describe(fmt.Sprintf("Training (loss=%.2f)", engine.TrailingLoss(100)))
		}
		return bar.Add(1)
	})
	loop.OnEnd("progressbar", func(loop *svi.Loop) error {
		return bar.Finish()
	})

	must.M(loop.RunSteps(rng, func(step int) svi.Batch { return batch }, *flagSteps))
	fmt.Println()
	return engine, loop
}

func printComparison(posterior *conjugate.LinearGaussian, engine *svi.Engine, loop *svi.Loop) {
	exactMean := posterior.Mean()
	exactCov := posterior.Covariance()
	params := engine.Params()

	fmt.Printf("\n%-8s %22s %22s\n", "latent", "exact posterior", "SVI guide")
	for ii, name := range []string{"bias", "slope"} {
		exact := fmt.Sprintf("%.4f ± %.4f", exactMean[ii], math.Sqrt(exactCov.At(ii, ii)))
		guide := fmt.Sprintf("%.4f ± %.4f", params.Value(name+".loc")[0], params.Value(name+".scale")[0])
		fmt.Printf("%-8s %22s %22s\n", name, exact, guide)
	}
	fmt.Printf("\n%s steps, median %s/step, final loss %.4f\n",
		humanize.Comma(int64(loop.LoopStep)), loop.MedianStepDuration(), engine.TrailingLoss(100))
}

// predictionGrid returns evenly spaced x values covering the data range.
func predictionGrid(xs []float64, n int) []float64 {
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	grid := make([]float64, n)
	for ii := range grid {
		grid[ii] = lo + (hi-lo)*float64(ii)/float64(n-1)
	}
	return grid
}

// plotFit writes a scatter of the data with the exact posterior predictive
// band, a few models sampled from the posterior, and the SVI predictive mean.
func plotFit(xs, ys []float64, posterior *conjugate.LinearGaussian, engine *svi.Engine, rng *rand.Rand, path string) {
	p := plot.New()
	p.Title.Text = "Bayesian linear regression"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	points := make(plotter.XYs, len(xs))
	for ii := range xs {
		points[ii].X, points[ii].Y = xs[ii], ys[ii]
	}
	scatter := must.M1(plotter.NewScatter(points))
	scatter.Radius = vg.Points(1.5)
	scatter.Color = color.RGBA{R: 0x40, G: 0x40, B: 0x40, A: 0xff}
	p.Add(scatter)
	p.Legend.Add("data", scatter)

	grid := predictionGrid(xs, 100)
	noiseVar := *flagNoise * *flagNoise
	mean := make(plotter.XYs, len(grid))
	upper := make(plotter.XYs, len(grid))
	lower := make(plotter.XYs, len(grid))
	for ii, x := range grid {
		m, v := posterior.Predict([]float64{1, x}, noiseVar)
		s := math.Sqrt(v)
		mean[ii] = plotter.XY{X: x, Y: m}
		upper[ii] = plotter.XY{X: x, Y: m + 2*s}
		lower[ii] = plotter.XY{X: x, Y: m - 2*s}
	}
	meanLine := must.M1(plotter.NewLine(mean))
	meanLine.Color = color.RGBA{B: 0xff, A: 0xff}
	meanLine.Width = vg.Points(2)
	p.Add(meanLine)
	p.Legend.Add("exact mean ± 2σ", meanLine)
	for _, band := range []plotter.XYs{upper, lower} {
		line := must.M1(plotter.NewLine(band))
		line.Color = color.RGBA{B: 0xff, A: 0x80}
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
	}

	// A few models sampled from the exact posterior, as thin grey lines.
	for weights := range posterior.SampleModels(5, *flagSeed) {
		line := must.M1(plotter.NewLine(plotter.XYs{
			{X: grid[0], Y: weights[0] + weights[1]*grid[0]},
			{X: grid[len(grid)-1], Y: weights[0] + weights[1]*grid[len(grid)-1]},
		}))
		line.Color = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0x60}
		p.Add(line)
	}

	// SVI posterior predictive mean over the same grid.
	gridBatch := svi.Batch{Inputs: make([][]float64, len(grid)), Population: len(grid)}
	for ii, x := range grid {
		gridBatch.Inputs[ii] = []float64{x}
	}
	draws := must.M1(engine.SamplePredictive(rng, gridBatch, 200, []string{svi.ObservationSite}))
	sviMean := make(plotter.XYs, len(grid))
	for ii, x := range grid {
		var sum float64
		for _, draw := range draws[svi.ObservationSite] {
			sum += draw[ii]
		}
		sviMean[ii] = plotter.XY{X: x, Y: sum / float64(len(draws[svi.ObservationSite]))}
	}
	sviLine := must.M1(plotter.NewLine(sviMean))
	sviLine.Color = color.RGBA{R: 0xff, A: 0xff}
	sviLine.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
	p.Add(sviLine)
	p.Legend.Add("SVI predictive mean", sviLine)

	must.M(p.Save(8*vg.Inch, 6*vg.Inch, path))
	klog.Infof("Wrote %s", path)
}

func plotLoss(losses []float64, path string) {
	p := plot.New()
	p.Title.Text = "Negative ELBO"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	trace := make(plotter.XYs, len(losses))
	for ii, loss := range losses {
		trace[ii] = plotter.XY{X: float64(ii), Y: loss}
	}
	line := must.M1(plotter.NewLine(trace))
	line.Color = color.RGBA{B: 0xff, A: 0xff}
	p.Add(line)

	must.M(p.Save(8*vg.Inch, 4*vg.Inch, path))
	klog.Infof("Wrote %s", path)
}
