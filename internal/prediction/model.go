package prediction

import (
	"math"
	"strconv"
)

// ModelKind selects the forecasting strategy.
type ModelKind int

const (
	ModelMovingAverage ModelKind = iota
	ModelEWMA
	ModelLinearRegression
	ModelSeasonal
	ModelEnsemble
)

func (k ModelKind) String() string {
	switch k {
	case ModelMovingAverage:
		return "moving_average"
	case ModelEWMA:
		return "ewma"
	case ModelLinearRegression:
		return "linear_regression"
	case ModelSeasonal:
		return "seasonal"
	case ModelEnsemble:
		return "ensemble"
	default:
		return "unknown"
	}
}

// Ensemble blend weights: moving average vs linear regression.
const (
	ensembleMAWeight = 0.6
	ensembleLRWeight = 0.4
)

// ModelSpec configures a model; only the fields relevant to Kind are read.
type ModelSpec struct {
	Kind   ModelKind
	Window int     // moving average window, samples
	Alpha  float64 // EWMA smoothing factor (0,1]
	Period int     // seasonal period, samples
}

func (s ModelSpec) normalized() ModelSpec {
	if s.Window < 1 {
		s.Window = 10
	}
	if s.Alpha <= 0 || s.Alpha > 1 {
		s.Alpha = 0.3
	}
	if s.Period < 2 {
		s.Period = 48
	}
	return s
}

// Model is the externally visible state of the fitted prediction model.
type Model struct {
	Kind       ModelKind          `json:"kind"`
	Params     map[string]float64 `json:"params"`
	Accuracy   float64            `json:"accuracy"`   // 0-1
	Confidence float64            `json:"confidence"` // 0-1
}

// fitted holds the parameters of a model fitted over one load series.
// Fitting is a pure function of (spec, series); see fitModel.
type fitted struct {
	spec   ModelSpec
	n      int
	params map[string]float64
}

// fitModel fits spec over the series. An empty series yields a zero forecast.
func fitModel(spec ModelSpec, series []float64) fitted {
	spec = spec.normalized()
	f := fitted{spec: spec, n: len(series), params: map[string]float64{}}
	if len(series) == 0 {
		return f
	}

	switch spec.Kind {
	case ModelMovingAverage:
		f.params["mean"] = tailMean(series, spec.Window)

	case ModelEWMA:
		ema := series[0]
		for _, v := range series[1:] {
			ema = spec.Alpha*v + (1-spec.Alpha)*ema
		}
		f.params["ema"] = ema

	case ModelLinearRegression:
		slope, intercept := leastSquares(series)
		f.params["slope"] = slope
		f.params["intercept"] = intercept

	case ModelSeasonal:
		sums := make([]float64, spec.Period)
		counts := make([]float64, spec.Period)
		for i, v := range series {
			b := i % spec.Period
			sums[b] += v
			counts[b]++
		}
		for b := 0; b < spec.Period; b++ {
			if counts[b] > 0 {
				f.params[bucketKey(b)] = sums[b] / counts[b]
			}
		}

	case ModelEnsemble:
		f.params["ma"] = tailMean(series, spec.Window)
		slope, intercept := leastSquares(series)
		f.params["slope"] = slope
		f.params["intercept"] = intercept
	}

	return f
}

// predict forecasts the load `offset` samples past the end of the fitted
// series.
func (f fitted) predict(offset int) float64 {
	switch f.spec.Kind {
	case ModelMovingAverage:
		return f.params["mean"]
	case ModelEWMA:
		return f.params["ema"]
	case ModelLinearRegression:
		return f.params["intercept"] + f.params["slope"]*float64(f.n+offset)
	case ModelSeasonal:
		if f.n == 0 {
			return 0
		}
		return f.params[bucketKey((f.n+offset)%f.spec.Period)]
	case ModelEnsemble:
		lr := f.params["intercept"] + f.params["slope"]*float64(f.n+offset)
		return ensembleMAWeight*f.params["ma"] + ensembleLRWeight*lr
	default:
		return 0
	}
}

// backtestAccuracy refits over each prefix of the last up-to-10 samples and
// compares the forecast for the next index (offset 0) to the realized
// value. Returns clamp(1 - mean relative error, 0, 1); zero history yields
// zero.
func backtestAccuracy(spec ModelSpec, series []float64) float64 {
	n := len(series)
	k := 10
	if k > n-1 {
		k = n - 1
	}
	if k < 1 {
		return 0
	}

	var total float64
	var counted int
	for i := n - k; i < n; i++ {
		predicted := fitModel(spec, series[:i]).predict(0)
		actual := series[i]
		if actual == 0 {
			continue
		}
		total += math.Abs(predicted-actual) / math.Abs(actual)
		counted++
	}
	if counted == 0 {
		return 0
	}

	accuracy := 1 - total/float64(counted)
	if accuracy < 0 {
		return 0
	}
	if accuracy > 1 {
		return 1
	}
	return accuracy
}

func bucketKey(b int) string {
	return "bucket_" + strconv.Itoa(b)
}

func tailMean(series []float64, window int) float64 {
	start := len(series) - window
	if start < 0 {
		start = 0
	}
	tail := series[start:]
	var sum float64
	for _, v := range tail {
		sum += v
	}
	return sum / float64(len(tail))
}

// leastSquares fits value = intercept + slope*index by ordinary least
// squares over the whole series.
func leastSquares(series []float64) (slope, intercept float64) {
	n := float64(len(series))
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return 0, series[0]
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range series {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}
