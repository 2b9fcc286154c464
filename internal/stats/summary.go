package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SeriesSummary describes a fitness or reward curve.
type SeriesSummary struct {
	Count       int     `json:"count"`
	Initial     float64 `json:"initial"`
	Final       float64 `json:"final"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Improvement float64 `json:"improvement"`
}

// Summarize ignores non-finite values. An empty or all non-finite series
// yields the zero summary.
func Summarize(series []float64) SeriesSummary {
	values := finiteSeries(series)
	if len(values) == 0 {
		return SeriesSummary{}
	}
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return SeriesSummary{
		Count:       len(values),
		Initial:     values[0],
		Final:       values[len(values)-1],
		Mean:        mean,
		Std:         std,
		Min:         floats.Min(values),
		Max:         floats.Max(values),
		Improvement: values[len(values)-1] - values[0],
	}
}

// MovingAverage smooths series with a trailing window.
func MovingAverage(series []float64, window int) []float64 {
	if window <= 1 {
		return append([]float64(nil), series...)
	}
	out := make([]float64, len(series))
	for i := range series {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		out[i] = stat.Mean(series[start:i+1], nil)
	}
	return out
}

func finiteSeries(series []float64) []float64 {
	out := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
