// Package trading provides lot-size arithmetic shared by the sizer and the executor.
package trading

import (
	"math"

	"github.com/shopspring/decimal"
)

const stepEps = 1e-9

func dec(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// RoundToStep rounds volume to the nearest multiple of step (half away from zero).
// A non-positive step returns volume unchanged.
func RoundToStep(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	s := dec(step)
	n := dec(volume).Div(s).Round(0)
	return toFloat(n.Mul(s))
}

// FloorToStep truncates volume down to a multiple of step.
func FloorToStep(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	s := dec(step)
	n := dec(volume).Div(s).Add(dec(stepEps)).Floor()
	return toFloat(n.Mul(s))
}

// IsMultipleOfStep 在浮点容差内判断 volume 是否为 step 的整数倍。
func IsMultipleOfStep(volume, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := volume / step
	return math.Abs(ratio-math.Round(ratio)) < 1e-6
}

// SplitVolume divides total over n legs in whole steps. Each leg gets
// floor(total/n) steps and the leftover steps of round(total) go to the
// earliest legs, so legs differ by at most one step and their sum equals
// total rounded to step. Returns nil when n <= 0.
func SplitVolume(total float64, n int, step float64) []float64 {
	if n <= 0 {
		return nil
	}
	if step <= 0 {
		per := toFloat(dec(total).Div(decimal.NewFromInt(int64(n))))
		out := make([]float64, n)
		for i := range out {
			out[i] = per
		}
		return out
	}
	s := dec(step)
	steps := dec(total).Div(s).Round(0).IntPart()
	if steps < 0 {
		steps = 0
	}
	base := steps / int64(n)
	rem := steps % int64(n)
	out := make([]float64, n)
	for i := range out {
		k := base
		if int64(i) < rem {
			k++
		}
		out[i] = toFloat(decimal.NewFromInt(k).Mul(s))
	}
	return out
}

// SumVolumes adds leg volumes without accumulating float drift.
func SumVolumes(vols []float64) float64 {
	sum := decimal.Zero
	for _, v := range vols {
		sum = sum.Add(dec(v))
	}
	return toFloat(sum)
}

// RoundPrice rounds a price to the venue's digits.
func RoundPrice(price float64, digits int) float64 {
	if digits < 0 {
		return price
	}
	return toFloat(dec(price).Round(int32(digits)))
}
