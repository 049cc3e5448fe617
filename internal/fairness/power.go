package fairness

import (
	"math"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

// durationBands maps the power percentile to the animation length in ms.
var durationBands = []struct {
	upTo int
	ms   int
}{
	{24, 1200},
	{49, 1800},
	{74, 2400},
	{100, 3000},
}

func percentile(rules engine.Rules, power int) int {
	span := rules.MaxPower - rules.MinPower
	if span <= 0 {
		return 0
	}
	p := (power - rules.MinPower) * 100 / span
	return max(0, min(100, p))
}

func DurationFor(rules engine.Rules, power int) int {
	p := percentile(rules, power)
	for _, b := range durationBands {
		if p <= b.upTo {
			return b.ms
		}
	}
	return durationBands[len(durationBands)-1].ms
}

// Tilt is the probability shift granted by power. It grows linearly from 0 at minimum
// power and never exceeds 0.5 - FairnessFloor, so no flip drops below the floor.
func Tilt(rules engine.Rules, power int) float64 {
	bias := math.Min(rules.PowerBias, 0.5-rules.FairnessFloor)
	if bias <= 0 {
		return 0
	}
	span := rules.MaxPower - rules.MinPower
	if span <= 0 {
		return 0
	}
	frac := float64(power-rules.MinPower) / float64(span)
	return bias * math.Max(0, math.Min(1, frac))
}
