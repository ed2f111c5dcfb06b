package training

import "math"

// SigmoidRampup returns exp(-5 * (1 - t)^2) with t = clip(current, 0, length)
// / length. A zero length is fully ramped.
func SigmoidRampup(current, length float64) float64 {
	if length == 0 {
		return 1.0
	}
	current = math.Max(0, math.Min(current, length))
	phase := 1.0 - current/length
	return math.Exp(-5.0 * phase * phase)
}

// ConsistencySchedule gives the consistency weight for an epoch.
type ConsistencySchedule struct {
	MaxWeight    float64
	RampupLength float64 // epochs
}

// Weight is MaxWeight * SigmoidRampup(epoch, RampupLength).
func (s ConsistencySchedule) Weight(epoch int) float64 {
	return s.MaxWeight * SigmoidRampup(float64(epoch), s.RampupLength)
}
