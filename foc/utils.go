package foc

import "math"

const (
	oneBySqrt3 = 0.57735026919
	twoBySqrt3 = 1.15470053838
	sqrt3By2   = 0.86602540378
)

// wrapToPi wraps an angle to (-pi, pi].
func wrapToPi(x float64) float64 {
	x = math.Mod(x+math.Pi, 2*math.Pi)
	if x <= 0 {
		x += 2 * math.Pi
	}
	return x - math.Pi
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
