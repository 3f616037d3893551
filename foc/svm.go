package foc

// svm maps a normalized stationary-frame voltage vector to three high-side
// on-time fractions via sextant-based space-vector modulation with mid-point
// zero-sequence injection. A magnitude of 1.0 along a base vector direction
// saturates the realizable hexagon; the inscribed linear region has radius
// sqrt(3)/2.
//
// Returns ok=false when the vector lies outside the hexagon, in which case
// one of the duties falls outside [0, 1].
func svm(alpha, beta float64) (ta, tb, tc float64, ok bool) {
	var sextant int
	if beta >= 0 {
		if alpha >= 0 {
			if oneBySqrt3*beta > alpha {
				sextant = 2
			} else {
				sextant = 1
			}
		} else {
			if -oneBySqrt3*beta > alpha {
				sextant = 3
			} else {
				sextant = 2
			}
		}
	} else {
		if alpha >= 0 {
			if -oneBySqrt3*beta > alpha {
				sextant = 5
			} else {
				sextant = 6
			}
		} else {
			if oneBySqrt3*beta > alpha {
				sextant = 4
			} else {
				sextant = 5
			}
		}
	}

	switch sextant {
	case 1: // v1-v2
		t1 := alpha - oneBySqrt3*beta
		t2 := twoBySqrt3 * beta
		ta = (1 - t1 - t2) * 0.5
		tb = ta + t1
		tc = tb + t2
	case 2: // v2-v3
		t2 := alpha + oneBySqrt3*beta
		t3 := -alpha + oneBySqrt3*beta
		tb = (1 - t2 - t3) * 0.5
		ta = tb + t3
		tc = ta + t2
	case 3: // v3-v4
		t3 := twoBySqrt3 * beta
		t4 := -alpha - oneBySqrt3*beta
		tb = (1 - t3 - t4) * 0.5
		tc = tb + t3
		ta = tc + t4
	case 4: // v4-v5
		t4 := -alpha + oneBySqrt3*beta
		t5 := -twoBySqrt3 * beta
		tc = (1 - t4 - t5) * 0.5
		tb = tc + t5
		ta = tb + t4
	case 5: // v5-v6
		t5 := -alpha - oneBySqrt3*beta
		t6 := alpha - oneBySqrt3*beta
		tc = (1 - t5 - t6) * 0.5
		ta = tc + t5
		tb = ta + t6
	case 6: // v6-v1
		t6 := -twoBySqrt3 * beta
		t1 := alpha + oneBySqrt3*beta
		ta = (1 - t6 - t1) * 0.5
		tc = ta + t1
		tb = tc + t6
	}

	ok = ta >= 0 && ta <= 1 &&
		tb >= 0 && tb <= 1 &&
		tc >= 0 && tc <= 1
	return ta, tb, tc, ok
}
