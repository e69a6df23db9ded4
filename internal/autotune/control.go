package autotune

import "github.com/btx-lnd/lazy-lnd/internal/config"

// exponentialFeeBump proposes the next (max, min) fee pair plus the applied
// bump. Below the increment the bump doubles from 1 ppm per streak step and
// the ceiling is the increment itself; above it the increment doubles per
// step, capped at BumpMax and MaxPpm.
func exponentialFeeBump(currentFee, streak int, fees *config.FeesConfig) (newMax, newMin, bump int) {
	if currentFee < fees.IncrementPpm {
		bump = powTwo(streak)
		newMax = minInt(fees.IncrementPpm, currentFee+bump)
	} else {
		bump = minInt(saturatingMul(fees.IncrementPpm, powTwo(streak)), fees.BumpMax)
		newMax = minInt(fees.MaxPpm, currentFee+bump)
	}
	newMin = newMax / 2
	return newMax, newMin, bump
}

// powTwo is 2^n with a saturation guard; streaks large enough to overflow
// are already past every fee cap.
func powTwo(n int) int {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return 1 << n
}

func saturatingMul(a, b int) int {
	const limit = 1 << 40
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > limit/b {
		return limit
	}
	return a * b
}
