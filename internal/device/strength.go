package device

import "math"

// ConvertToNative converts a strength value to native units.
//
// UnitPercent values are rescaled proportionally onto [0, nativeMax] with
// rounding. UnitNative values pass through. UnitAuto preserves the legacy
// magnitude heuristic: values above 100 are assumed native, everything else
// percent. The heuristic is ambiguous for devices whose native maximum is
// at or below 100; new callers should tag the unit explicitly.
func ConvertToNative(value int, unit Unit, nativeMax int) int {
	switch unit {
	case UnitNative:
		return value
	case UnitPercent:
		return percentToNative(value, nativeMax)
	default: // UnitAuto
		if value > 100 {
			return value
		}
		return percentToNative(value, nativeMax)
	}
}

// ConvertToPercent converts a native strength value to the logical 0-100
// scale with proportional rounding.
func ConvertToPercent(native, nativeMax int) int {
	if nativeMax <= 0 {
		return 0
	}
	return int(math.Round(float64(native) * 100.0 / float64(nativeMax)))
}

func percentToNative(percent, nativeMax int) int {
	return int(math.Round(float64(percent) * float64(nativeMax) / 100.0))
}

// ApplyStrength computes the resulting native strength for an operation:
// result = clamp(f(previous, requested), 0, limit) where f is identity for
// OpSet, addition for OpIncrease and subtraction for OpDecrease.
func ApplyStrength(previous, requested int, op StrengthOp, limit int) int {
	var target int
	switch op {
	case OpIncrease:
		target = previous + requested
	case OpDecrease:
		target = previous - requested
	default:
		target = requested
	}
	return clamp(target, 0, limit)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
