package vocab

// cubicBezier is an easing curve over [0,1] defined by two control
// points, matching the CSS cubic-bezier convention with implicit
// endpoints (0,0) and (1,1).
type cubicBezier struct {
	x1, y1, x2, y2 float64
}

// aggressiveProfile ramps slowly near the comfort bound and steeply as
// the registry approaches its limits.
var aggressiveProfile = cubicBezier{0.1, 0, 0.9, 1}

const (
	bezierIterations = 8
	bezierEpsilon    = 1e-6
)

func (b cubicBezier) sampleX(t float64) float64 {
	u := 1 - t
	return 3*u*u*t*b.x1 + 3*u*t*t*b.x2 + t*t*t
}

func (b cubicBezier) sampleY(t float64) float64 {
	u := 1 - t
	return 3*u*u*t*b.y1 + 3*u*t*t*b.y2 + t*t*t
}

func (b cubicBezier) derivativeX(t float64) float64 {
	u := 1 - t
	return 3*u*u*b.x1 + 6*u*t*(b.x2-b.x1) + 3*t*t*(1-b.x2)
}

// at evaluates the curve as y = f(x) by solving the parametric x(t) = x
// with Newton-Raphson, falling back to the raw x on a flat derivative.
func (b cubicBezier) at(x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	t := x
	for i := 0; i < bezierIterations; i++ {
		err := b.sampleX(t) - x
		if err < bezierEpsilon && err > -bezierEpsilon {
			break
		}
		d := b.derivativeX(t)
		if d < bezierEpsilon && d > -bezierEpsilon {
			break
		}
		t -= err / d
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	return b.sampleY(t)
}

// Zone is the vocabulary growth regime derived from registry size.
type Zone string

const (
	ZoneComfort   Zone = "COMFORT"
	ZoneNormal    Zone = "NORMAL"
	ZonePressure  Zone = "PRESSURE"
	ZoneEmergency Zone = "EMERGENCY"
)

// Bounds holds the registry size thresholds.
type Bounds struct {
	MinComfort int
	SoftMax    int
	HardMax    int
}

// ZoneFor returns the growth zone for a registry size.
func (b Bounds) ZoneFor(size int) Zone {
	switch {
	case size <= b.MinComfort:
		return ZoneComfort
	case size <= b.SoftMax:
		return ZoneNormal
	case size <= b.HardMax:
		return ZonePressure
	default:
		return ZoneEmergency
	}
}

// Aggressiveness maps registry size to [0,1]: 0 below the comfort bound,
// eased 0 to 0.66 up to the soft max, eased 0.66 to 1.0 up to the hard
// max, and pinned at 1.0 beyond it.
func (b Bounds) Aggressiveness(size int) float64 {
	switch b.ZoneFor(size) {
	case ZoneComfort:
		return 0
	case ZoneNormal:
		pos := float64(size-b.MinComfort) / float64(b.SoftMax-b.MinComfort)
		return 0.66 * aggressiveProfile.at(pos)
	case ZonePressure:
		pos := float64(size-b.SoftMax) / float64(b.HardMax-b.SoftMax)
		return 0.66 + 0.34*aggressiveProfile.at(pos)
	default:
		return 1.0
	}
}
