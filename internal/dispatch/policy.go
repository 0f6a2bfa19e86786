package dispatch

// LaneSnapshot is what a ConcurrencyPolicy sees for one identity.
type LaneSnapshot struct {
	Identity    string
	Workers     int
	Target      int
	InFlight    int
	SuccessRate float64
	Samples     int
}

// ConcurrencyPolicy returns the desired worker count for a lane. The engine
// clamps the answer to [1, MaxWorkersPerIdentity].
type ConcurrencyPolicy interface {
	Desired(s LaneSnapshot) int
}

// ThresholdPolicy grows a lane by one worker when the rolling success rate is
// above High and shrinks it by one when below Low. The thresholds are tuning
// knobs, not correctness constants.
type ThresholdPolicy struct {
	High       float64
	Low        float64
	MinSamples int
}

// DefaultThresholdPolicy scales up above 95% success and down below 70%.
func DefaultThresholdPolicy() ThresholdPolicy {
	return ThresholdPolicy{High: 0.95, Low: 0.7, MinSamples: 5}
}

func (p ThresholdPolicy) Desired(s LaneSnapshot) int {
	if s.Samples < p.MinSamples {
		return s.Target
	}
	switch {
	case s.SuccessRate > p.High:
		return s.Target + 1
	case s.SuccessRate < p.Low:
		return s.Target - 1
	default:
		return s.Target
	}
}

// PolicyFunc adapts a function to ConcurrencyPolicy.
type PolicyFunc func(LaneSnapshot) int

func (f PolicyFunc) Desired(s LaneSnapshot) int { return f(s) }

const outcomeWindow = 20

// outcomes is a fixed-size ring of recent submission results.
type outcomes struct {
	buf   [outcomeWindow]bool
	n     int
	pos   int
	count int
}

func (o *outcomes) add(ok bool) {
	if o.n == outcomeWindow && o.buf[o.pos] {
		o.count--
	}
	o.buf[o.pos] = ok
	if ok {
		o.count++
	}
	o.pos = (o.pos + 1) % outcomeWindow
	if o.n < outcomeWindow {
		o.n++
	}
}

func (o *outcomes) rate() (float64, int) {
	if o.n == 0 {
		return 0, 0
	}
	return float64(o.count) / float64(o.n), o.n
}
