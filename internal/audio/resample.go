package audio

import "math"

// Resampler converts a continuous PCM stream between two rates by linear interpolation.
//
// State (the last input sample and the fractional read position) is carried across
// Process calls, so a stream cut into arbitrary chunks yields the same output as the
// whole stream processed at once. Resampling each chunk independently restarts the
// interpolation phase and produces audible clicks at chunk boundaries.
//
// A Resampler belongs to one call direction and is not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int
	step    float64

	pos    float64
	last   int16
	primed bool
}

func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{inRate: inRate, outRate: outRate, step: float64(inRate) / float64(outRate)}
}

// Passthrough reports whether the rates are equal.
func (r *Resampler) Passthrough() bool { return r.inRate == r.outRate }

// Process resamples the next chunk of the stream.
func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.Passthrough() {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	// buf[0] is the previous chunk's last sample once primed, so interpolation
	// across the boundary uses real history instead of restarting.
	var buf []int16
	if r.primed {
		buf = make([]int16, 0, len(in)+1)
		buf = append(buf, r.last)
		buf = append(buf, in...)
	} else {
		buf = in
		r.primed = true
		r.pos = 0
	}

	lastIdx := float64(len(buf) - 1)
	out := make([]int16, 0, int(float64(len(in))/r.step)+2)
	for r.pos <= lastIdx {
		i := int(r.pos)
		frac := r.pos - float64(i)
		v := float64(buf[i])
		if frac > 0 && i+1 < len(buf) {
			v = v*(1-frac) + float64(buf[i+1])*frac
		}
		out = append(out, clamp16(v))
		r.pos += r.step
	}
	r.pos -= lastIdx
	r.last = buf[len(buf)-1]
	return out
}

// Reset drops the carried state; used when a stream restarts.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
