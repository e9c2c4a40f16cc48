package audio

import "math"

// BandPass is a cascaded pair of first-order IIR sections: high-pass followed
// by low-pass. Coefficients are derived once from the cutoff frequencies and
// sample rate; previous-sample state persists across calls.
type BandPass struct {
	hpAlpha float64
	lpAlpha float64

	hpPrevIn  float64
	hpPrevOut float64
	lpPrevOut float64
}

func NewBandPass(sampleRate int, highPassHz, lowPassHz float64) *BandPass {
	dt := 1.0 / float64(sampleRate)
	rcHP := 1.0 / (2 * math.Pi * highPassHz)
	rcLP := 1.0 / (2 * math.Pi * lowPassHz)
	return &BandPass{
		hpAlpha: rcHP / (rcHP + dt),
		lpAlpha: dt / (rcLP + dt),
	}
}

// Process filters little-endian 16-bit PCM in place-equivalent fashion and
// returns a new slice. Every output sample is clamped to the int16 range.
func (f *BandPass) Process(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		x := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)

		hp := f.hpAlpha * (f.hpPrevOut + x - f.hpPrevIn)
		f.hpPrevIn = x
		f.hpPrevOut = hp

		lp := f.lpPrevOut + f.lpAlpha*(hp-f.lpPrevOut)
		f.lpPrevOut = lp

		s := int16(clampFloat(lp))
		out[i] = byte(s)
		out[i+1] = byte(s >> 8)
	}
	return out
}

// Reset clears the previous-sample state.
func (f *BandPass) Reset() {
	f.hpPrevIn = 0
	f.hpPrevOut = 0
	f.lpPrevOut = 0
}

func clampFloat(v float64) float64 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return math.Round(v)
}

// ApplyGain boosts little-endian PCM by a fixed factor with hard clipping.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1 {
		return pcm
	}
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		x := float64(int16(pcm[i])|int16(pcm[i+1])<<8) * gain
		s := int16(clampFloat(x))
		out[i] = byte(s)
		out[i+1] = byte(s >> 8)
	}
	return out
}
