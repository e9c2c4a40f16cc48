package audio

import (
	"math"
	"testing"
)

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func sine(freq float64, n, sampleRate int, amp float64) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return pcmFromSamples(samples)
}

func TestBandPassAttenuatesOutOfBand(t *testing.T) {
	const sr = 16000
	cases := []struct {
		name   string
		freq   float64
		inBand bool
	}{
		{"passband_1kHz", 1000, true},
		{"stopband_50Hz", 50, false},
	}
	ref := rms(samplesFromPCM(sine(1000, sr, sr, 10000)))

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewBandPass(sr, 300, 3400)
			out := f.Process(sine(tc.freq, sr, sr, 10000))
			level := rms(samplesFromPCM(out))
			if tc.inBand && level < ref*0.5 {
				t.Fatalf("in-band tone attenuated too much: rms=%v ref=%v", level, ref)
			}
			if !tc.inBand && level > ref*0.4 {
				t.Fatalf("out-of-band tone not attenuated: rms=%v ref=%v", level, ref)
			}
		})
	}
}

func TestBandPassStatePersistsAndResets(t *testing.T) {
	const sr = 16000
	signal := sine(1000, 512, sr, 10000)

	whole := NewBandPass(sr, 300, 3400)
	want := whole.Process(signal)

	split := NewBandPass(sr, 300, 3400)
	got := append([]byte{}, split.Process(signal[:200])...)
	got = append(got, split.Process(signal[200:])...)

	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("byte %d differs between whole and split processing", i)
		}
	}

	split.Reset()
	fresh := split.Process(signal)
	for i := range want {
		if want[i] != fresh[i] {
			t.Fatalf("Reset did not restore initial filter state (byte %d)", i)
		}
	}
}

func TestApplyGainClips(t *testing.T) {
	in := pcmFromSamples([]int16{20000, -20000})
	out := samplesFromPCM(ApplyGain(in, 4))
	if out[0] != 32767 || out[1] != -32768 {
		t.Fatalf("ApplyGain did not hard-clip: %v", out)
	}
}
