package audio

// IMA ADPCM, 4:1 over 16-bit PCM. Each encoded byte carries two nibbles,
// low nibble first. Predictor and step-index state persist across calls so a
// stream can be fed in arbitrary slices.

var stepTable = [89]int32{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

var indexTable = [16]int32{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

func clampSample(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

func clampIndex(v int32) int32 {
	if v < 0 {
		return 0
	}
	if v > 88 {
		return 88
	}
	return v
}

// Decoder expands compressed microphone audio back to little-endian PCM.
type Decoder struct {
	predictor int32
	stepIndex int32
}

func NewDecoder() *Decoder { return &Decoder{} }

// Decode expands data to PCM. Output is always 4x the input length.
func (d *Decoder) Decode(data []byte) []byte {
	out := make([]byte, 0, len(data)*4)
	for _, b := range data {
		s1 := d.decodeNibble(b & 0x0F)
		s2 := d.decodeNibble(b >> 4)
		out = append(out, byte(s1), byte(s1>>8), byte(s2), byte(s2>>8))
	}
	return out
}

func (d *Decoder) decodeNibble(n byte) int32 {
	step := stepTable[d.stepIndex]
	diff := step >> 3
	if n&1 != 0 {
		diff += step >> 2
	}
	if n&2 != 0 {
		diff += step >> 1
	}
	if n&4 != 0 {
		diff += step
	}
	if n&8 != 0 {
		d.predictor = clampSample(d.predictor - diff)
	} else {
		d.predictor = clampSample(d.predictor + diff)
	}
	d.stepIndex = clampIndex(d.stepIndex + indexTable[n])
	return d.predictor
}

// Reset clears the running prediction state.
func (d *Decoder) Reset() {
	d.predictor = 0
	d.stepIndex = 0
}

// Encoder compresses little-endian PCM frames for the device downlink.
type Encoder struct {
	predictor int32
	stepIndex int32
}

func NewEncoder() *Encoder { return &Encoder{} }

// EncodeFrame compresses one PCM frame. The frame must contain an even number
// of samples; a trailing odd sample is dropped.
func (e *Encoder) EncodeFrame(pcm []byte) []byte {
	samples := len(pcm) / 2
	samples -= samples % 2
	out := make([]byte, 0, samples/2)
	for i := 0; i+1 < samples; i += 2 {
		lo := e.encodeSample(int32(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8))
		hi := e.encodeSample(int32(int16(pcm[2*i+2]) | int16(pcm[2*i+3])<<8))
		out = append(out, lo|hi<<4)
	}
	return out
}

func (e *Encoder) encodeSample(sample int32) byte {
	step := stepTable[e.stepIndex]
	delta := sample - e.predictor

	var nibble byte
	if delta < 0 {
		nibble = 8
		delta = -delta
	}

	diff := step >> 3
	if delta >= step {
		nibble |= 4
		delta -= step
		diff += step
	}
	if delta >= step>>1 {
		nibble |= 2
		delta -= step >> 1
		diff += step >> 1
	}
	if delta >= step>>2 {
		nibble |= 1
		diff += step >> 2
	}

	if nibble&8 != 0 {
		e.predictor = clampSample(e.predictor - diff)
	} else {
		e.predictor = clampSample(e.predictor + diff)
	}
	e.stepIndex = clampIndex(e.stepIndex + indexTable[nibble])
	return nibble
}

// Reset clears the running prediction state so a new turn starts clean.
func (e *Encoder) Reset() {
	e.predictor = 0
	e.stepIndex = 0
}
