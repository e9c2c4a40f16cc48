package audio

// Packetizer slices an arbitrary byte stream into fixed-size frames, carrying
// any remainder forward across calls. Reset discards the remainder so a new
// turn starts frame-aligned.
type Packetizer struct {
	frameBytes int
	leftover   []byte
}

func NewPacketizer(frameSamples int) *Packetizer {
	return &Packetizer{frameBytes: frameSamples * 2}
}

// Push appends data and returns every complete frame now available, in order.
func (p *Packetizer) Push(data []byte) [][]byte {
	p.leftover = append(p.leftover, data...)

	var frames [][]byte
	for len(p.leftover) >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.leftover[:p.frameBytes])
		frames = append(frames, frame)
		p.leftover = p.leftover[p.frameBytes:]
	}
	return frames
}

// Pending returns the number of leftover bytes not yet emitted.
func (p *Packetizer) Pending() int { return len(p.leftover) }

// Reset discards the leftover remainder.
func (p *Packetizer) Reset() { p.leftover = p.leftover[:0] }
