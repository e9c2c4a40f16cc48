package audio

// Pipeline holds the per-session audio transform state for both directions.
//
// Ingress (device → upstream): optional ADPCM decompression, block
// accumulation, mic band-pass filtering. Egress (upstream → device): TTS
// band-pass filtering, gain with hard clipping, fixed-frame packetization and
// ADPCM frame encoding.
//
// All methods must be called from the session's single event loop.
type Pipeline struct {
	cfg Config

	mic *BandPass
	tts *BandPass

	dec *Decoder
	enc *Encoder
	pkt *Packetizer

	inBuf     []byte
	lastRatio float64
}

type Config struct {
	SampleRate   int
	BlockBytes   int     // ingress block size forwarded upstream
	FrameSamples int     // egress compressed frame size in samples
	Gain         float64 // egress amplitude boost
	MicHighPass  float64
	MicLowPass   float64
	TTSHighPass  float64
	TTSLowPass   float64
}

func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		BlockBytes:   1024,
		FrameSamples: 512,
		Gain:         1.6,
		MicHighPass:  300,
		MicLowPass:   3400,
		TTSHighPass:  120,
		TTSLowPass:   7000,
	}
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BlockBytes <= 0 {
		cfg.BlockBytes = 1024
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 512
	}
	if cfg.Gain <= 0 {
		cfg.Gain = 1
	}
	def := DefaultConfig()
	if cfg.MicHighPass <= 0 {
		cfg.MicHighPass = def.MicHighPass
	}
	if cfg.MicLowPass <= 0 {
		cfg.MicLowPass = def.MicLowPass
	}
	if cfg.TTSHighPass <= 0 {
		cfg.TTSHighPass = def.TTSHighPass
	}
	if cfg.TTSLowPass <= 0 {
		cfg.TTSLowPass = def.TTSLowPass
	}
	return &Pipeline{
		cfg: cfg,
		mic: NewBandPass(cfg.SampleRate, cfg.MicHighPass, cfg.MicLowPass),
		tts: NewBandPass(cfg.SampleRate, cfg.TTSHighPass, cfg.TTSLowPass),
		dec: NewDecoder(),
		enc: NewEncoder(),
		pkt: NewPacketizer(cfg.FrameSamples),
	}
}

// Ingress feeds one inbound device frame through the mic path and returns the
// full blocks now ready for the upstream, FIFO order.
func (p *Pipeline) Ingress(frame []byte, compressed bool) [][]byte {
	pcm := frame
	if compressed {
		pcm = p.dec.Decode(frame)
		if len(frame) > 0 {
			p.lastRatio = float64(len(pcm)) / float64(len(frame))
		}
	}
	p.inBuf = append(p.inBuf, pcm...)

	var blocks [][]byte
	for len(p.inBuf) >= p.cfg.BlockBytes {
		block := p.inBuf[:p.cfg.BlockBytes]
		p.inBuf = p.inBuf[p.cfg.BlockBytes:]
		blocks = append(blocks, p.mic.Process(block))
	}
	return blocks
}

// FlushIngress filters and returns whatever is left in the accumulator, even
// if it is shorter than a block. Used at end-of-speech.
func (p *Pipeline) FlushIngress() []byte {
	if len(p.inBuf) == 0 {
		return nil
	}
	rest := p.mic.Process(p.inBuf)
	p.inBuf = p.inBuf[:0]
	return rest
}

// DiscardIngress drops buffered mic audio without forwarding it. Used on
// interrupt.
func (p *Pipeline) DiscardIngress() {
	p.inBuf = p.inBuf[:0]
}

// Buffered returns the number of accumulated ingress bytes.
func (p *Pipeline) Buffered() int { return len(p.inBuf) }

// Egress feeds synthesis PCM through the TTS path and returns compressed
// frames ready for the device, in arrival order.
func (p *Pipeline) Egress(pcm []byte) [][]byte {
	shaped := ApplyGain(p.tts.Process(pcm), p.cfg.Gain)

	var frames [][]byte
	for _, f := range p.pkt.Push(shaped) {
		frames = append(frames, p.enc.EncodeFrame(f))
	}
	return frames
}

// ResetEgress discards the packetizer remainder and codec prediction state so
// the next turn starts frame-aligned. Invoked at turn boundaries.
func (p *Pipeline) ResetEgress() {
	p.pkt.Reset()
	p.enc.Reset()
	p.tts.Reset()
}

// ResetIngress clears the mic-path codec and filter state.
func (p *Pipeline) ResetIngress() {
	p.inBuf = p.inBuf[:0]
	p.dec.Reset()
	p.mic.Reset()
}

// CompressionRatio reports the last observed decompression expansion factor
// (about 4 for ADPCM input), or 0 if no compressed frame has been seen.
func (p *Pipeline) CompressionRatio() float64 { return p.lastRatio }
