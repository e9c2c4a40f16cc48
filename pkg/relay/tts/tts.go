// Package tts holds the streaming speech-synthesis contract and the
// per-session text state used when the upstream runs in text modality.
package tts

import "context"

// Provider is the streaming synthesis contract. Implementations deliver
// 16 kHz mono signed 16-bit little-endian PCM through out, in order, and
// return once the utterance is fully streamed or ctx is done. The concrete
// vendor integration lives outside this module.
type Provider interface {
	Synthesize(ctx context.Context, text string, out func(pcm []byte) error) error
}
