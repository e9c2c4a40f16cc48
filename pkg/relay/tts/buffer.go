package tts

import "strings"

const (
	chunkWordThreshold = 5
	chunkPunctuation   = ",.!?"
)

// Buffer accumulates partial text from the upstream and cuts it into chunks
// a synthesizer can speak without awkward pauses. A chunk is emitted when
// punctuation arrives, or when the buffered text reaches the word threshold
// and the next delta confirms a word boundary. Not safe for concurrent use;
// the session event loop is the only caller.
type Buffer struct {
	pending strings.Builder
}

// Add appends one text delta and returns a speakable chunk, or "" when more
// text should accumulate first.
func (b *Buffer) Add(delta string) string {
	if delta == "" {
		return ""
	}

	atBoundary := delta[0] == ' ' || delta[0] == '\n'
	held := b.pending.String()
	heldWords := len(strings.Fields(held))

	b.pending.WriteString(delta)

	if strings.ContainsAny(delta, chunkPunctuation) {
		all := b.pending.String()
		cut := strings.LastIndexAny(all, chunkPunctuation)
		chunk := strings.TrimSpace(all[:cut+1])
		rest := strings.TrimSpace(all[cut+1:])
		b.pending.Reset()
		b.pending.WriteString(rest)
		return chunk
	}

	// Enough whole words were held and this delta proves the last one is
	// complete, so release everything held and keep the new delta.
	if heldWords >= chunkWordThreshold && atBoundary {
		b.pending.Reset()
		b.pending.WriteString(strings.TrimLeft(delta, " \n"))
		return strings.TrimSpace(held)
	}

	return ""
}

// Flush returns whatever is buffered and clears it. Called when the upstream
// turn ends or the pending flush timer fires.
func (b *Buffer) Flush() string {
	out := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return out
}

// Reset discards buffered text without emitting it. Called on interrupt.
func (b *Buffer) Reset() {
	b.pending.Reset()
}

// Len reports the buffered byte count.
func (b *Buffer) Len() int {
	return b.pending.Len()
}
