package audio

import (
	"bytes"
	"testing"
)

func TestPacketizerExactFrames(t *testing.T) {
	p := NewPacketizer(8) // 16-byte frames

	var all []byte
	var frames [][]byte
	feeds := [][]byte{
		make([]byte, 5), make([]byte, 20), make([]byte, 1),
		make([]byte, 16), make([]byte, 7),
	}
	for n, feed := range feeds {
		for i := range feed {
			feed[i] = byte(n*31 + i)
		}
		all = append(all, feed...)
		frames = append(frames, p.Push(feed)...)
	}

	var rejoined []byte
	for _, f := range frames {
		if len(f) != 16 {
			t.Fatalf("frame length %d, want 16", len(f))
		}
		rejoined = append(rejoined, f...)
	}

	total := len(all)
	if got, want := len(rejoined), total-total%16; got != want {
		t.Fatalf("emitted %d bytes, want %d", got, want)
	}
	if !bytes.Equal(rejoined, all[:len(rejoined)]) {
		t.Fatalf("frames lost or reordered bytes")
	}
	if got, want := p.Pending(), total%16; got != want {
		t.Fatalf("Pending()=%d, want %d", got, want)
	}
}

func TestPacketizerReset(t *testing.T) {
	p := NewPacketizer(8)
	p.Push(make([]byte, 10))
	if p.Pending() != 10 {
		t.Fatalf("Pending()=%d, want 10", p.Pending())
	}
	p.Reset()
	if p.Pending() != 0 {
		t.Fatalf("Reset should clear the remainder")
	}
	if frames := p.Push(make([]byte, 16)); len(frames) != 1 {
		t.Fatalf("got %d frames after reset, want 1", len(frames))
	}
}
