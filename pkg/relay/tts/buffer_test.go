package tts

import (
	"testing"
	"time"
)

func collect(b *Buffer, deltas []string) []string {
	var out []string
	for _, d := range deltas {
		if c := b.Add(d); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func TestBufferCutsAtPunctuation(t *testing.T) {
	var b Buffer
	got := collect(&b, []string{"Hey", " there", "!", " How", "'s", " it", " going", "?"})
	want := []string{"Hey there!", "How's it going?"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBufferCutsAtWordThreshold(t *testing.T) {
	var b Buffer
	got := collect(&b, []string{"The", " bird", " was", " chirp", "ing", " loudly", " today"})
	if len(got) != 1 || got[0] != "The bird was chirping loudly" {
		t.Fatalf("chunks = %v", got)
	}
	if rest := b.Flush(); rest != "today" {
		t.Fatalf("flush = %q, want %q", rest, "today")
	}
}

func TestBufferNeverSplitsPartialWords(t *testing.T) {
	var b Buffer
	got := collect(&b, []string{"The", " bird", " was", " chirp", "ing", " loud", "ly", " in"})
	if len(got) != 1 || got[0] != "The bird was chirping loudly" {
		t.Fatalf("chunks = %v", got)
	}
}

func TestBufferResetDiscards(t *testing.T) {
	var b Buffer
	b.Add("half a sent")
	b.Reset()
	if b.Len() != 0 || b.Flush() != "" {
		t.Fatal("reset must discard buffered text")
	}
}

func TestStateTimedFlushSpeaksTrailingText(t *testing.T) {
	ch := make(chan string, 4)
	s := NewState(10*time.Millisecond, func(text string) { ch <- text })

	s.Add("see you soon")

	select {
	case got := <-ch:
		if got != "see you soon" {
			t.Fatalf("flushed %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("pending flush timer never fired")
	}
}

func TestStateInterruptCancelsPendingFlush(t *testing.T) {
	ch := make(chan string, 4)
	s := NewState(10*time.Millisecond, func(text string) { ch <- text })

	s.Add("half a sent")
	s.Interrupt()

	select {
	case got := <-ch:
		t.Fatalf("interrupted text was spoken: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStateAnnounceIsOncePerTurn(t *testing.T) {
	s := NewState(time.Hour, nil)
	if !s.Announce() {
		t.Fatal("first announce should win")
	}
	if s.Announce() {
		t.Fatal("second announce within a turn should lose")
	}
	s.EndTurn()
	if !s.Announce() {
		t.Fatal("announce resets on turn end")
	}
}

func TestStateEndTurnFlushesRemainder(t *testing.T) {
	ch := make(chan string, 4)
	s := NewState(time.Hour, func(text string) { ch <- text })

	s.Add("Good")
	s.Add(" night")
	s.EndTurn()

	select {
	case got := <-ch:
		if got != "Good night" {
			t.Fatalf("flushed %q", got)
		}
	default:
		t.Fatal("EndTurn must flush synchronously")
	}
}
