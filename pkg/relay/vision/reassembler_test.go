package vision

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func begin(t *testing.T, r *Reassembler, results chan Result) {
	t.Helper()
	err := r.Begin(Request{
		Prompt: "what is this",
		ID:     "call-1",
		Done:   func(res Result) { results <- res },
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
}

func TestChunksAssembleInIndexOrder(t *testing.T) {
	r := NewReassembler(time.Second, nil)
	results := make(chan Result, 1)
	begin(t, r, results)

	// Whole-payload base64, split into three fragments, delivered out of order.
	payload := b64("hello chunked image")
	frags := []string{payload[:8], payload[8:16], payload[16:]}

	if err := r.AddChunk(2, 3, frags[2]); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if err := r.AddChunk(0, 3, frags[0]); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := r.AddChunk(1, 3, frags[1]); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}

	res := <-results
	if res.Err != nil {
		t.Fatalf("assembly failed: %v", res.Err)
	}
	if string(res.Data) != "hello chunked image" {
		t.Fatalf("Data=%q", res.Data)
	}
	if r.Pending() {
		t.Fatalf("request should be resolved")
	}
}

func TestDuplicateChunkIsLastWriteWins(t *testing.T) {
	r := NewReassembler(time.Second, nil)
	results := make(chan Result, 1)
	begin(t, r, results)

	payload := b64("ab")
	if err := r.AddChunk(0, 2, "????"); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := r.AddChunk(0, 2, payload[:4]); err != nil {
		t.Fatalf("chunk 0 rewrite: %v", err)
	}
	if err := r.AddChunk(1, 2, payload[4:]); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	res := <-results
	if res.Err != nil || string(res.Data) != "ab" {
		t.Fatalf("res=%+v", res)
	}
}

func TestChunkWithoutRequestIsRejected(t *testing.T) {
	r := NewReassembler(time.Second, nil)
	if err := r.AddChunk(0, 1, "QUJD"); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("err=%v, want ErrNoRequest", err)
	}
}

func TestSecondRequestRejectedWhilePending(t *testing.T) {
	r := NewReassembler(time.Second, nil)
	results := make(chan Result, 1)
	begin(t, r, results)

	err := r.Begin(Request{Prompt: "another", Done: func(Result) {}})
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("err=%v, want ErrRequestPending", err)
	}
}

func TestDeadlineResolvesFailureAndResets(t *testing.T) {
	r := NewReassembler(30*time.Millisecond, nil)
	results := make(chan Result, 1)
	begin(t, r, results)

	if err := r.AddChunk(0, 3, "QUJD"); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	select {
	case res := <-results:
		if !errors.Is(res.Err, ErrDeadline) {
			t.Fatalf("res.Err=%v, want ErrDeadline", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("deadline never fired")
	}

	// State is reset: a new request is accepted.
	begin(t, r, results)
}

func TestOneShotLegacyPayload(t *testing.T) {
	r := NewReassembler(time.Second, nil)
	results := make(chan Result, 1)
	begin(t, r, results)

	if err := r.OneShot(b64("legacy")); err != nil {
		t.Fatalf("OneShot: %v", err)
	}
	res := <-results
	if res.Err != nil || string(res.Data) != "legacy" {
		t.Fatalf("res=%+v", res)
	}
}

func TestFailResolvesPendingRequest(t *testing.T) {
	r := NewReassembler(time.Second, nil)
	results := make(chan Result, 1)
	begin(t, r, results)

	sentinel := errors.New("session closed")
	r.Fail(sentinel)

	res := <-results
	if !errors.Is(res.Err, sentinel) {
		t.Fatalf("res.Err=%v, want sentinel", res.Err)
	}
	r.Fail(sentinel) // no pending request: no-op
}
