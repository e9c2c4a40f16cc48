package tools

import (
	"context"
	"sync"
	"testing"
)

func newTestDispatcher() (*Dispatcher, *[]Response, *sync.Mutex) {
	var mu sync.Mutex
	var got []Response
	d := NewDispatcher(nil, func(r Response) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	return d, &got, &mu
}

func TestDispatchProducesOneCorrelatedResponse(t *testing.T) {
	d, got, mu := newTestDispatcher()
	d.Register("echo", func(_ context.Context, call Call, respond func(string, error)) {
		respond("echo:"+call.Args["text"].(string), nil)
	})

	d.Dispatch(context.Background(), []Call{{ID: "abc", Name: "echo", Args: map[string]any{"text": "hi"}}})

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("responses=%d, want 1", len(*got))
	}
	r := (*got)[0]
	if r.ID != "abc" || r.Output != "echo:hi" {
		t.Fatalf("response=%+v", r)
	}
	if !d.InFlight() {
		t.Fatalf("call stays in flight until Complete")
	}
}

func TestSingleFlightIgnoresConcurrentCalls(t *testing.T) {
	d, got, mu := newTestDispatcher()
	d.Register("slow", func(_ context.Context, _ Call, respond func(string, error)) {
		respond("ok", nil)
	})

	d.Dispatch(context.Background(), []Call{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "slow"},
	})
	d.Dispatch(context.Background(), []Call{{ID: "3", Name: "slow"}})

	mu.Lock()
	n := len(*got)
	first := (*got)[0]
	mu.Unlock()
	if n != 1 || first.ID != "1" {
		t.Fatalf("got %d responses (first %+v), want only call 1 executed", n, first)
	}

	d.Complete()
	d.Dispatch(context.Background(), []Call{{ID: "4", Name: "slow"}})
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 || (*got)[1].ID != "4" {
		t.Fatalf("after Complete, call 4 should run: %+v", *got)
	}
}

func TestUnknownToolStillGetsTerminatingResponse(t *testing.T) {
	d, got, mu := newTestDispatcher()

	d.Dispatch(context.Background(), []Call{{ID: "x", Name: "nope"}})

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("responses=%d, want 1", len(*got))
	}
	if (*got)[0].ID != "x" || (*got)[0].Output == "" {
		t.Fatalf("response=%+v, want error text with call id", (*got)[0])
	}
	if d.InFlight() {
		t.Fatalf("unknown tool must not occupy the flight slot")
	}
}

func TestAsyncRespondIsExactlyOnce(t *testing.T) {
	d, got, mu := newTestDispatcher()
	var fire func(string, error)
	d.Register("photo", func(_ context.Context, _ Call, respond func(string, error)) {
		fire = respond
	})

	d.Dispatch(context.Background(), []Call{{ID: "p1", Name: "photo"}})
	mu.Lock()
	if len(*got) != 0 {
		mu.Unlock()
		t.Fatalf("async op should not have responded yet")
	}
	mu.Unlock()

	fire("a cat", nil)
	fire("duplicate", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 || (*got)[0].Output != "a cat" {
		t.Fatalf("got=%+v, want single response 'a cat'", *got)
	}
}

func TestFailedCallRespondsWithErrorText(t *testing.T) {
	d, got, mu := newTestDispatcher()
	d.Register("boom", func(_ context.Context, _ Call, respond func(string, error)) {
		respond("", context.DeadlineExceeded)
	})

	d.Dispatch(context.Background(), []Call{{ID: "b", Name: "boom"}})

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 || (*got)[0].Output == "" {
		t.Fatalf("failed call must still answer: %+v", *got)
	}
}
