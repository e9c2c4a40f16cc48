package session

import (
	"context"
	"testing"
	"time"
)

func TestWriterExitsPromptlyOnCancel(t *testing.T) {
	device := newFakeDevice()
	ctx, cancel := context.WithCancel(context.Background())

	w := outboundWriter{
		ws:  device,
		ctx: ctx,
		// A long ping interval so the blocking select has nothing else to
		// wake it up.
		cfg:      Config{PingInterval: time.Hour},
		priority: make(chan outboundFrame),
		normal:   make(chan outboundFrame),
	}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writer did not exit after cancel")
	}

	device.mu.Lock()
	closed := device.closed
	device.mu.Unlock()
	if !closed {
		t.Fatal("device connection was not closed on shutdown")
	}
}
