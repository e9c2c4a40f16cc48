// Package vision turns chunked device image transfers into a single decoded
// payload and hands it to the analysis and archival paths.
package vision

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrRequestPending = errors.New("vision: a capture request is already pending")
	ErrNoRequest      = errors.New("vision: no capture request is pending")
	ErrDeadline       = errors.New("vision: image assembly deadline exceeded")
	ErrMissingChunk   = errors.New("vision: assembly finished with missing chunks")
)

// Result is delivered exactly once per accepted request.
type Result struct {
	Prompt string
	Data   []byte
	Err    error
}

// Request describes one pending capture. Done receives the result from
// whichever goroutine resolves it (chunk completion, deadline, or Fail).
type Request struct {
	Prompt string
	ID     string
	Done   func(Result)
}

type assembly struct {
	chunks    map[int]string
	total     int
	received  int
	startedAt time.Time
	timer     *time.Timer
}

// Reassembler accepts at most one capture request at a time and accumulates
// its numbered base64 fragments under a deadline.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	req *Request
	asm *assembly
}

const DefaultTimeout = 10 * time.Second

func NewReassembler(timeout time.Duration, logger *slog.Logger) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{timeout: timeout, logger: logger, now: time.Now}
}

// Begin registers a capture request. Fails if one is already pending.
func (r *Reassembler) Begin(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.req != nil {
		return ErrRequestPending
	}
	r.req = &req
	return nil
}

// Pending reports whether a capture request is outstanding.
func (r *Reassembler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req != nil
}

// AddChunk stores one fragment. Duplicate indices are last-write-wins. When
// the declared total has been received the assembly is finalized and the
// pending request resolved.
func (r *Reassembler) AddChunk(index, total int, data string) error {
	r.mu.Lock()

	if r.req == nil {
		r.mu.Unlock()
		return ErrNoRequest
	}
	if index < 0 || total <= 0 || index >= total {
		r.mu.Unlock()
		return fmt.Errorf("vision: chunk %d/%d out of range", index, total)
	}

	if r.asm == nil {
		a := &assembly{
			chunks:    make(map[int]string, total),
			total:     total,
			startedAt: r.now(),
		}
		a.timer = time.AfterFunc(r.timeout, func() { r.expire(a) })
		r.asm = a
	}
	if _, dup := r.asm.chunks[index]; !dup {
		r.asm.received++
	}
	r.asm.chunks[index] = data

	if r.asm.received < r.asm.total {
		r.mu.Unlock()
		return nil
	}

	req, res := r.finalizeLocked()
	r.mu.Unlock()
	if req != nil {
		req.Done(res)
	}
	return res.Err
}

// OneShot resolves the pending request with a complete legacy base64 payload.
func (r *Reassembler) OneShot(data string) error {
	r.mu.Lock()
	if r.req == nil {
		r.mu.Unlock()
		return ErrNoRequest
	}
	req := r.req
	res := Result{Prompt: req.Prompt}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		res.Err = fmt.Errorf("vision: decode image payload: %w", err)
	} else {
		res.Data = decoded
	}
	r.resetLocked()
	r.mu.Unlock()
	req.Done(res)
	return res.Err
}

// Fail resolves any pending request with err and resets state. Used on
// session teardown so no caller is left waiting.
func (r *Reassembler) Fail(err error) {
	r.mu.Lock()
	req := r.req
	prompt := ""
	if req != nil {
		prompt = req.Prompt
	}
	r.resetLocked()
	r.mu.Unlock()
	if req != nil {
		req.Done(Result{Prompt: prompt, Err: err})
	}
}

func (r *Reassembler) expire(a *assembly) {
	r.mu.Lock()
	if r.asm != a || r.req == nil {
		// Already finalized or superseded; the fired timer is a no-op.
		r.mu.Unlock()
		return
	}
	req := r.req
	received, total := a.received, a.total
	r.resetLocked()
	r.mu.Unlock()

	r.logger.Warn("image assembly timed out",
		"received", received, "total", total)
	req.Done(Result{Prompt: req.Prompt, Err: ErrDeadline})
}

// finalizeLocked concatenates fragments in index order and decodes them.
func (r *Reassembler) finalizeLocked() (*Request, Result) {
	req := r.req
	a := r.asm
	res := Result{Prompt: req.Prompt}

	var b strings.Builder
	for i := 0; i < a.total; i++ {
		frag, ok := a.chunks[i]
		if !ok {
			res.Err = fmt.Errorf("%w: index %d", ErrMissingChunk, i)
			r.resetLocked()
			return req, res
		}
		b.WriteString(frag)
	}
	decoded, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		res.Err = fmt.Errorf("vision: decode assembled payload: %w", err)
	} else {
		res.Data = decoded
	}
	r.resetLocked()
	return req, res
}

func (r *Reassembler) resetLocked() {
	if r.asm != nil && r.asm.timer != nil {
		r.asm.timer.Stop()
	}
	r.asm = nil
	r.req = nil
}
