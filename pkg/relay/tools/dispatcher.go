// Package tools executes upstream-issued function calls against device and
// session operations, one call in flight per session.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Call is one upstream function invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Response is the correlated answer sent back upstream. Every dispatched call
// produces exactly one, even on failure.
type Response struct {
	ID     string
	Name   string
	Output string
}

// Op handles one named call. Implementations must invoke respond exactly once,
// synchronously or later (for device round-trips such as photo capture).
type Op func(ctx context.Context, call Call, respond func(output string, err error))

// ActionResult is what the external action-processing collaborator returns.
type ActionResult struct {
	Success bool
	Message string
}

// ActionHandler forwards free-form user intent to the external action
// processor.
type ActionHandler interface {
	HandleUserIntent(ctx context.Context, sessionID, text string) (ActionResult, error)
}

// Dispatcher serializes tool execution for one session. While a call is in
// flight, new calls are logged and ignored; the flight ends on an explicit
// completion signal or when upstream audio output starts for the turn.
type Dispatcher struct {
	logger  *slog.Logger
	respond func(Response)

	mu       sync.Mutex
	ops      map[string]Op
	inFlight bool
}

func NewDispatcher(logger *slog.Logger, respond func(Response)) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		respond: respond,
		ops:     make(map[string]Op),
	}
}

// Register binds a named operation. Later registrations replace earlier ones.
func (d *Dispatcher) Register(name string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops[name] = op
}

// Dispatch accepts a batch of calls. Only the first call of an idle session is
// executed; everything else is dropped with a log line.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []Call) {
	for _, call := range calls {
		d.mu.Lock()
		if d.inFlight {
			d.mu.Unlock()
			d.logger.Warn("tool call ignored, another is in flight",
				"name", call.Name, "id", call.ID)
			continue
		}
		op, ok := d.ops[call.Name]
		if !ok {
			d.mu.Unlock()
			// Unknown names still get a terminating response.
			d.send(call, "", fmt.Errorf("unknown tool %q", call.Name))
			continue
		}
		d.inFlight = true
		d.mu.Unlock()

		d.logger.Info("tool call dispatched", "name", call.Name, "id", call.ID)
		var once sync.Once
		op(ctx, call, func(output string, err error) {
			once.Do(func() { d.send(call, output, err) })
		})
	}
}

// Complete marks the in-flight call finished. Safe to call when idle.
func (d *Dispatcher) Complete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
}

// InFlight reports whether a call is currently executing.
func (d *Dispatcher) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// FailPending is a teardown hook: nothing buffers here, but the respond sink
// may be gone, so detach it to avoid writes into a closed session.
func (d *Dispatcher) FailPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
}

func (d *Dispatcher) send(call Call, output string, err error) {
	if err != nil {
		d.logger.Warn("tool call failed", "name", call.Name, "id", call.ID, "error", err)
		output = fmt.Sprintf("Error: %v", err)
	}
	if d.respond != nil {
		d.respond(Response{ID: call.ID, Name: call.Name, Output: output})
	}
}
