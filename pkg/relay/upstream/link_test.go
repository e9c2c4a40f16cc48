package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/keypool"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/metrics"
)

type recvResult struct {
	msg *ServerMessage
	err error
}

type fakeConn struct {
	recv chan recvResult

	mu     sync.Mutex
	setup  *Setup
	inputs []RealtimeInput
	closed bool
}

func (c *fakeConn) SendSetup(s Setup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setup = &s
	return nil
}

func (c *fakeConn) SendClientContent(ClientContent) error { return nil }

func (c *fakeConn) SendRealtimeInput(in RealtimeInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fake conn closed")
	}
	c.inputs = append(c.inputs, in)
	return nil
}

func (c *fakeConn) SendToolResponse(ToolResponse) error { return nil }

func (c *fakeConn) Receive() (*ServerMessage, error) {
	r := <-c.recv
	return r.msg, r.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fail(err error) {
	c.recv <- recvResult{err: err}
}

type fakeDialer struct {
	mu       sync.Mutex
	keys     []string
	failNext int
	failAll  bool

	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, apiKey string) (Conn, error) {
	d.mu.Lock()
	d.keys = append(d.keys, apiKey)
	if d.failAll || d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	d.mu.Unlock()
	c := &fakeConn{recv: make(chan recvResult, 4)}
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialedKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}

func quotaErr() error {
	return &websocket.CloseError{
		Code: websocket.CloseInternalServerErr,
		Text: "RESOURCE_EXHAUSTED: quota exceeded for this key",
	}
}

func newTestLink(t *testing.T, d Dialer, pool *keypool.Pool, delays []time.Duration) *Link {
	t.Helper()
	l, err := NewLink(Dependencies{
		Dialer: d,
		Keys:   pool,
		Params: func() Params { return Params{Model: "models/test-live"} },
		Config: Config{
			RetryDelays:       delays,
			KeepAliveInterval: time.Hour,
		},
	})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func waitEvent(t *testing.T, l *Link, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func waitDial(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func TestQuotaCloseRotatesThroughEveryKeyThenBacksOff(t *testing.T) {
	d := newFakeDialer()
	pool := keypool.New([]string{"k1", "k2", "k3"})
	l := newTestLink(t, d, pool, []time.Duration{5 * time.Millisecond})
	rotationsBefore := testutil.ToFloat64(metrics.KeyRotations)

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c1 := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	c1.fail(quotaErr())
	c2 := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	c2.fail(quotaErr())
	c3 := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	// Third quota close cycles the pool: exhaustion is surfaced, then the
	// first backoff entry is scheduled with the cursor reset to the first key.
	c3.fail(quotaErr())
	waitEvent(t, l, EventQuotaExhausted)
	re := waitEvent(t, l, EventReconnecting)
	if re.Attempt != 1 || re.Delay != 5*time.Millisecond {
		t.Fatalf("retry = attempt %d delay %v, want attempt 1 delay 5ms", re.Attempt, re.Delay)
	}
	waitDial(t, d)
	waitEvent(t, l, EventOpen)

	want := []string{"k1", "k2", "k3", "k1"}
	got := d.dialedKeys()
	if len(got) != len(want) {
		t.Fatalf("dialed keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dialed keys = %v, want %v", got, want)
		}
	}

	// k1->k2 and k2->k3 rotated; the third quota close cycled the pool and
	// counts as exhaustion, not a rotation.
	if got := testutil.ToFloat64(metrics.KeyRotations) - rotationsBefore; got != 2 {
		t.Fatalf("key rotations = %v, want 2", got)
	}
}

func TestRetryTableSpentClosesPermanently(t *testing.T) {
	d := newFakeDialer()
	pool := keypool.New([]string{"only"})
	delays := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	l := newTestLink(t, d, pool, delays)

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c1 := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	// Every retry dial fails, so each scheduled attempt consumes one table
	// entry until the table is spent.
	d.mu.Lock()
	d.failAll = true
	d.mu.Unlock()

	c1.fail(quotaErr())
	waitEvent(t, l, EventQuotaExhausted)

	for i, want := range delays {
		re := waitEvent(t, l, EventReconnecting)
		if re.Attempt != i+1 || re.Delay != want {
			t.Fatalf("retry %d = attempt %d delay %v, want delay %v", i, re.Attempt, re.Delay, want)
		}
	}
	waitEvent(t, l, EventClosed)
}

func TestNonQuotaCloseIsUnrecoverable(t *testing.T) {
	d := newFakeDialer()
	pool := keypool.New([]string{"k1", "k2"})
	l := newTestLink(t, d, pool, DefaultRetryDelays)

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c1 := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	c1.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "network dropped"})
	ev := waitEvent(t, l, EventClosed)
	if ev.Err == nil {
		t.Fatal("closed event should carry the cause")
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(d.dialedKeys()); n != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect on non-quota close)", n)
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	d := newFakeDialer()
	l := newTestLink(t, d, keypool.New(nil), DefaultRetryDelays)

	if err := l.Connect(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Connect = %v, want ErrNoCredentials", err)
	}
}

func TestCloseCancelsScheduledRetry(t *testing.T) {
	d := newFakeDialer()
	pool := keypool.New([]string{"only"})
	l := newTestLink(t, d, pool, []time.Duration{5 * time.Millisecond})

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c1 := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	c1.fail(quotaErr())
	waitEvent(t, l, EventReconnecting)
	l.Close()

	time.Sleep(20 * time.Millisecond)
	if n := len(d.dialedKeys()); n != 1 {
		t.Fatalf("dials = %d, want 1 (Close must cancel the retry timer)", n)
	}
}

func TestKeepAliveSendsSilenceFrames(t *testing.T) {
	d := newFakeDialer()
	pool := keypool.New([]string{"k"})
	l, err := NewLink(Dependencies{
		Dialer: d,
		Keys:   pool,
		Params: func() Params { return Params{Model: "models/test-live"} },
		Config: Config{KeepAliveInterval: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.inputs)
		c.mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected keep-alive frames on an idle link")
}

func TestSetupCarriesSessionParams(t *testing.T) {
	d := newFakeDialer()
	pool := keypool.New([]string{"k"})
	l, err := NewLink(Dependencies{
		Dialer: d,
		Keys:   pool,
		Params: func() Params {
			return Params{
				Model:        "models/test-live",
				SystemPrompt: "be brief",
				Voice:        "Leda",
				Modality:     "AUDIO",
				Transcribe:   true,
			}
		},
		Config: Config{KeepAliveInterval: time.Hour},
	})
	if err != nil {
		t.Fatalf("NewLink: %v", err)
	}
	defer l.Close()

	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c := waitDial(t, d)
	waitEvent(t, l, EventOpen)

	c.mu.Lock()
	setup := c.setup
	c.mu.Unlock()
	if setup == nil {
		t.Fatal("setup was never sent")
	}
	if setup.Model != "models/test-live" {
		t.Fatalf("model = %q", setup.Model)
	}
	if setup.SystemInstruction == nil || setup.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction = %+v", setup.SystemInstruction)
	}
	if setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Leda" {
		t.Fatal("voice not propagated")
	}
	if setup.InputAudioTranscription == nil || setup.OutputAudioTranscription == nil {
		t.Fatal("transcription configs not enabled")
	}
}
