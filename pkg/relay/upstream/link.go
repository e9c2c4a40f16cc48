package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/keypool"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/metrics"
)

var (
	ErrNoCredentials = errors.New("upstream: no api credential available")
	ErrNotConnected  = errors.New("upstream: link is not connected")
	ErrLinkClosed    = errors.New("upstream: link is closed")
)

// DefaultRetryDelays is the fixed backoff table used once key rotation is
// exhausted. Ten attempts maximum.
var DefaultRetryDelays = []time.Duration{
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
	16000 * time.Millisecond,
	30000 * time.Millisecond,
	60000 * time.Millisecond,
	120000 * time.Millisecond,
	180000 * time.Millisecond,
	300000 * time.Millisecond,
}

type EventKind int

const (
	// EventOpen fires after a successful dial and setup send.
	EventOpen EventKind = iota
	// EventMessage wraps one server message.
	EventMessage
	// EventReconnecting fires when a backoff retry has been scheduled.
	EventReconnecting
	// EventQuotaExhausted fires when every key in the pool has been tried.
	EventQuotaExhausted
	// EventClosed is terminal: the link will not recover on its own.
	EventClosed
)

type Event struct {
	Kind    EventKind
	Message *ServerMessage
	Attempt int
	Delay   time.Duration
	Err     error
}

// Params describes one upstream setup. Rebuilt on every connect so reconnects
// pick up the latest persisted context and device volume.
type Params struct {
	Model        string
	SystemPrompt string
	Voice        string
	Modality     string // "AUDIO" or "TEXT"
	Tools        []Tool
	VAD          *AutomaticActivityDetection
	Transcribe   bool
}

type Config struct {
	KeepAliveInterval time.Duration
	RetryDelays       []time.Duration
	SampleRate        int
}

// Link owns one session's upstream connection and applies the failure policy:
// quota closes rotate the key pool and reconnect immediately; once the pool
// has cycled, a bounded backoff sequence takes over; any other close is
// unrecoverable. Reconnects never overlap because a new connect is only
// started after the previous receive loop has observed the close.
type Link struct {
	dialer      Dialer
	keys        *keypool.Pool
	logger      *slog.Logger
	cfg         Config
	params      func() Params
	deviceAlive func() bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu         sync.Mutex
	conn       Conn
	connGen    int
	stop       chan struct{}
	retries    int
	retryTimer *time.Timer
	closed     bool
}

type Dependencies struct {
	Dialer      Dialer
	Keys        *keypool.Pool
	Logger      *slog.Logger
	Params      func() Params
	DeviceAlive func() bool
	Config      Config
}

func NewLink(deps Dependencies) (*Link, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("upstream: dialer is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("upstream: key pool is required")
	}
	if deps.Params == nil {
		return nil, fmt.Errorf("upstream: params builder is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DeviceAlive == nil {
		deps.DeviceAlive = func() bool { return true }
	}
	if deps.Config.KeepAliveInterval <= 0 {
		deps.Config.KeepAliveInterval = 30 * time.Second
	}
	if len(deps.Config.RetryDelays) == 0 {
		deps.Config.RetryDelays = DefaultRetryDelays
	}
	if deps.Config.SampleRate <= 0 {
		deps.Config.SampleRate = 16000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		dialer:      deps.Dialer,
		keys:        deps.Keys,
		logger:      deps.Logger,
		cfg:         deps.Config,
		params:      deps.Params,
		deviceAlive: deps.DeviceAlive,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan Event, 64),
	}, nil
}

// Events delivers link lifecycle and server messages in arrival order.
func (l *Link) Events() <-chan Event { return l.events }

// Connect dials with the current credential. Fails fast with
// ErrNoCredentials when the pool is empty or exhausted.
func (l *Link) Connect() error {
	key, ok := l.keys.Current()
	if !ok {
		return ErrNoCredentials
	}
	return l.connectWithKey(key)
}

func (l *Link) connectWithKey(key string) error {
	conn, err := l.dialer.Dial(l.ctx, key)
	if err != nil {
		return fmt.Errorf("upstream connect: %w", err)
	}
	if err := conn.SendSetup(buildSetup(l.params())); err != nil {
		_ = conn.Close()
		return fmt.Errorf("upstream setup: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return ErrLinkClosed
	}
	l.conn = conn
	l.connGen++
	gen := l.connGen
	stop := make(chan struct{})
	l.stop = stop
	l.mu.Unlock()

	go l.receiveLoop(conn, gen)
	go l.keepAliveLoop(conn, stop)

	l.emit(Event{Kind: EventOpen})
	return nil
}

func (l *Link) receiveLoop(conn Conn, gen int) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			l.handleClose(conn, gen, err)
			return
		}
		if msg.SetupComplete != nil {
			// A fresh setup acknowledgment means recovery succeeded; the
			// retry budget starts over.
			l.mu.Lock()
			l.retries = 0
			l.mu.Unlock()
		}
		l.emit(Event{Kind: EventMessage, Message: msg})
	}
}

func (l *Link) handleClose(conn Conn, gen int, err error) {
	l.mu.Lock()
	if l.closed || gen != l.connGen {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()
	_ = conn.Close()

	if IsQuotaClose(err) && l.deviceAlive() {
		if key, cycled := l.keys.Rotate(); !cycled {
			l.logger.Info("upstream quota hit, rotating api key")
			metrics.KeyRotations.Inc()
			if cerr := l.connectWithKey(key); cerr != nil {
				l.scheduleRetry(cerr)
			}
			return
		}
		l.logger.Warn("api key pool exhausted", "error", err)
		l.emit(Event{Kind: EventQuotaExhausted, Err: err})
		l.scheduleRetry(err)
		return
	}

	l.emit(Event{Kind: EventClosed, Err: err})
}

// scheduleRetry arms the next entry of the backoff table, or gives up when
// the table is spent.
func (l *Link) scheduleRetry(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	attempt := l.retries
	if attempt >= len(l.cfg.RetryDelays) {
		l.mu.Unlock()
		l.emit(Event{Kind: EventClosed, Err: cause})
		return
	}
	delay := l.cfg.RetryDelays[attempt]
	l.retries = attempt + 1
	l.retryTimer = time.AfterFunc(delay, func() {
		l.keys.ResetRotation()
		if err := l.Connect(); err != nil {
			l.scheduleRetry(err)
		}
	})
	l.mu.Unlock()

	l.logger.Info("upstream retry scheduled", "attempt", attempt+1, "delay", delay)
	l.emit(Event{Kind: EventReconnecting, Attempt: attempt + 1, Delay: delay, Err: cause})
}

func (l *Link) keepAliveLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.KeepAliveInterval)
	defer ticker.Stop()

	// An inert silence frame keeps idle links from being dropped.
	silence := base64.StdEncoding.EncodeToString(make([]byte, 1024))
	mime := fmt.Sprintf("audio/pcm;rate=%d", l.cfg.SampleRate)

	for {
		select {
		case <-stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SendRealtimeInput(RealtimeInput{
				MediaChunks: []Blob{{MIMEType: mime, Data: silence}},
			}); err != nil {
				return
			}
		}
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

func (l *Link) current() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Connected reports whether the link currently has an open connection.
func (l *Link) Connected() bool { return l.current() != nil }

// SendAudioBlock forwards one filtered PCM block upstream.
func (l *Link) SendAudioBlock(pcm []byte) error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendRealtimeInput(RealtimeInput{
		MediaChunks: []Blob{{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", l.cfg.SampleRate),
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	})
}

// SendAudioStreamEnd signals the natural end of the user's speech.
func (l *Link) SendAudioStreamEnd() error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendRealtimeInput(RealtimeInput{AudioStreamEnd: true})
}

// SendUserTurn sends a text turn, optionally completing it.
func (l *Link) SendUserTurn(text string, complete bool) error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	cc := ClientContent{TurnComplete: complete}
	if text != "" {
		cc.Turns = []Content{{Role: "user", Parts: []Part{{Text: text}}}}
	}
	return conn.SendClientContent(cc)
}

// SendTurnComplete force-completes the current turn without new content.
// Used on interrupt.
func (l *Link) SendTurnComplete() error {
	return l.SendUserTurn("", true)
}

// SendToolResponses answers dispatched function calls.
func (l *Link) SendToolResponses(responses []FunctionResponse) error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendToolResponse(ToolResponse{FunctionResponses: responses})
}

// Close tears the link down locally: timers stopped, no further retries, no
// events emitted. Safe to call more than once.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	conn := l.conn
	l.conn = nil
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	l.cancel()
}

func buildSetup(p Params) Setup {
	modality := p.Modality
	if modality == "" {
		modality = "AUDIO"
	}
	setup := Setup{
		Model: p.Model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{modality},
		},
		Tools: p.Tools,
	}
	if p.Voice != "" && modality == "AUDIO" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: p.Voice},
			},
		}
	}
	if p.SystemPrompt != "" {
		setup.SystemInstruction = &Content{
			Parts: []Part{{Text: p.SystemPrompt}},
		}
	}
	if p.VAD != nil {
		setup.RealtimeInputConfig = &RealtimeInputConfig{
			AutomaticActivityDetection: p.VAD,
		}
	}
	if p.Transcribe {
		setup.InputAudioTranscription = &TranscriptionConfig{}
		setup.OutputAudioTranscription = &TranscriptionConfig{}
	}
	return setup
}
