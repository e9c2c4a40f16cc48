// Package session owns one device connection and drives its lifecycle: the
// handshake, the audio relay loops, vision capture, tool execution, and the
// ordered teardown.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/audio"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/keypool"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/metrics"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/protocol"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/resume"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/store"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/tools"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/tts"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/upstream"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/vision"
)

// State is the session lifecycle. Active is entered once the upstream link
// has acknowledged setup and the first turn is sent. Degraded means the
// upstream is down but recoverable; Reconnecting means a retry is scheduled
// or running.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDegraded
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the device-facing websocket surface the session needs.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	Model             string
	Voice             string
	Transcribe        bool
	CompressedAudioIn bool
	HistoryLimit      int

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int
	VisionTimeout     time.Duration

	Audio    audio.Config
	Upstream upstream.Config
	VAD      *upstream.AutomaticActivityDetection
}

type Dependencies struct {
	Conn     Conn
	Logger   *slog.Logger
	UserID   string
	Dialer   upstream.Dialer
	Keys     *keypool.Pool
	Store    store.Store
	Resume   *resume.Tracker
	Analyzer vision.Analyzer
	Actions  tools.ActionHandler
	Synth    tts.Provider
	Config   Config
	Now      func() time.Time
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type visionOutcome struct {
	result  vision.Result
	respond func(output string, err error)
}

type Session struct {
	conn     Conn
	logger   *slog.Logger
	userID   string
	dialer   upstream.Dialer
	keys     *keypool.Pool
	store    store.Store
	resumes  *resume.Tracker
	analyzer vision.Analyzer
	actions  tools.ActionHandler
	synth    tts.Provider
	cfg      Config
	now      func() time.Time

	sessionID string
	startTime time.Time
	resumed   bool
	firstTurn string

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	audioEpoch atomic.Int64

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	pipeline   *audio.Pipeline
	link       *upstream.Link
	dispatcher *tools.Dispatcher
	vision     *vision.Reassembler
	speech     *tts.State

	visionCh chan visionOutcome
	speakCh  chan string
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("device connection is required")
	}
	if strings.TrimSpace(deps.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("key pool is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Resume == nil {
		return nil, fmt.Errorf("resume tracker is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if strings.TrimSpace(deps.Config.Model) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.HistoryLimit <= 0 {
		deps.Config.HistoryLimit = 20
	}
	if deps.Config.VisionTimeout <= 0 {
		deps.Config.VisionTimeout = vision.DefaultTimeout
	}
	if deps.Config.Audio.SampleRate == 0 {
		deps.Config.Audio = audio.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger,
		userID:           deps.UserID,
		dialer:           deps.Dialer,
		keys:             deps.Keys,
		store:            deps.Store,
		resumes:          deps.Resume,
		analyzer:         deps.Analyzer,
		actions:          deps.Actions,
		synth:            deps.Synth,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 8),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		pipeline:         audio.NewPipeline(deps.Config.Audio),
		visionCh:         make(chan visionOutcome, 2),
		speakCh:          make(chan string, 16),
	}
	s.startTime = s.now()

	// A recent retryable failure lets the device resume its old session
	// instead of starting cold.
	if rec, ok := s.resumes.Get(s.userID); ok {
		s.sessionID = rec.SessionID
		s.resumed = true
		s.firstTurn = resumeGreeting(rec)
		metrics.ResumedSessions.Inc()
	} else {
		s.sessionID = mintSessionID(s.userID, s.now())
		s.firstTurn = "Greet the user briefly and ask how you can help."
	}

	s.logger = s.logger.With("session_id", s.sessionID, "user_id", s.userID)
	return s, nil
}

func mintSessionID(userID string, at time.Time) string {
	return fmt.Sprintf("%s_%d_%s", userID, at.UnixMilli(), uuid.NewString()[:8])
}

func resumeGreeting(rec resume.Record) string {
	reason := strings.TrimSpace(rec.Message)
	if reason == "" {
		reason = string(rec.Kind)
	}
	if ctx := strings.TrimSpace(rec.Context); ctx != "" {
		return fmt.Sprintf("The previous conversation was interrupted (%s). Context: %s. Pick up naturally where you left off.", reason, ctx)
	}
	return fmt.Sprintf("The previous conversation was interrupted (%s). Greet the user and continue naturally.", reason)
}

func (s *Session) SessionID() string { return s.sessionID }
func (s *Session) UserID() string    { return s.userID }
func (s *Session) State() State      { return State(s.state.Load()) }

// Cancel forces teardown from outside the event loop.
func (s *Session) Cancel() { s.cancel() }

// Notify sends a server instruction to the device, best-effort.
func (s *Session) Notify(msg string) error {
	return s.enqueueJSON(true, protocol.ServerEvent(msg))
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Info("session state", "from", prev.String(), "to", next.String())
	}
}

// Run drives the session until the device disconnects or the upstream fails
// unrecoverably. It blocks for the session's lifetime.
func (s *Session) Run() error {
	defer s.cancel()
	defer s.teardown()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	s.setState(StateHandshaking)

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		})
	}

	info := s.loadDeviceInfo()
	if err := s.enqueueJSON(true, protocol.NewAuth(info.Volume, info.PitchFactor, info.IsOTA, info.IsReset)); err != nil {
		return err
	}

	systemPrompt := s.buildSystemPrompt(info)

	s.speech = tts.NewState(tts.DefaultFlushDelay, func(chunk string) {
		select {
		case s.speakCh <- chunk:
		case <-s.ctx.Done():
		}
	})

	s.vision = vision.NewReassembler(s.cfg.VisionTimeout, s.logger)

	link, err := upstream.NewLink(upstream.Dependencies{
		Dialer: s.dialer,
		Keys:   s.keys,
		Logger: s.logger,
		Config: s.cfg.Upstream,
		Params: func() upstream.Params {
			return upstream.Params{
				Model:        s.cfg.Model,
				SystemPrompt: systemPrompt,
				Voice:        s.cfg.Voice,
				Modality:     s.modality(),
				Tools:        toolDeclarations(),
				VAD:          s.cfg.VAD,
				Transcribe:   s.cfg.Transcribe,
			}
		},
		DeviceAlive: func() bool { return s.ctx.Err() == nil },
	})
	if err != nil {
		return err
	}
	s.link = link

	s.dispatcher = tools.NewDispatcher(s.logger, s.sendToolResponse)
	s.registerTools()

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
			isStale:  func(epoch int64) bool { return epoch != s.audioEpoch.Load() },
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	if err := s.link.Connect(); err != nil {
		s.logger.Error("upstream connect failed", "error", err)
		s.resumes.Save(s.userID, resume.Record{
			SessionID: s.sessionID,
			Kind:      resume.KindConnectionFailed,
			Message:   err.Error(),
		})
		_ = s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgResponseError))
		return err
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	// Cancel must precede the wait: background producers block on the
	// outbound queues and only ctx.Done releases them once the writer dies.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer s.cancel()

	// Per-turn scratch state, owned by this loop.
	var (
		turnOpen        bool
		quotaNotified   bool
		userTranscript  strings.Builder
		modelTranscript strings.Builder
	)

	persistTurn := func() {
		user := strings.TrimSpace(userTranscript.String())
		model := strings.TrimSpace(modelTranscript.String())
		userTranscript.Reset()
		modelTranscript.Reset()
		if user == "" && model == "" {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if user != "" {
				s.appendTranscript(ctx, "user", user)
			}
			if model != "" {
				s.appendTranscript(ctx, "assistant", model)
			}
		}()
	}

	endTurn := func() {
		if s.synth != nil {
			s.speech.EndTurn()
		}
		if turnOpen {
			_ = s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgResponseComplete))
			turnOpen = false
		}
		s.pipeline.ResetEgress()
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case err := <-writerErrCh:
			if err != nil {
				s.logger.Warn("device writer failed", "error", err)
				if !isNormalDeviceClose(err) {
					s.saveDeviceFailure(err)
				}
			}
			return err

		case frame, ok := <-readCh:
			if !ok {
				s.resumes.Clear(s.userID)
				return nil
			}
			if frame.err != nil {
				if isNormalDeviceClose(frame.err) {
					s.resumes.Clear(s.userID)
				} else if s.State() == StateActive || s.State() == StateDegraded {
					s.saveDeviceFailure(frame.err)
				}
				return nil
			}
			if frame.messageType == websocket.BinaryMessage {
				s.handleDeviceAudio(frame.data)
				continue
			}
			if err := s.handleDeviceText(frame.data, &turnOpen); err != nil {
				return err
			}

		case ev := <-s.link.Events():
			switch ev.Kind {
			case upstream.EventOpen:
				// Setup sent; wait for the acknowledgment before the
				// first turn.
			case upstream.EventMessage:
				s.handleUpstreamMessage(ev.Message, &turnOpen, &userTranscript, &modelTranscript, persistTurn, endTurn)
				quotaNotified = false
			case upstream.EventReconnecting:
				s.setState(StateReconnecting)
				metrics.UpstreamReconnects.Inc()
			case upstream.EventQuotaExhausted:
				s.setState(StateDegraded)
				if !quotaNotified {
					quotaNotified = true
					_ = s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgQuotaExceeded))
				}
				s.resumes.Save(s.userID, resume.Record{
					SessionID: s.sessionID,
					Kind:      resume.KindQuotaExceeded,
					Message:   "api quota exhausted on all keys",
				})
			case upstream.EventClosed:
				s.logger.Warn("upstream closed unrecoverably", "error", ev.Err)
				if !quotaNotified {
					s.resumes.Save(s.userID, resume.Record{
						SessionID: s.sessionID,
						Kind:      resume.KindUpstreamError,
						Message:   errText(ev.Err),
					})
				}
				_ = s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgResponseError))
				return ev.Err
			}

		case out := <-s.visionCh:
			s.handleVisionOutcome(out, &wg)

		case text := <-s.speakCh:
			s.speakChunk(text, &turnOpen, &wg)
		}
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		mt, data, err := s.conn.ReadMessage()
		select {
		case out <- inboundFrame{messageType: mt, data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		}
	}
}

func (s *Session) handleDeviceAudio(data []byte) {
	blocks := s.pipeline.Ingress(data, s.cfg.CompressedAudioIn)
	for _, block := range blocks {
		if err := s.link.SendAudioBlock(block); err != nil {
			if !errors.Is(err, upstream.ErrNotConnected) {
				s.logger.Warn("audio forward failed", "error", err)
			}
			return
		}
		metrics.AudioBlocksIn.Inc()
	}
}

func (s *Session) handleDeviceText(data []byte, turnOpen *bool) error {
	msg, err := protocol.DecodeDeviceMessage(data)
	if err != nil {
		s.logger.Warn("bad device frame", "error", err)
		return s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgResponseError))
	}

	switch m := msg.(type) {
	case protocol.Instruction:
		switch m.Msg {
		case protocol.MsgEndOfSpeech:
			if tail := s.pipeline.FlushIngress(); len(tail) > 0 {
				if err := s.link.SendAudioBlock(tail); err == nil {
					metrics.AudioBlocksIn.Inc()
				}
			}
			if err := s.link.SendAudioStreamEnd(); err != nil && !errors.Is(err, upstream.ErrNotConnected) {
				s.logger.Warn("audio stream end failed", "error", err)
			}
			return s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgAudioCommitted))
		case protocol.MsgInterrupt:
			s.interruptPlayback(turnOpen)
			return nil
		default:
			s.logger.Debug("unhandled instruction", "msg", m.Msg)
		}
	case protocol.Image:
		if err := s.vision.OneShot(m.Data); err != nil {
			s.logger.Warn("one-shot image rejected", "error", err)
		}
	case protocol.ImageChunk:
		if err := s.vision.AddChunk(m.ChunkIndex, m.TotalChunks, m.Data); err != nil {
			s.logger.Warn("image chunk rejected", "error", err,
				"index", m.ChunkIndex, "total", m.TotalChunks)
		}
	case protocol.ImageComplete:
		s.logger.Debug("image transfer marked complete by device")
	case protocol.Unrecognized:
		s.logger.Debug("unrecognized device frame", "type", m.Type)
	}
	return nil
}

// interruptPlayback implements the barge-in path: queued synthesized audio is
// invalidated, buffered mic audio is dropped, and the upstream turn is force
// completed so the model stops talking.
func (s *Session) interruptPlayback(turnOpen *bool) {
	s.audioEpoch.Add(1)
	s.pipeline.DiscardIngress()
	s.pipeline.ResetEgress()
	if s.synth != nil {
		s.speech.Interrupt()
	}
	*turnOpen = false
	if err := s.link.SendTurnComplete(); err != nil && !errors.Is(err, upstream.ErrNotConnected) {
		s.logger.Warn("interrupt turn-complete failed", "error", err)
	}
}

func (s *Session) handleUpstreamMessage(
	msg *upstream.ServerMessage,
	turnOpen *bool,
	userTranscript, modelTranscript *strings.Builder,
	persistTurn func(),
	endTurn func(),
) {
	if msg == nil {
		return
	}

	switch {
	case msg.SetupComplete != nil:
		s.setState(StateActive)
		s.resumes.Clear(s.userID)
		if s.firstTurn != "" {
			if err := s.link.SendUserTurn(s.firstTurn, true); err != nil {
				s.logger.Warn("first turn failed", "error", err)
			}
			s.firstTurn = "Continue the conversation."
		}

	case msg.ServerContent != nil:
		sc := msg.ServerContent
		if sc.Interrupted {
			s.audioEpoch.Add(1)
			s.pipeline.ResetEgress()
			if s.synth != nil {
				s.speech.Interrupt()
			}
			*turnOpen = false
		}
		if sc.InputTranscription != nil {
			userTranscript.WriteString(sc.InputTranscription.Text)
		}
		if sc.OutputTranscription != nil {
			modelTranscript.WriteString(sc.OutputTranscription.Text)
		}
		if sc.ModelTurn != nil {
			s.handleModelTurn(sc.ModelTurn, turnOpen)
		}
		if sc.GenerationComplete {
			endTurn()
		}
		if sc.TurnComplete {
			persistTurn()
		}

	case msg.ToolCall != nil:
		calls := make([]tools.Call, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		s.dispatcher.Dispatch(s.ctx, calls)

	case msg.ToolCallCancellation != nil:
		s.dispatcher.FailPending()

	case msg.GoAway != nil:
		s.logger.Warn("upstream go-away", "time_left", msg.GoAway.TimeLeft)
	}
}

func (s *Session) handleModelTurn(turn *upstream.Content, turnOpen *bool) {
	for _, part := range turn.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				s.logger.Warn("bad upstream audio payload", "error", err)
				continue
			}
			s.openTurn(turnOpen)
			s.streamEgress(pcm)
		}
		if part.Text != "" && s.synth != nil {
			s.dispatcher.Complete()
			if s.speech.Announce() {
				s.openTurn(turnOpen)
			}
			s.speech.Add(part.Text)
		}
	}
}

// openTurn announces the start of a synthesized response exactly once per
// turn. The first upstream output also closes any tool flight for the turn.
func (s *Session) openTurn(turnOpen *bool) {
	s.dispatcher.Complete()
	if *turnOpen {
		return
	}
	*turnOpen = true
	_ = s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgResponseCreated))
}

func (s *Session) streamEgress(pcm []byte) {
	epoch := s.audioEpoch.Load()
	for _, frame := range s.pipeline.Egress(pcm) {
		s.enqueueAudio(frame, epoch)
		metrics.AudioFramesOut.Inc()
	}
}

func (s *Session) speakChunk(text string, turnOpen *bool, wg *sync.WaitGroup) {
	if s.synth == nil {
		return
	}
	if s.speech.Announce() {
		s.openTurn(turnOpen)
	}
	epoch := s.audioEpoch.Load()
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.synth.Synthesize(s.ctx, text, func(pcm []byte) error {
			if s.audioEpoch.Load() != epoch {
				return context.Canceled
			}
			for _, frame := range s.pipeline.Egress(pcm) {
				s.enqueueAudio(frame, epoch)
				metrics.AudioFramesOut.Inc()
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("synthesis failed", "error", err)
		}
	}()
}

func (s *Session) handleVisionOutcome(out visionOutcome, wg *sync.WaitGroup) {
	if out.result.Err != nil {
		metrics.VisionRequests.WithLabelValues("failed").Inc()
		out.respond("", out.result.Err)
		return
	}
	if s.analyzer == nil {
		out.respond("", fmt.Errorf("vision analysis is not configured"))
		return
	}

	prompt := out.result.Prompt
	image := out.result.Data
	started := s.now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()

		answer, err := s.analyzer.AnalyzeImage(ctx, prompt, image)
		if err != nil {
			metrics.VisionRequests.WithLabelValues("failed").Inc()
			out.respond("", err)
			return
		}
		metrics.VisionRequests.WithLabelValues("ok").Inc()
		metrics.VisionAssemblyDuration.Observe(s.now().Sub(started).Seconds())
		out.respond(answer, nil)

		if _, err := s.store.SaveImage(ctx, s.userID, s.sessionID, image); err != nil {
			s.logger.Warn("image persist failed", "error", err)
		}
	}()
}

func (s *Session) sendToolResponse(r tools.Response) {
	err := s.link.SendToolResponses([]upstream.FunctionResponse{{
		ID:   r.ID,
		Name: r.Name,
		Response: map[string]any{
			"output": r.Output,
		},
	}})
	if err != nil && !errors.Is(err, upstream.ErrNotConnected) {
		s.logger.Warn("tool response send failed", "error", err)
	}
	outcome := "ok"
	if strings.HasPrefix(r.Output, "Error:") {
		outcome = "error"
	}
	metrics.ToolCalls.WithLabelValues(r.Name, outcome).Inc()
}

func (s *Session) registerTools() {
	s.dispatcher.Register("capture_photo", func(_ context.Context, call tools.Call, respond func(string, error)) {
		prompt := stringArg(call.Args, "question", "Describe what the camera sees.")
		err := s.vision.Begin(vision.Request{
			Prompt: prompt,
			ID:     call.ID,
			Done: func(res vision.Result) {
				select {
				case s.visionCh <- visionOutcome{result: res, respond: respond}:
				case <-s.ctx.Done():
				}
			},
		})
		if err != nil {
			respond("", err)
			return
		}
		_ = s.enqueueJSON(true, protocol.ServerEvent(protocol.MsgRequestPhoto))
	})

	s.dispatcher.Register("set_volume", func(ctx context.Context, call tools.Call, respond func(string, error)) {
		volume, ok := intArg(call.Args, "volume")
		if !ok || volume < 0 || volume > 100 {
			respond("", fmt.Errorf("volume must be between 0 and 100"))
			return
		}
		if err := s.store.UpdateDeviceVolume(ctx, s.userID, volume); err != nil {
			respond("", err)
			return
		}
		_ = s.enqueueJSON(true, protocol.NewAuth(volume, 0, false, false))
		respond(fmt.Sprintf("Volume set to %d%%.", volume), nil)
	})

	s.dispatcher.Register("handle_action", func(ctx context.Context, call tools.Call, respond func(string, error)) {
		if s.actions == nil {
			respond("", fmt.Errorf("action handling is not configured"))
			return
		}
		intent := stringArg(call.Args, "request", "")
		if strings.TrimSpace(intent) == "" {
			respond("", fmt.Errorf("request text is required"))
			return
		}
		res, err := s.actions.HandleUserIntent(ctx, s.sessionID, intent)
		if err != nil {
			respond("", err)
			return
		}
		if !res.Success {
			respond("The request could not be completed: "+res.Message, nil)
			return
		}
		respond(res.Message, nil)
	})
}

func toolDeclarations() []upstream.Tool {
	return []upstream.Tool{{
		FunctionDeclarations: []upstream.FunctionDeclaration{
			{
				Name:        "capture_photo",
				Description: "Take a photo with the device camera and answer a question about it.",
				Parameters: &upstream.Schema{
					Type: "OBJECT",
					Properties: map[string]*upstream.Schema{
						"question": {Type: "STRING", Description: "What to look for in the photo."},
					},
				},
			},
			{
				Name:        "set_volume",
				Description: "Change the device speaker volume.",
				Parameters: &upstream.Schema{
					Type: "OBJECT",
					Properties: map[string]*upstream.Schema{
						"volume": {Type: "INTEGER", Description: "Volume percent, 0 to 100."},
					},
					Required: []string{"volume"},
				},
			},
			{
				Name:        "handle_action",
				Description: "Carry out a user request such as taking a note or setting a reminder.",
				Parameters: &upstream.Schema{
					Type: "OBJECT",
					Properties: map[string]*upstream.Schema{
						"request": {Type: "STRING", Description: "The user's request, in their words."},
					},
					Required: []string{"request"},
				},
			},
		},
	}}
}

func (s *Session) modality() string {
	if s.synth != nil {
		return "TEXT"
	}
	return "AUDIO"
}

func (s *Session) loadDeviceInfo() store.DeviceInfo {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	info, err := s.store.GetDeviceInfo(ctx, s.userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("device info lookup failed", "error", err)
		}
		return store.DeviceInfo{UserID: s.userID, Volume: 70, PitchFactor: 1.0}
	}
	return info
}

func (s *Session) buildSystemPrompt(info store.DeviceInfo) string {
	var b strings.Builder
	b.WriteString("You are Aisha, a voice assistant speaking through a small handheld device. ")
	b.WriteString("Keep replies short and conversational. Expand numbers and abbreviations for speech. Never emit markdown.")
	if p := strings.TrimSpace(info.Persona); p != "" {
		b.WriteString("\n\nPersona: ")
		b.WriteString(p)
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	history, err := s.store.GetConversationHistory(ctx, s.userID, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warn("history lookup failed", "error", err)
		return b.String()
	}
	if len(history) > 0 {
		b.WriteString("\n\nRecent conversation:")
		for _, e := range history {
			b.WriteString("\n")
			b.WriteString(e.Role)
			b.WriteString(": ")
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

func (s *Session) appendTranscript(ctx context.Context, role, text string) {
	err := s.store.AppendConversation(ctx, store.ConversationEntry{
		UserID:    s.userID,
		SessionID: s.sessionID,
		Role:      role,
		Content:   text,
	})
	if err != nil {
		s.logger.Warn("transcript persist failed", "role", role, "error", err)
	}
}

// isNormalDeviceClose reports a deliberate device hang-up. A clean close
// clears any resumable record instead of creating one.
func isNormalDeviceClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (s *Session) saveDeviceFailure(cause error) {
	s.resumes.Save(s.userID, resume.Record{
		SessionID: s.sessionID,
		Kind:      resume.KindDeviceError,
		Message:   errText(cause),
	})
}

func (s *Session) teardown() {
	s.setState(StateClosing)

	if s.vision != nil {
		s.vision.Fail(fmt.Errorf("session closed"))
	}
	if s.speech != nil {
		s.speech.Interrupt()
	}
	if s.dispatcher != nil {
		s.dispatcher.FailPending()
	}

	// Buffered mic audio goes upstream before the link closes.
	if s.link != nil {
		if tail := s.pipeline.FlushIngress(); len(tail) > 0 {
			if err := s.link.SendAudioBlock(tail); err == nil {
				metrics.AudioBlocksIn.Inc()
			}
		}
		s.link.Close()
	}

	ended := s.now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveSessionDuration(ctx, s.sessionID, s.userID, s.startTime, ended); err != nil {
		s.logger.Warn("session duration persist failed", "error", err)
	}

	metrics.SessionsActive.Dec()
	metrics.SessionDuration.Observe(ended.Sub(s.startTime).Seconds())
	s.setState(StateClosed)
	s.logger.Info("session closed", "duration", ended.Sub(s.startTime).Round(time.Second))
}

func (s *Session) enqueueJSON(priority bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}
	frame := outboundFrame{text: data, epoch: -1}
	ch := s.outboundNormal
	if priority {
		ch = s.outboundPriority
	}
	select {
	case ch <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) enqueueAudio(frame []byte, epoch int64) {
	select {
	case s.outboundNormal <- outboundFrame{binary: frame, epoch: epoch}:
	case <-s.ctx.Done():
	}
}

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key]; ok {
		if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
			return str
		}
	}
	return fallback
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
