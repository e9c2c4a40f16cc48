// Package server exposes the device websocket endpoint and the operational
// HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/audio"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/config"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/keypool"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/resume"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/session"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/sessions"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/store"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/tools"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/tts"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/upstream"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/vision"
)

type Dependencies struct {
	Logger   *slog.Logger
	Config   *config.Config
	Keys     *keypool.Pool
	Store    store.Store
	Resume   *resume.Tracker
	Tracker  *sessions.Tracker
	Analyzer vision.Analyzer
	Actions  tools.ActionHandler
	Synth    tts.Provider
	Dialer   upstream.Dialer
}

type Server struct {
	logger   *slog.Logger
	cfg      *config.Config
	keys     *keypool.Pool
	store    store.Store
	resumes  *resume.Tracker
	tracker  *sessions.Tracker
	analyzer vision.Analyzer
	actions  tools.ActionHandler
	synth    tts.Provider
	dialer   upstream.Dialer

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func New(deps Dependencies) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("key pool is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Resume == nil {
		deps.Resume = resume.NewTracker(deps.Config.ResumeWindow)
	}
	if deps.Tracker == nil {
		deps.Tracker = sessions.NewTracker()
	}
	if deps.Dialer == nil {
		deps.Dialer = upstream.WSDialer{Host: deps.Config.UpstreamHost}
	}

	s := &Server{
		logger:   deps.Logger,
		cfg:      deps.Config,
		keys:     deps.Keys,
		store:    deps.Store,
		resumes:  deps.Resume,
		tracker:  deps.Tracker,
		analyzer: deps.Analyzer,
		actions:  deps.Actions,
		synth:    deps.Synth,
		dialer:   deps.Dialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Edge devices do not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              deps.Config.Addr(),
		Handler:           s.withMiddleware(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleDevice)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/healthz" && r.URL.Path != "/readyz" {
			s.logger.Debug("http request",
				"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.tracker.Count())
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.keys.Size() == 0 {
		http.Error(w, `{"status":"no credentials"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("uid"))
	if userID == "" {
		http.Error(w, "uid query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// A device reconnect supersedes its stale session.
	s.tracker.CancelUser(userID)

	sess, err := session.New(session.Dependencies{
		Conn:     conn,
		Logger:   s.logger,
		UserID:   userID,
		Dialer:   s.dialer,
		Keys:     s.keys,
		Store:    s.store,
		Resume:   s.resumes,
		Analyzer: s.analyzer,
		Actions:  s.actions,
		Synth:    s.synth,
		Config: session.Config{
			Model:             s.cfg.Model,
			Voice:             s.cfg.Voice,
			Transcribe:        s.cfg.Transcribe,
			CompressedAudioIn: s.cfg.CompressedAudioIn,
			HistoryLimit:      s.cfg.HistoryLimit,
			ReadTimeout:       s.cfg.ReadTimeout,
			WriteTimeout:      s.cfg.WriteTimeout,
			PingInterval:      s.cfg.PingInterval,
			MaxMessageBytes:   s.cfg.MaxMessageBytes,
			VisionTimeout:     s.cfg.VisionTimeout,
			Audio:             audio.DefaultConfig(),
		},
	})
	if err != nil {
		s.logger.Error("session init failed", "user_id", userID, "error", err)
		return
	}

	unregister := s.tracker.Register(sess.SessionID(), sessions.Handle{
		UserID: userID,
		Cancel: sess.Cancel,
		Notify: sess.Notify,
	})
	defer unregister()

	if err := sess.Run(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("session ended with error", "session_id", sess.SessionID(), "error", err)
	}
}

// Start blocks serving until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("relay listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains gracefully: running sessions are warned, the listener
// closes, then sessions are canceled and awaited.
func (s *Server) Shutdown(ctx context.Context) error {
	s.tracker.NotifyAll("SERVER.DRAINING")

	err := s.httpServer.Shutdown(ctx)

	s.tracker.CancelAll()
	if !s.tracker.Wait(ctx) {
		s.logger.Warn("shutdown timeout with sessions still running", "count", s.tracker.Count())
	}
	return err
}
