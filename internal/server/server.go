// Package server exposes sessions over HTTP: create a session, watch its
// event stream over a websocket, inspect persisted outcomes, metrics.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeloop/forgeloop/internal/models"
	"github.com/forgeloop/forgeloop/internal/session"
	"github.com/forgeloop/forgeloop/internal/store"
)

//nolint:gochecknoglobals // upgrader is stateless shared configuration
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config wires the server's collaborators.
type Config struct {
	DB *sql.DB
	// WorkerArgv builds the worker command line for a new session.
	WorkerArgv func(instruction, dir string) []string
	// SessionTimeout bounds each worker subprocess; unlimited when 0.
	SessionTimeout time.Duration
	// BaseContext parents every spawned worker; cancelling it kills in-flight
	// workers on shutdown. context.Background() when nil.
	BaseContext context.Context
}

// Server is the HTTP/WebSocket surface over the session orchestrator.
type Server struct {
	cfg    Config
	hub    *hub
	router *gin.Engine

	// reaping tracks in-flight sessions so Drain can wait for their
	// terminal outcomes to be recorded.
	reaping sync.WaitGroup
}

// New builds the router. The caller owns the listener.
func New(cfg Config) *Server {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	s := &Server{cfg: cfg, hub: newHub()}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/sessions", s.createSession)
		v1.GET("/sessions", s.listSessions)
		v1.GET("/sessions/:id", s.getSession)
		v1.GET("/sessions/:id/stream", s.streamSession)
	}

	s.router = router
	return s
}

// Handler returns the HTTP handler for mounting on a listener.
func (s *Server) Handler() http.Handler { return s.router }

// Drain waits until every in-flight session's outcome is recorded, or ctx
// expires. Callers cancel BaseContext first so workers are already exiting.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.reaping.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain sessions: %w", ctx.Err())
	}
}

type createSessionRequest struct {
	Instruction string `json:"instruction" binding:"required"`
	Dir         string `json:"dir"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.New().String()
	sess := &models.Session{ID: id, Instruction: req.Instruction, Dir: req.Dir}
	if err := store.CreateSession(s.cfg.DB, sess); err != nil {
		slog.Error("session insert failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	ls := newLiveStream(id, s.cfg.DB)
	s.hub.add(ls)

	sn, err := session.Start(s.cfg.BaseContext, session.Config{
		ID:      id,
		Argv:    s.cfg.WorkerArgv(req.Instruction, req.Dir),
		Timeout: s.cfg.SessionTimeout,
	}, ls)
	if err != nil {
		s.hub.remove(id)
		s.finish(id, models.SessionStatusFailed, -1, 0, "", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sessionsStartedTotal.Inc()
	s.reaping.Add(1)
	go s.reap(sn, ls)

	c.JSON(http.StatusAccepted, gin.H{
		"id":     id,
		"status": models.SessionStatusRunning,
	})
}

// reap waits for the worker to exit and records the terminal outcome.
func (s *Server) reap(sn *session.Session, ls *liveStream) {
	defer s.reaping.Done()

	code, err := sn.Wait()

	status := models.SessionStatusCompleted
	detail := ""
	if err != nil {
		status = models.SessionStatusFailed
		detail = err.Error()
	}

	attempts, outcome := ls.healSummary()
	if outcome == "" {
		outcome = models.HealOutcomeSkipped
	}
	s.finish(sn.ID(), status, code, attempts, outcome, detail)
	s.hub.remove(sn.ID())
}

func (s *Server) finish(id string, status models.SessionStatus, exitCode, healAttempts int, healOutcome, detail string) {
	if err := store.FinishSession(s.cfg.DB, id, status, exitCode, healAttempts, healOutcome, detail); err != nil {
		slog.Error("session outcome write failed", "session_id", id, "error", err)
	}
	sessionsFinishedTotal.WithLabelValues(string(status)).Inc()
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := store.ListSessions(s.cfg.DB, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := store.GetSession(s.cfg.DB, c.Param("id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// streamSession attaches the single live subscriber. The subscription is
// reserved before the upgrade so an occupied stream can still answer 409.
func (s *Server) streamSession(c *gin.Context) {
	id := c.Param("id")

	ls, ok := s.hub.get(id)
	if !ok {
		if _, err := store.GetSession(s.cfg.DB, id); err == nil {
			c.JSON(http.StatusGone, gin.H{"error": "session stream has ended"})
		} else {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		}
		return
	}

	frames, err := ls.subscribe()
	if errors.Is(err, ErrSubscriberAttached) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ls.unsubscribe()
		slog.Error("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer ws.Close()

	streamSubscribers.Inc()
	defer streamSubscribers.Dec()
	slog.Info("stream subscriber attached", "session_id", id)

	for frame := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			ls.unsubscribe()
			slog.Info("stream subscriber detached", "session_id", id, "error", err)
			return
		}
	}

	// Channel closed: the sentinel was the last frame.
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.cfg.DB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
