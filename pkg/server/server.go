// Package server is the webhook front door: it receives tracker events,
// fires agent tasks for trigger comments, and reports failures back to
// the issue.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/patchsmith/pkg/config"
)

const serviceName = "patchsmith"

// TaskRunner executes one issue end to end. The server fires it on a
// fresh goroutine per trigger comment.
type TaskRunner interface {
	RunIssue(ctx context.Context, issueNumber int) error
}

// Commenter posts a comment on an issue. Satisfied by the tracker
// client.
type Commenter interface {
	CreateIssueComment(ctx context.Context, number int, body string) error
}

// Server is the HTTP webhook listener.
type Server struct {
	cfg       *config.ServerConfig
	runner    TaskRunner
	commenter Commenter
	logger    *slog.Logger
	http      *http.Server
}

func New(cfg *config.ServerConfig, runner TaskRunner, commenter Commenter, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = &config.ServerConfig{}
		cfg.SetDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, runner: runner, commenter: commenter, logger: logger}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook", s.handleWebhook)
	return r
}

// Start begins serving (blocking).
func (s *Server) Start() error {
	s.logger.Info("Webhook server starting", "addr", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"service":      serviceName,
		"architecture": "reflexion-agent",
	})
}

// webhookPayload is the subset of the tracker's issue_comment event the
// server cares about.
type webhookPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	if payload.Action != "created" ||
		strings.TrimSpace(payload.Comment.Body) != s.cfg.TriggerComment ||
		payload.Issue.Number == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	issueNumber := payload.Issue.Number
	s.logger.Info("Trigger comment received", "issue", issueNumber)
	tasksStarted.Inc()

	go s.runTask(issueNumber)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"issue":  issueNumber,
	})
}

// runTask executes the issue on its own goroutine, detached from the
// webhook request context, and reports any failure back to the issue.
func (s *Server) runTask(issueNumber int) {
	ctx := context.Background()

	err := s.runner.RunIssue(ctx, issueNumber)
	if err == nil {
		tasksCompleted.Inc()
		return
	}
	tasksFailed.Inc()

	s.logger.Error("Task failed", "issue", issueNumber, "error", err)
	if s.commenter == nil {
		return
	}
	if postErr := s.commenter.CreateIssueComment(ctx, issueNumber, FormatFailureComment(err)); postErr != nil {
		s.logger.Error("Failed to post failure comment", "issue", issueNumber, "error", postErr)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
