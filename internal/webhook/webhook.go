// Package webhook turns GitHub push events and signed commit requests into
// queued sync runs.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/schaermu/metasyncd/internal/config"
	"github.com/schaermu/metasyncd/internal/git"
	"github.com/schaermu/metasyncd/internal/metadata"
	"github.com/schaermu/metasyncd/internal/queue"
	"github.com/schaermu/metasyncd/internal/remote"
	metasyncd "github.com/schaermu/metasyncd/internal/sync"
)

const maxBodySize = 1 << 20

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`
	Pusher struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"pusher"`
}

// CommitPayload asks for remote components to be written into a repository
// branch.
type CommitPayload struct {
	Repository string                   `json:"repository"`
	Writes     []remote.ComponentRecord `json:"writes,omitempty"`
	Deletes    []metadata.Deletion      `json:"deletes,omitempty"`
	Author     git.Signature            `json:"author,omitempty"`
	Message    string                   `json:"message,omitempty"`
	Force      bool                     `json:"force,omitempty"`
}

// Submitter accepts sync requests
type Submitter interface {
	Submit(req metasyncd.CommitRequest) *queue.Ticket
}

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.Config
	submit   Submitter
	logger   *slog.Logger
	secret   []byte
	debounce *queue.Debouncer
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, submit Submitter, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	return &Server{
		cfg:      cfg,
		submit:   submit,
		logger:   logger,
		secret:   []byte(strings.TrimSpace(string(secret))),
		debounce: queue.NewDebouncer(cfg.Serve.Debounce),
	}, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/commits", s.handleCommit)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Serve submits an initial sync of every repository and serves webhooks on
// l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("submitting initial sync of configured repositories", "count", len(s.cfg.Repositories))
	for _, r := range s.cfg.Repositories {
		s.submit.Submit(metasyncd.NewCommitRequest(r))
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// readSigned reads a JSON body and verifies its signature header.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, header string) ([]byte, bool) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return nil, false
	}

	if !s.verifySignature(body, r.Header.Get(header)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return nil, false
	}
	return body, true
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "X-Hub-Signature-256")
	if !ok {
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)
	if eventType == "ping" {
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}
	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	branch, isBranch := strings.CutPrefix(event.Ref, "refs/heads/")
	if !isBranch || event.Deleted {
		s.logger.Info("ignoring ref", "ref", event.Ref, "deleted", event.Deleted)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}
	repo, found := s.lookup(event, branch)
	if !found {
		s.logger.Info("ignoring push to unconfigured repository", "repo", event.Repository.FullName, "branch", branch)
		_, _ = fmt.Fprintf(w, "Repository not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"repository", repo.Name,
		"branch", branch,
		"commit", event.After,
		"pusher", event.Pusher.Email)

	req := metasyncd.NewCommitRequest(repo)
	s.debounce.Trigger(queue.KeyOf(req), func() {
		s.submit.Submit(req)
	})

	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

func (s *Server) lookup(event GitHubPushEvent, branch string) (config.RepositoryConfig, bool) {
	for _, url := range []string{event.Repository.CloneURL, event.Repository.SSHURL} {
		if url == "" {
			continue
		}
		if repo, ok := s.cfg.RepositoryByURL(url, branch); ok {
			return repo, true
		}
	}
	return config.RepositoryConfig{}, false
}

// handleCommit queues a remote to git write back. Requests are not
// debounced since every payload carries its own components.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r, "X-Metasyncd-Signature-256")
	if !ok {
		return
	}

	var payload CommitPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Error("failed to parse commit request", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	repo, found := s.cfg.Repository(payload.Repository)
	if !found {
		s.logger.Warn("commit request for unknown repository", "repository", payload.Repository)
		http.Error(w, "Unknown repository", http.StatusNotFound)
		return
	}

	req := metasyncd.NewCommitRequest(repo)
	req.Writes = payload.Writes
	req.Deletes = payload.Deletes
	req.Author = payload.Author
	req.Message = payload.Message
	req.Force = payload.Force
	s.submit.Submit(req)

	s.logger.Info("commit request queued",
		"repository", repo.Name,
		"branch", repo.Branch,
		"writes", len(req.Writes),
		"deletes", len(req.Deletes),
		"author", req.Author.Email)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Commit request queued\n")
}

// verifySignature checks a "sha256=<hex>" HMAC of body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	signature, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return eventType == "push"
	}
	return slices.Contains(s.cfg.Serve.AllowedEventTypes, eventType)
}
