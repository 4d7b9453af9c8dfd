// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storyweave/storyweave/lib/clock"
	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/media"
	"github.com/storyweave/storyweave/transport"
)

// DefaultURLLifetime is how long minted media URLs stay valid.
const DefaultURLLifetime = time.Hour

// Config configures a Server.
type Config struct {
	// Token, when set, is required as a bearer token on HTTP routes
	// and in the stream hello.
	Token string

	// URLLifetime bounds minted media URLs. Defaults to
	// DefaultURLLifetime.
	URLLifetime time.Duration

	// SigningSecret keys the fake URL signatures.
	SigningSecret string

	// MediaAvailable reports whether a media key exists. Nil means
	// every key resolves.
	MediaAvailable func(media.Key) bool

	// Log holds accepted batches. Defaults to an empty in-memory Store.
	// The server closes it on Close.
	Log OperationLog

	// Compression applies to stream frames the server writes.
	Compression       codec.Compression
	CompressThreshold int

	Clock  clock.Clock
	Logger *slog.Logger
}

// StreamFaults makes the stream endpoint misbehave on pushes. Pushes
// are never applied while a fault is active.
type StreamFaults struct {
	// FailPushes answers every push with an error frame.
	FailPushes bool
	// DropPushes never answers pushes, so clients time out.
	DropPushes bool
}

// Stats counts requests by route.
type Stats struct {
	HTTPPushes    int64
	HTTPPulls     int64
	StreamPushes  int64
	StreamPulls   int64
	ResolveCalls  int64
	ResolvedItems int64
	Broadcasts    int64
}

// Server is the development sync and media server.
type Server struct {
	store         OperationLog
	mux           *http.ServeMux
	token         string
	urlLifetime   time.Duration
	signingSecret string
	available     func(media.Key) bool
	compression   codec.Compression
	threshold     int
	clock         clock.Clock
	logger        *slog.Logger

	mu       sync.Mutex
	faults   StreamFaults
	sessions map[string]map[*session]struct{}
	closed   bool

	httpPushes    atomic.Int64
	httpPulls     atomic.Int64
	streamPushes  atomic.Int64
	streamPulls   atomic.Int64
	resolveCalls  atomic.Int64
	resolvedItems atomic.Int64
	broadcasts    atomic.Int64
}

// New builds a Server over config.Log.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	lifetime := config.URLLifetime
	if lifetime <= 0 {
		lifetime = DefaultURLLifetime
	}
	log := config.Log
	if log == nil {
		log = NewStore()
	}
	secret := config.SigningSecret
	if secret == "" {
		secret = "storyweave-devserver"
	}

	server := &Server{
		store:         log,
		token:         config.Token,
		urlLifetime:   lifetime,
		signingSecret: secret,
		available:     config.MediaAvailable,
		compression:   config.Compression,
		threshold:     config.CompressThreshold,
		clock:         clk,
		logger:        logger,
		sessions:      make(map[string]map[*session]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+transport.HealthPath, server.handleHealth)
	mux.HandleFunc("POST /v1/projects/{project}/operations", server.requireToken(server.handlePush))
	mux.HandleFunc("GET /v1/projects/{project}/operations", server.requireToken(server.handlePull))
	mux.HandleFunc("POST "+media.ResolvePath, server.requireToken(server.handleResolve))
	mux.HandleFunc("GET "+transport.StreamPath, server.handleStream)
	server.mux = mux
	return server
}

// Store exposes the operation log, for tests that seed or inspect it.
func (s *Server) Store() OperationLog { return s.store }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetStreamFaults replaces the active stream faults.
func (s *Server) SetStreamFaults(faults StreamFaults) {
	s.mu.Lock()
	s.faults = faults
	s.mu.Unlock()
}

func (s *Server) streamFaults() StreamFaults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// Stats returns the request counters.
func (s *Server) Stats() Stats {
	return Stats{
		HTTPPushes:    s.httpPushes.Load(),
		HTTPPulls:     s.httpPulls.Load(),
		StreamPushes:  s.streamPushes.Load(),
		StreamPulls:   s.streamPulls.Load(),
		ResolveCalls:  s.resolveCalls.Load(),
		ResolvedItems: s.resolvedItems.Load(),
		Broadcasts:    s.broadcasts.Load(),
	}
}

// Close drops every stream session and closes the operation log.
func (s *Server) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	s.DisconnectStreams()
	if alreadyClosed {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("closing operation log", "error", err)
	}
}

// ListenAndServe serves on address until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.Serve(listener)
	}()
	s.logger.Info("devserver listening", "address", listener.Addr().String())

	select {
	case err := <-serveErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Shutdown does not wait for hijacked stream connections; Close
	// drops them once the HTTP routes have drained.
	defer s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (s *Server) authorized(header string) bool {
	if s.token == "" {
		return true
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	return ok && token == s.token
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.Header.Get("Authorization")) {
			s.sendRejection(w, http.StatusUnauthorized, &transport.RejectedError{
				Code:    transport.RejectUnauthorized,
				Message: "missing or invalid bearer token",
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.httpPushes.Add(1)
	projectID := r.PathValue("project")

	var batch transport.OperationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.sendRejection(w, http.StatusBadRequest, &transport.RejectedError{
			Code:    transport.RejectInvalidBatch,
			Message: "decoding batch: " + err.Error(),
		})
		return
	}
	if batch.ProjectID != projectID {
		s.sendRejection(w, http.StatusBadRequest, &transport.RejectedError{
			Code:    transport.RejectInvalidBatch,
			Message: fmt.Sprintf("batch is for project %q, route is %q", batch.ProjectID, projectID),
		})
		return
	}

	result, err := s.apply(r.Context(), batch, nil)
	if err != nil {
		var rejected *transport.RejectedError
		if errors.As(err, &rejected) {
			s.sendRejection(w, statusForRejection(rejected.Code), rejected)
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.httpPulls.Add(1)
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.sendRejection(w, http.StatusBadRequest, &transport.RejectedError{
				Code:    transport.RejectInvalidBatch,
				Message: fmt.Sprintf("invalid since %q", raw),
			})
			return
		}
		since = parsed
	}
	result, err := s.store.Since(r.Context(), r.PathValue("project"), since)
	if err != nil {
		s.logger.Error("pull failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// apply appends batch and broadcasts it to every stream session of the
// project except origin.
func (s *Server) apply(ctx context.Context, batch transport.OperationBatch, origin *session) (transport.SyncResult, error) {
	before, err := s.store.Version(ctx, batch.ProjectID)
	if err != nil {
		return transport.SyncResult{}, err
	}
	result, err := s.store.Append(ctx, batch)
	if err != nil {
		s.logger.Debug("batch rejected", "project_id", batch.ProjectID, "error", err)
		return transport.SyncResult{}, err
	}
	if result.SyncVersion > before {
		s.logger.Debug("batch applied",
			"project_id", batch.ProjectID,
			"operation_count", len(batch.Operations),
			"sync_version", result.SyncVersion,
		)
		s.broadcast(batch.ProjectID, origin, transport.Envelope{
			Type:      transport.FrameOps,
			ProjectID: batch.ProjectID,
			Result: &transport.SyncResult{
				Success:     true,
				SyncVersion: result.SyncVersion,
				Operations:  batch.Operations,
			},
		})
	}
	return result, nil
}

func statusForRejection(code string) int {
	switch code {
	case transport.RejectVersionConflict:
		return http.StatusConflict
	case transport.RejectUnauthorized:
		return http.StatusUnauthorized
	case transport.RejectForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) sendRejection(w http.ResponseWriter, status int, rejected *transport.RejectedError) {
	s.writeJSON(w, status, rejected)
}

// writeJSON encodes value as the response body. Encoding failures mean
// the client went away and are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}
