// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/lib/netutil"
	"github.com/storyweave/storyweave/transport"
)

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// session is one accepted stream connection.
type session struct {
	conn      *websocket.Conn
	clientID  string
	projectID string

	writeMu sync.Mutex
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	current := &session{conn: conn}
	if !s.greet(ctx, current) {
		return
	}
	if !s.register(current) {
		return
	}
	defer s.unregister(current)

	logger := s.logger.With("client_id", current.clientID, "project_id", current.projectID)
	logger.Debug("stream session opened")
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Debug("stream session ended", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			s.write(current, transport.Envelope{Type: transport.FrameError, Message: "frames must be binary"})
			continue
		}
		var request transport.Envelope
		if err := codec.DecodeFrame(data, &request); err != nil {
			s.write(current, transport.Envelope{Type: transport.FrameError, Message: "decoding frame: " + err.Error()})
			continue
		}
		s.handleFrame(ctx, current, request)
	}
}

// greet reads the hello frame and answers welcome or reject.
func (s *Server) greet(ctx context.Context, current *session) bool {
	current.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	messageType, data, err := current.conn.ReadMessage()
	if err != nil {
		return false
	}
	current.conn.SetReadDeadline(time.Time{})

	var hello transport.Envelope
	if messageType != websocket.BinaryMessage || codec.DecodeFrame(data, &hello) != nil || hello.Type != transport.FrameHello {
		s.write(current, transport.Envelope{Type: transport.FrameError, Message: "expected hello"})
		return false
	}
	if !s.authorized("Bearer " + hello.Token) {
		s.write(current, transport.Envelope{
			Type:      transport.FrameReject,
			Rejection: &transport.RejectedError{Code: transport.RejectUnauthorized, Message: "invalid token"},
		})
		return false
	}
	if hello.ProjectID == "" {
		s.write(current, transport.Envelope{
			Type:      transport.FrameReject,
			Rejection: &transport.RejectedError{Code: transport.RejectInvalidBatch, Message: "hello names no project"},
		})
		return false
	}

	version, err := s.store.Version(ctx, hello.ProjectID)
	if err != nil {
		s.logger.Error("reading project version", "project_id", hello.ProjectID, "error", err)
		s.write(current, transport.Envelope{Type: transport.FrameError, Message: "server unavailable"})
		return false
	}

	current.clientID = hello.ClientID
	current.projectID = hello.ProjectID
	return s.write(current, transport.Envelope{
		Type:        transport.FrameWelcome,
		ProjectID:   hello.ProjectID,
		SyncVersion: version,
	}) == nil
}

func (s *Server) handleFrame(ctx context.Context, current *session, request transport.Envelope) {
	reply := transport.Envelope{RequestID: request.RequestID}

	switch request.Type {
	case transport.FramePush:
		s.streamPushes.Add(1)
		faults := s.streamFaults()
		switch {
		case faults.DropPushes:
			return
		case faults.FailPushes:
			reply.Type = transport.FrameError
			reply.Message = "push processing unavailable"
		case request.Batch == nil || request.Batch.ProjectID != current.projectID:
			reply.Type = transport.FrameReject
			reply.Rejection = &transport.RejectedError{
				Code:    transport.RejectInvalidBatch,
				Message: fmt.Sprintf("push must carry a batch for project %q", current.projectID),
			}
		default:
			result, err := s.apply(ctx, *request.Batch, current)
			var rejected *transport.RejectedError
			if errors.As(err, &rejected) {
				reply.Type = transport.FrameReject
				reply.Rejection = rejected
				break
			}
			if err != nil {
				reply.Type = transport.FrameError
				reply.Message = err.Error()
				break
			}
			reply.Type = transport.FrameAck
			reply.Result = &result
		}

	case transport.FramePull:
		s.streamPulls.Add(1)
		if request.ProjectID != current.projectID {
			reply.Type = transport.FrameReject
			reply.Rejection = &transport.RejectedError{
				Code:    transport.RejectForbidden,
				Message: fmt.Sprintf("session is scoped to project %q", current.projectID),
			}
			break
		}
		result, err := s.store.Since(ctx, request.ProjectID, request.Since)
		if err != nil {
			reply.Type = transport.FrameError
			reply.Message = err.Error()
			break
		}
		reply.Type = transport.FrameResult
		reply.Result = &result

	default:
		reply.Type = transport.FrameError
		reply.Message = fmt.Sprintf("unexpected %q frame", request.Type)
	}

	s.write(current, reply)
}

func (s *Server) register(current *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	project, ok := s.sessions[current.projectID]
	if !ok {
		project = make(map[*session]struct{})
		s.sessions[current.projectID] = project
	}
	project[current] = struct{}{}
	return true
}

func (s *Server) unregister(current *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project := s.sessions[current.projectID]
	delete(project, current)
	if len(project) == 0 {
		delete(s.sessions, current.projectID)
	}
}

// broadcast sends envelope to every session of projectID except origin.
func (s *Server) broadcast(projectID string, origin *session, envelope transport.Envelope) {
	s.mu.Lock()
	var targets []*session
	for candidate := range s.sessions[projectID] {
		if candidate != origin {
			targets = append(targets, candidate)
		}
	}
	s.mu.Unlock()

	for _, target := range targets {
		if err := s.write(target, envelope); err == nil {
			s.broadcasts.Add(1)
		}
	}
}

// DisconnectStreams closes every open stream session abruptly, without
// a close frame.
func (s *Server) DisconnectStreams() {
	s.mu.Lock()
	var all []*session
	for _, project := range s.sessions {
		for current := range project {
			all = append(all, current)
		}
	}
	s.mu.Unlock()
	for _, current := range all {
		current.conn.Close()
	}
}

// SessionCount returns the number of open stream sessions for
// projectID.
func (s *Server) SessionCount(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[projectID])
}

func (s *Server) write(target *session, envelope transport.Envelope) error {
	frame, err := codec.EncodeFrame(envelope, s.compression, s.threshold)
	if err != nil {
		s.logger.Warn("encoding stream frame", "type", string(envelope.Type), "error", err)
		return err
	}
	target.writeMu.Lock()
	defer target.writeMu.Unlock()
	target.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := target.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.logger.Debug("writing stream frame", "type", string(envelope.Type), "error", err)
		return err
	}
	return nil
}
