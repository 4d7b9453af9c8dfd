// Copyright 2026 The Storyweave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/storyweave/storyweave/lib/clock"
	"github.com/storyweave/storyweave/lib/codec"
	"github.com/storyweave/storyweave/lib/netutil"
)

// Default tunables for the streaming channel.
const (
	DefaultSendTimeout       = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultReadTimeout       = 45 * time.Second
	DefaultCompressThreshold = 1024
)

// StreamingConfig configures a StreamingChannel.
type StreamingConfig struct {
	// URL is the stream endpoint, e.g. "wss://sync.example.com/v1/stream".
	URL string
	// Token authenticates the hello frame.
	Token string
	// ProjectID scopes the session. Remote operations are only
	// delivered for this project.
	ProjectID string
	// ClientID identifies this client instance to the server so it
	// does not echo our own operations back. Defaults to a random UUID.
	ClientID string

	// Dialer defaults to a websocket.Dialer honoring proxy settings
	// from the environment.
	Dialer *websocket.Dialer
	// HandshakeTimeout bounds the dial plus the hello/welcome exchange.
	HandshakeTimeout time.Duration
	// SendTimeout bounds the wait for a reply to a push or pull.
	SendTimeout time.Duration
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration
	// PingInterval is how often an idle connection is pinged.
	PingInterval time.Duration
	// ReadTimeout is how long the connection may go without any
	// inbound frame or pong before it is considered dead. Must exceed
	// PingInterval.
	ReadTimeout time.Duration

	// Compression applies to outbound frames at or above
	// CompressThreshold bytes. Inbound frames carry their own tag.
	Compression       codec.Compression
	CompressThreshold int

	// OnRemoteOperations receives operations other collaborators
	// pushed. It runs on the read goroutine and must not block.
	OnRemoteOperations func(projectID string, operations []Operation, syncVersion int64)

	// Clock times reply waits, pings, and liveness. Socket deadlines
	// always use wall time. Defaults to clock.Real().
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// StreamingChannel is the connection-oriented Channel: a single
// WebSocket carrying request/reply envelopes matched by request ID.
// It dials once. When the socket drops, pending calls fail with
// ErrUnavailable and the channel stays disconnected; the owner builds
// a new channel and rebinds it.
type StreamingChannel struct {
	url               string
	token             string
	projectID         string
	clientID          string
	dialer            *websocket.Dialer
	handshakeTimeout  time.Duration
	sendTimeout       time.Duration
	writeTimeout      time.Duration
	pingInterval      time.Duration
	readTimeout       time.Duration
	compression       codec.Compression
	compressThreshold int
	onRemote          func(string, []Operation, int64)
	clock             clock.Clock
	logger            *slog.Logger

	// writeMu serializes writes; gorilla/websocket allows one
	// concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	dialed        bool
	closed        bool
	lastSeen      time.Time
	serverVersion int64
	pending       map[string]chan streamReply
}

// streamReply is what a waiting round trip receives: the matching
// reply envelope, or the error that ended the connection.
type streamReply struct {
	envelope Envelope
	err      error
}

// NewStreamingChannel validates config and returns an undialed
// channel. It reports offline until Dial succeeds.
func NewStreamingChannel(config StreamingConfig) (*StreamingChannel, error) {
	if config.URL == "" {
		return nil, errors.New("transport: streaming channel URL is required")
	}
	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid stream URL %q: %w", config.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("transport: stream URL %q must be ws or wss", config.URL)
	}
	if config.ProjectID == "" {
		return nil, errors.New("transport: streaming channel ProjectID is required")
	}

	channel := &StreamingChannel{
		url:               config.URL,
		token:             config.Token,
		projectID:         config.ProjectID,
		clientID:          config.ClientID,
		dialer:            config.Dialer,
		handshakeTimeout:  durationOr(config.HandshakeTimeout, DefaultHandshakeTimeout),
		sendTimeout:       durationOr(config.SendTimeout, DefaultSendTimeout),
		writeTimeout:      durationOr(config.WriteTimeout, DefaultWriteTimeout),
		pingInterval:      durationOr(config.PingInterval, DefaultPingInterval),
		readTimeout:       durationOr(config.ReadTimeout, DefaultReadTimeout),
		compression:       config.Compression,
		compressThreshold: config.CompressThreshold,
		onRemote:          config.OnRemoteOperations,
		clock:             config.Clock,
		logger:            config.Logger,
		pending:           make(map[string]chan streamReply),
	}
	if channel.readTimeout <= channel.pingInterval {
		return nil, fmt.Errorf("transport: ReadTimeout (%s) must exceed PingInterval (%s)",
			channel.readTimeout, channel.pingInterval)
	}
	if channel.clientID == "" {
		channel.clientID = uuid.NewString()
	}
	if channel.compressThreshold <= 0 {
		channel.compressThreshold = DefaultCompressThreshold
	}
	if channel.dialer == nil {
		channel.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: channel.handshakeTimeout,
		}
	}
	if channel.clock == nil {
		channel.clock = clock.Real()
	}
	if channel.logger == nil {
		channel.logger = slog.Default()
	}
	channel.logger = channel.logger.With(
		"channel", string(PathStreaming),
		"client_id", channel.clientID,
		"project_id", channel.projectID,
	)
	return channel, nil
}

// DialStreaming builds a channel and dials it.
func DialStreaming(ctx context.Context, config StreamingConfig) (*StreamingChannel, error) {
	channel, err := NewStreamingChannel(config)
	if err != nil {
		return nil, err
	}
	if err := channel.Dial(ctx); err != nil {
		return nil, err
	}
	return channel, nil
}

// ClientID returns the identifier sent in the hello frame.
func (c *StreamingChannel) ClientID() string { return c.clientID }

// ServerVersion returns the project sync version the server reported
// in its welcome frame.
func (c *StreamingChannel) ServerVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Dial opens the socket and performs the hello/welcome exchange. A
// channel can be dialed once.
func (c *StreamingChannel) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel is closed", ErrUnavailable)
	}
	if c.dialed {
		c.mu.Unlock()
		return errors.New("transport: streaming channel already dialed")
	}
	c.dialed = true
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, response, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return unavailable("dialing %s: status %d: %s", err, c.url, response.StatusCode, netutil.ErrorBody(response.Body))
		}
		if netutil.IsTimeout(err) {
			return timedOut("dialing %s", err, c.url)
		}
		return unavailable("dialing %s", err, c.url)
	}

	welcome, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: channel closed during handshake", ErrUnavailable)
	}
	c.conn = conn
	c.lastSeen = c.clock.Now()
	c.serverVersion = welcome.SyncVersion
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.markSeen()
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})

	stop := make(chan struct{})
	go c.readLoop(conn, stop)
	go c.pingLoop(conn, stop)

	c.logger.Info("stream connected", "url", c.url, "server_version", welcome.SyncVersion)
	return nil
}

// handshake sends hello and waits for welcome on a fresh socket.
func (c *StreamingChannel) handshake(conn *websocket.Conn) (Envelope, error) {
	hello := Envelope{
		Type:      FrameHello,
		ClientID:  c.clientID,
		Token:     c.token,
		ProjectID: c.projectID,
	}
	if err := c.writeEnvelope(conn, hello); err != nil {
		return Envelope{}, unavailable("sending hello", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	reply, err := readEnvelope(conn)
	if err != nil {
		if netutil.IsTimeout(err) {
			return Envelope{}, timedOut("waiting for welcome", err)
		}
		return Envelope{}, unavailable("waiting for welcome", err)
	}

	switch reply.Type {
	case FrameWelcome:
		return reply, nil
	case FrameReject:
		return Envelope{}, rejectionFrom(reply)
	case FrameError:
		return Envelope{}, fmt.Errorf("%w: server refused stream: %s", ErrUnavailable, reply.Message)
	default:
		return Envelope{}, fmt.Errorf("%w: expected welcome, got %q", ErrUnavailable, reply.Type)
	}
}

// SendOperations pushes batch and waits up to SendTimeout for the ack.
func (c *StreamingChannel) SendOperations(ctx context.Context, batch OperationBatch) (SyncResult, error) {
	if err := batch.Validate(); err != nil {
		return SyncResult{}, err
	}
	reply, err := c.roundTrip(ctx, Envelope{
		Type:      FramePush,
		ProjectID: batch.ProjectID,
		Batch:     &batch,
	})
	if err != nil {
		return SyncResult{}, err
	}

	switch reply.Type {
	case FrameAck:
		if reply.Result == nil {
			return SyncResult{}, fmt.Errorf("%w: ack %s carried no result", ErrUnavailable, reply.RequestID)
		}
		result := *reply.Result
		result.Path = PathStreaming
		c.logger.Debug("operations sent",
			"operation_count", len(batch.Operations),
			"sync_version", result.SyncVersion,
		)
		return result, nil
	case FrameReject:
		return SyncResult{}, rejectionFrom(reply)
	case FrameError:
		return SyncResult{}, fmt.Errorf("%w: server error: %s", ErrUnavailable, reply.Message)
	default:
		return SyncResult{}, fmt.Errorf("%w: unexpected %q reply to push", ErrUnavailable, reply.Type)
	}
}

// GetOperations pulls over the socket. Only projects the session was
// opened for can be pulled.
func (c *StreamingChannel) GetOperations(ctx context.Context, projectID string, sinceVersion int64) (SyncResult, error) {
	if projectID != c.projectID {
		return SyncResult{}, fmt.Errorf("transport: stream is scoped to project %q, not %q", c.projectID, projectID)
	}
	if sinceVersion < 0 {
		return SyncResult{}, fmt.Errorf("transport: sinceVersion must be non-negative, got %d", sinceVersion)
	}
	reply, err := c.roundTrip(ctx, Envelope{Type: FramePull, ProjectID: projectID, Since: sinceVersion})
	if err != nil {
		return SyncResult{}, err
	}

	switch reply.Type {
	case FrameResult:
		if reply.Result == nil {
			return SyncResult{}, fmt.Errorf("%w: result %s carried no body", ErrUnavailable, reply.RequestID)
		}
		result := *reply.Result
		result.Path = PathStreaming
		return result, nil
	case FrameReject:
		return SyncResult{}, rejectionFrom(reply)
	case FrameError:
		return SyncResult{}, fmt.Errorf("%w: server error: %s", ErrUnavailable, reply.Message)
	default:
		return SyncResult{}, fmt.Errorf("%w: unexpected %q reply to pull", ErrUnavailable, reply.Type)
	}
}

// IsConnected reports whether a socket is open.
func (c *StreamingChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil
}

// IsOnline reports whether the socket is open and the server has been
// heard from (any frame or pong) within ReadTimeout.
func (c *StreamingChannel) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return false
	}
	return c.clock.Now().Sub(c.lastSeen) < c.readTimeout
}

// Close sends a normal close frame and shuts the socket. Pending
// calls fail with ErrUnavailable. Close is idempotent.
func (c *StreamingChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

// roundTrip writes request with a fresh request ID and waits for the
// reply carrying the same ID.
func (c *StreamingChannel) roundTrip(ctx context.Context, request Envelope) (Envelope, error) {
	c.mu.Lock()
	conn := c.conn
	if c.closed || conn == nil {
		c.mu.Unlock()
		return Envelope{}, fmt.Errorf("%w: stream not connected", ErrUnavailable)
	}
	request.RequestID = NewID(c.clock.Now())
	replies := make(chan streamReply, 1)
	c.pending[request.RequestID] = replies
	c.mu.Unlock()
	defer c.forget(request.RequestID)

	// Start the bound before writing so a stalled write counts
	// against it too.
	deadline := c.clock.After(c.sendTimeout)

	if err := c.writeEnvelope(conn, request); err != nil {
		// The read loop notices the closed socket and tears down.
		conn.Close()
		if netutil.IsTimeout(err) {
			return Envelope{}, timedOut("writing %s frame", err, request.Type)
		}
		return Envelope{}, unavailable("writing %s frame", err, request.Type)
	}

	select {
	case reply := <-replies:
		return reply.envelope, reply.err
	case <-deadline:
		return Envelope{}, fmt.Errorf("%w: no reply to %s %s within %s",
			ErrTimeout, request.Type, request.RequestID, c.sendTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Envelope{}, timedOut("waiting for %s reply", ctx.Err(), request.Type)
		}
		return Envelope{}, fmt.Errorf("transport: waiting for %s reply: %w", request.Type, ctx.Err())
	}
}

func (c *StreamingChannel) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *StreamingChannel) markSeen() {
	c.mu.Lock()
	c.lastSeen = c.clock.Now()
	c.mu.Unlock()
}

// readLoop owns all reads on conn. It exits when the socket fails and
// then fails every pending call.
func (c *StreamingChannel) readLoop(conn *websocket.Conn, stop chan struct{}) {
	var readErr error
	defer func() {
		close(stop)
		c.teardown(conn, readErr)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		envelope, err := readEnvelope(conn)
		if err != nil {
			var decodeErr *frameDecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn("dropping undecodable frame", "error", err)
				continue
			}
			readErr = err
			return
		}
		c.markSeen()
		c.dispatchEnvelope(envelope)
	}
}

func (c *StreamingChannel) dispatchEnvelope(envelope Envelope) {
	switch envelope.Type {
	case FrameOps:
		if envelope.Result == nil || c.onRemote == nil {
			return
		}
		projectID := envelope.ProjectID
		if projectID == "" {
			projectID = c.projectID
		}
		c.onRemote(projectID, envelope.Result.Operations, envelope.Result.SyncVersion)
		return
	case FrameError:
		if envelope.RequestID == "" {
			c.logger.Warn("server reported error", "message", envelope.Message)
			return
		}
	}

	if envelope.RequestID == "" {
		c.logger.Debug("ignoring unsolicited frame", "type", string(envelope.Type))
		return
	}
	c.mu.Lock()
	replies, ok := c.pending[envelope.RequestID]
	if ok {
		delete(c.pending, envelope.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		// The caller already gave up (timeout or cancellation).
		c.logger.Debug("late reply", "type", string(envelope.Type), "request_id", envelope.RequestID)
		return
	}
	replies <- streamReply{envelope: envelope}
}

// teardown detaches conn and fails everything waiting on it.
func (c *StreamingChannel) teardown(conn *websocket.Conn, cause error) {
	conn.Close()

	c.mu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
	}
	closing := c.closed
	waiting := c.pending
	c.pending = make(map[string]chan streamReply)
	c.mu.Unlock()

	if cause == nil {
		cause = errors.New("connection closed")
	}
	for _, replies := range waiting {
		replies <- streamReply{err: unavailable("stream closed", cause)}
	}

	switch {
	case closing || netutil.IsExpectedCloseError(cause):
		c.logger.Debug("stream closed", "error", cause)
	default:
		c.logger.Warn("stream lost", "error", cause, "pending", len(waiting))
	}
}

// pingLoop keeps an idle connection alive and detects half-open
// sockets: a failed ping closes conn, which ends the read loop.
func (c *StreamingChannel) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := c.clock.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *StreamingChannel) writeEnvelope(conn *websocket.Conn, envelope Envelope) error {
	frame, err := codec.EncodeFrame(envelope, c.compression, c.compressThreshold)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", envelope.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// frameDecodeError marks a frame that arrived intact but could not be
// decoded. The connection survives it.
type frameDecodeError struct {
	err error
}

func (e *frameDecodeError) Error() string { return "decoding frame: " + e.err.Error() }
func (e *frameDecodeError) Unwrap() error { return e.err }

// readEnvelope reads and decodes one binary message. Text messages are
// a protocol violation and reported as decode errors.
func readEnvelope(conn *websocket.Conn) (Envelope, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	if messageType != websocket.BinaryMessage {
		return Envelope{}, &frameDecodeError{err: fmt.Errorf("unexpected message type %d", messageType)}
	}
	var envelope Envelope
	if err := codec.DecodeFrame(data, &envelope); err != nil {
		return Envelope{}, &frameDecodeError{err: err}
	}
	return envelope, nil
}

// rejectionFrom extracts the RejectedError from a reject frame.
func rejectionFrom(envelope Envelope) error {
	if envelope.Rejection != nil {
		rejected := *envelope.Rejection
		return &rejected
	}
	return &RejectedError{Code: RejectInvalidBatch, Message: envelope.Message}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
