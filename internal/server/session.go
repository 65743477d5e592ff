// Package server manages individual chat sessions, handling read/write
// pumps, rate limiting, and lifecycle state for each connection.
package server

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionState models the lifecycle of one session. Transitions only move
// forward: Connecting -> Active on registration, Active -> Draining on
// read/write failure or eviction, Draining -> Closed once the outbound
// queue is fully flushed. There is no transition out of Closed, which makes
// a send-after-close a checkable invariant rather than a race.
type SessionState int

const (
	// StateConnecting is the state of a session that has a connection but is
	// not yet registered with the hub.
	StateConnecting SessionState = iota
	// StateActive sessions are registered and eligible for broadcasts.
	StateActive
	// StateDraining sessions have been removed from the hub; their queue is
	// closed and the writer is flushing what remains.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name for logs.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func validTransition(from, to SessionState) bool {
	switch from {
	case StateConnecting:
		return to == StateActive || to == StateDraining
	case StateActive:
		return to == StateDraining
	case StateDraining:
		return to == StateClosed
	default:
		return false
	}
}

// Session represents one live bidirectional connection belonging to one
// participant. It exclusively owns the underlying connection and a bounded
// outbound queue that the hub writes to and the session's writer drains.
type Session struct {
	conn           *websocket.Conn
	send           chan Message
	hub            *Hub
	participant    string
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	stateMu sync.Mutex
	state   SessionState
}

// NewSession creates a Session for the given connection and participant
// identifier. The outbound queue capacity, read limit, and rate limit come
// from the active configuration and are fixed for the session's lifetime.
func NewSession(conn *websocket.Conn, hub *Hub, participant, addr string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if participant == "" {
		participant = defaultParticipant
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Session{
		conn:           conn,
		send:           make(chan Message, cfg.SendQueueCapacity),
		hub:            hub,
		participant:    participant,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		state:          StateConnecting,
	}
}

// GetSendChan returns the session's outbound queue for reading.
// This channel is read-only from the caller's perspective.
func (s *Session) GetSendChan() <-chan Message {
	return s.send
}

// Participant returns the immutable participant identifier for this session.
func (s *Session) Participant() string {
	return s.participant
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// transition moves the session to the given state if the lifecycle allows
// it, and reports whether the move happened.
func (s *Session) transition(to SessionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !validTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

// markClosed forces the session to its terminal state, passing through
// Draining if it has not been unregistered yet.
func (s *Session) markClosed() {
	s.transition(StateDraining)
	s.transition(StateClosed)
}

// setupReadConnection configures read deadlines and the pong handler.
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", s.addr, err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", s.addr, err)
		}
		return nil
	})
}

// logReadError logs an appropriate message for the error that terminated
// the read loop.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Message from %s exceeded maximum size of %d bytes", s.addr, s.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Session %q from %s disconnected: %v", s.participant, s.addr, err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Printf("Session %q from %s connection closed: %v", s.participant, s.addr, err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Printf("Unexpected WebSocket error from %s: %v", s.addr, err)
	default:
		log.Printf("WebSocket read error from %s: %v", s.addr, err)
	}
}

// checkRateLimit reports whether the session is within its message budget.
// Over-limit frames are discarded, not terminal.
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d messages per %s); discarding message", s.addr, s.rateLimit.Burst, s.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump pulls frames off the connection, decodes them, and submits them
// to the hub's routing entry point. It is the only place that detects
// session death: any read or decode error exits the loop and triggers
// unregistration.
func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		if err := s.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	s.setupReadConnection()

	for {
		_, rawMessage, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			break
		}

		if !s.checkRateLimit() {
			continue
		}

		msg, err := DecodeFrame(rawMessage, s.participant, time.Now())
		if err != nil {
			log.Printf("Malformed frame from %q at %s: %v", s.participant, s.addr, err)
			break
		}

		s.hub.RouteLocal(msg)
	}
}

// writePump drains the outbound queue and writes one frame per message to
// the connection. It terminates when the queue is closed and drained, or on
// the first write failure; either way the connection is presumed dead and
// the read loop's cleanup handles hub removal.
func (s *Session) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		s.closeConnection()
		s.markClosed()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop processing. Hub shutdown stops the pump directly so
// a quiet session cannot hold up process exit until the next ping.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case msg, ok := <-s.send:
		return s.handleMessage(msg, ok)
	case <-ticker.C:
		return s.handlePing()
	case <-s.hub.ctx.Done():
		return false
	}
}

// closeConnection safely closes the WebSocket connection.
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage writes one outgoing message and returns false if the
// connection should be closed.
func (s *Session) handleMessage(msg Message, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", s.addr, err)
		return false
	}

	if !ok {
		// Queue closed by the hub; the session is draining.
		return s.writeCloseMessage()
	}

	frame, err := EncodeFrame(msg)
	if err != nil {
		log.Printf("Error encoding frame for %s: %v", s.addr, err)
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing frame to %s: %v", s.addr, err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close frame to the client.
func (s *Session) writeCloseMessage() bool {
	if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", s.addr, err)
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive.
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", s.addr, err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping message to %s: %v", s.addr, err)
		}
		return false
	}
	return true
}
