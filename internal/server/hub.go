// Package server coordinates session registration, message routing, and
// connection cleanup for the DriftChat broadcast core via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// Publisher mirrors locally-originated messages onto the external bus so
// other instances can deliver them to their own sessions. Publish failures
// degrade the service to single-instance delivery and are never fatal.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Hub maintains the set of active sessions and is the single serialization
// point for delivering a message to all of them. Registration,
// unregistration, and routing are handled by one event loop; the session set
// is additionally guarded by a mutex so snapshots for fan-out never observe
// a session whose queue has been closed.
type Hub struct {
	sessions   map[*Session]bool
	route      chan RoutedMessage
	register   chan *Session
	unregister chan *Session
	publisher  Publisher
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub ready to manage sessions. The publisher may be nil,
// in which case messages are delivered locally only and never mirrored.
func NewHub(publisher Publisher) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[*Session]bool),
		route:      make(chan RoutedMessage),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		publisher:  publisher,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new sessions.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Session {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering sessions.
// Unregistering a session that is already gone is a no-op.
func (h *Hub) GetUnregisterChan() chan<- *Session {
	return h.unregister
}

// GetRouteChan returns the channel carrying messages into the routing loop.
func (h *Hub) GetRouteChan() chan<- RoutedMessage {
	return h.route
}

// RouteLocal submits a message that originated from a session on this
// instance. It will be published to the bus and delivered to every local
// session, including the sender's.
func (h *Hub) RouteLocal(msg Message) {
	h.routeMessage(RoutedMessage{Message: msg, Origin: OriginLocal})
}

// RouteRemote submits a message received from the external bus. It is
// delivered locally only; re-publishing it would echo across the fleet.
func (h *Hub) RouteRemote(msg Message) {
	h.routeMessage(RoutedMessage{Message: msg, Origin: OriginRemote})
}

func (h *Hub) routeMessage(routed RoutedMessage) {
	select {
	case h.route <- routed:
	case <-h.ctx.Done():
	}
}

// Attach registers the session with the hub and starts its reader and
// writer pumps, tracked for graceful shutdown. The pump slots are reserved
// against the WaitGroup before registration so a session attached
// concurrently with Shutdown can never outlive it.
func (h *Hub) Attach(session *Session) {
	if !h.reservePumps() {
		h.rejectSession(session)
		return
	}

	select {
	case h.register <- session:
	case <-h.ctx.Done():
		h.wg.Done()
		h.wg.Done()
		h.rejectSession(session)
		return
	}

	go func() {
		defer h.wg.Done()
		session.writePump()
	}()
	go func() {
		defer h.wg.Done()
		session.readPump()
	}()
}

// reservePumps claims two WaitGroup slots for a session's pump goroutines
// unless shutdown has begun. Shutdown cancels the context under the same
// mutex, so a reservation either completes before the cancellation or
// observes it and backs out; the WaitGroup is never grown once the wait
// has started.
func (h *Hub) reservePumps() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.wg.Add(2)
	return true
}

// rejectSession closes the connection of a session that arrived during
// shutdown and was never registered.
func (h *Hub) rejectSession(session *Session) {
	log.Printf("Rejecting session for %q from %s: hub is shutting down", session.participant, session.addr)
	if session.conn == nil {
		return
	}
	if err := session.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing rejected session connection from %s: %v", session.addr, err)
	}
}

// Run starts the hub's main event loop, handling session registration,
// unregistration, and message routing. This method should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case session := <-h.register:
			if session == nil {
				log.Printf("Received nil session registration; skipping")
				continue
			}
			h.registerSession(session)

		case session := <-h.unregister:
			h.unregisterSession(session)

		case routed := <-h.route:
			h.handleRoute(routed)
		}
	}
}

func (h *Hub) registerSession(session *Session) {
	h.mutex.Lock()
	if !session.transition(StateActive) {
		h.mutex.Unlock()
		log.Printf("Refusing to register session for %q in state %s", session.participant, session.State())
		return
	}
	h.sessions[session] = true
	sessionCount := len(h.sessions)
	h.mutex.Unlock()
	log.Printf("Session registered for %q from %s. Total sessions: %d", session.participant, session.addr, sessionCount)
}

func (h *Hub) unregisterSession(session *Session) {
	h.mutex.Lock()
	if _, ok := h.sessions[session]; ok {
		delete(h.sessions, session)
		session.transition(StateDraining)
		sessionCount := len(h.sessions)
		h.mutex.Unlock()
		// Close the queue after releasing the lock; the writer drains and exits.
		close(session.send)
		log.Printf("Session unregistered for %q from %s. Total sessions: %d", session.participant, session.addr, sessionCount)
	} else {
		h.mutex.Unlock()
	}
}

// handleRoute is the unique delivery path for one message: mirror it to the
// bus if it originated here, then attempt to enqueue it onto every
// registered session's outbound queue.
func (h *Hub) handleRoute(routed RoutedMessage) {
	if routed.Origin == OriginLocal {
		h.publish(routed.Message)
	}

	sessions := h.getSessionSnapshot()
	log.Printf("Routing message from %q to %d sessions", routed.Message.ParticipantID, len(sessions))

	sessionsToEvict := h.deliverToSessions(sessions, routed.Message)
	h.evictSessions(sessionsToEvict)
}

func (h *Hub) publish(msg Message) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(h.ctx, msg); err != nil {
		log.Printf("Bus publish failed; continuing with local delivery only: %v", err)
	}
}

// getSessionSnapshot returns a thread-safe snapshot of all current sessions.
func (h *Hub) getSessionSnapshot() []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for session := range h.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// deliverToSessions enqueues the message onto every session's outbound queue
// and returns the sessions whose queues could not absorb it.
func (h *Hub) deliverToSessions(sessions []*Session, msg Message) []*Session {
	var sessionsToEvict []*Session

	for _, session := range sessions {
		if !h.safeSend(session, msg) {
			sessionsToEvict = append(sessionsToEvict, session)
		}
	}

	return sessionsToEvict
}

// safeSend attempts a non-blocking enqueue onto one session's queue. A full
// queue or a session that is no longer active reports failure; it never
// blocks the routing loop.
func (h *Hub) safeSend(session *Session, msg Message) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock for the entire send so the queue cannot be closed by a
	// concurrent unregister between the state check and the enqueue.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.sessions[session]
	if !exists || session.State() != StateActive {
		return false
	}

	select {
	case session.send <- msg:
		return true
	default:
		return false
	}
}

// evictSessions removes slow consumers whose queues were full and closes
// their queues. One unresponsive client must never stall delivery to others.
func (h *Hub) evictSessions(sessionsToEvict []*Session) {
	if len(sessionsToEvict) == 0 {
		return
	}

	h.mutex.Lock()
	var queuesToClose []chan Message
	for _, session := range sessionsToEvict {
		if _, exists := h.sessions[session]; exists {
			delete(h.sessions, session)
			session.transition(StateDraining)
			queuesToClose = append(queuesToClose, session.send)
			log.Printf("Session for %q from %s evicted due to full send queue", session.participant, session.addr)
		}
	}
	h.mutex.Unlock()

	// Close queues after releasing the lock.
	for _, queue := range queuesToClose {
		close(queue)
	}
}

// shutdownSessions closes all active session connections.
func (h *Hub) shutdownSessions() {
	log.Println("Shutting down all session connections...")

	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mutex.Unlock()

	for _, session := range sessions {
		if session.conn != nil {
			if err := session.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing session connection from %s: %v", session.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d session connections", len(sessions))
}

// Shutdown initiates graceful shutdown of the hub and waits for all session
// goroutines to complete. It returns after all connections are closed and
// the pump goroutines have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	// Cancel under the session mutex; Attach reserves its WaitGroup slots
	// under the same mutex, so no pump goroutine can appear after this.
	h.mutex.Lock()
	h.cancel()
	h.mutex.Unlock()

	// Wait for Run() to complete
	<-h.done

	// Wait for all session goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
