package manager

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	connWriteWait  = 10 * time.Second
	connPongWait   = 60 * time.Second
	connPingPeriod = 54 * time.Second
	connMaxMessage = 1 << 20
)

// ConnectionRegistry owns the live websocket attachments. It never mutates
// session state itself; record changes go through the controller, which
// serializes them under the per-session lock. The registry's own mutex
// protects only the socket map, so the controller can close sockets while
// holding a session lock without deadlock.
type ConnectionRegistry struct {
	controller *SessionLifecycleController
	logger     *log.Logger
	metrics    *Metrics
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	live  map[string]map[string]*websocket.Conn // sessionID -> connID -> socket
	drain sync.WaitGroup
}

// NewConnectionRegistry builds a registry and wires its socket closer into
// the controller.
func NewConnectionRegistry(controller *SessionLifecycleController, logger *log.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = log.Default()
	}
	r := &ConnectionRegistry{
		controller: controller,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks are an upstream proxy concern for this daemon.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		live: make(map[string]map[string]*websocket.Conn),
	}
	controller.SetConnectionCloser(r.closeLive)
	return r
}

// WithMetrics wires optional Prometheus metrics.
func (r *ConnectionRegistry) WithMetrics(metrics *Metrics) *ConnectionRegistry {
	if r == nil {
		return r
	}
	r.metrics = metrics
	return r
}

// Accept upgrades the request to a websocket and attaches it to the
// session. A hibernating session is resumed first, so connecting is enough
// to wake a parked session.
func (r *ConnectionRegistry) Accept(w http.ResponseWriter, req *http.Request, sessionID string) error {
	ctx := req.Context()
	if _, err := r.controller.ResumeSession(ctx, sessionID); err != nil {
		return err
	}
	record, err := r.controller.AttachConnection(ctx, sessionID, "websocket", clientIP(req))
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncConnectionEvent("reject")
		}
		return err
	}

	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error; roll back the record.
		if closeErr := r.controller.CloseConnection(context.Background(), sessionID, record.ID); closeErr != nil {
			r.logger.Printf("registry: rollback connection session=%s conn=%s: %v", sessionID, record.ID, closeErr)
		}
		return nil
	}

	r.mu.Lock()
	conns, ok := r.live[sessionID]
	if !ok {
		conns = make(map[string]*websocket.Conn)
		r.live[sessionID] = conns
	}
	conns[record.ID] = socket
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncConnectionEvent("accept")
	}
	r.logger.Printf("registry: connection session=%s conn=%s from %s", sessionID, record.ID, record.ClientIP)

	r.drain.Add(1)
	go r.readPump(sessionID, record.ID, socket)
	go r.pingLoop(sessionID, record.ID, socket)
	return nil
}

// Close shuts a single connection down and marks its record closed.
func (r *ConnectionRegistry) Close(ctx context.Context, sessionID, connID, reason string) error {
	r.mu.Lock()
	var socket *websocket.Conn
	if conns, ok := r.live[sessionID]; ok {
		socket = conns[connID]
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.live, sessionID)
		}
	}
	r.mu.Unlock()
	if socket != nil {
		r.sendClose(socket, reason)
		socket.Close()
	}
	return r.controller.CloseConnection(ctx, sessionID, connID)
}

// Shutdown closes every live socket and waits for read pumps to drain.
func (r *ConnectionRegistry) Shutdown() {
	r.mu.Lock()
	for sessionID, conns := range r.live {
		for _, socket := range conns {
			r.sendClose(socket, "server shutting down")
			socket.Close()
		}
		delete(r.live, sessionID)
	}
	r.mu.Unlock()
	r.drain.Wait()
}

// closeLive closes all sockets for a session. Called by the controller
// under the session lock; it touches only the socket map.
func (r *ConnectionRegistry) closeLive(sessionID, reason string) {
	r.mu.Lock()
	conns := r.live[sessionID]
	delete(r.live, sessionID)
	r.mu.Unlock()
	for connID, socket := range conns {
		r.sendClose(socket, reason)
		socket.Close()
		r.logger.Printf("registry: closed session=%s conn=%s: %s", sessionID, connID, reason)
	}
}

// readPump consumes inbound frames, crediting each message as session
// activity. It exits when the peer disconnects or the socket is closed.
func (r *ConnectionRegistry) readPump(sessionID, connID string, socket *websocket.Conn) {
	defer r.drain.Done()
	defer func() {
		r.detach(sessionID, connID)
		socket.Close()
		if err := r.controller.CloseConnection(context.Background(), sessionID, connID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Printf("registry: close record session=%s conn=%s: %v", sessionID, connID, err)
		}
		if r.metrics != nil {
			r.metrics.IncConnectionEvent("close")
		}
	}()

	socket.SetReadLimit(connMaxMessage)
	if err := socket.SetReadDeadline(time.Now().Add(connPongWait)); err != nil {
		return
	}
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(connPongWait))
	})

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("registry: read session=%s conn=%s: %v", sessionID, connID, err)
			}
			return
		}
		if err := r.controller.RecordConnectionActivity(context.Background(), sessionID, connID, int64(len(payload))); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return
			}
			r.logger.Printf("registry: record activity session=%s conn=%s: %v", sessionID, connID, err)
		}
	}
}

// pingLoop keeps the connection alive; a missed pong trips the read
// deadline and the read pump tears the connection down.
func (r *ConnectionRegistry) pingLoop(sessionID, connID string, socket *websocket.Conn) {
	ticker := time.NewTicker(connPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		if !r.holds(sessionID, connID) {
			return
		}
		if err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(connWriteWait)); err != nil {
			return
		}
	}
}

func (r *ConnectionRegistry) detach(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.live[sessionID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.live, sessionID)
		}
	}
}

func (r *ConnectionRegistry) holds(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.live[sessionID]
	if !ok {
		return false
	}
	_, ok = conns[connID]
	return ok
}

// sendClose is best effort; the peer may already be gone.
func (r *ConnectionRegistry) sendClose(socket *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = socket.WriteControl(websocket.CloseMessage, message, time.Now().Add(connWriteWait))
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
