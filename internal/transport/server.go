package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/metrics"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/session"
	"github.com/kestrelmedia/upscaled/internal/store"
)

// Handler receives decoded worker traffic. The scheduler implements
// this; the transport stays protocol-only.
type Handler interface {
	// HandleResult is called for each batch_result after transport-level
	// decode. The result payload is still sealed; the handler decrypts.
	HandleResult(workerID string, result *BatchResult)

	// HandleHeartbeat is called for each heartbeat.
	HandleHeartbeat(workerID string, hb *Heartbeat)

	// HandleDisconnect is called when a worker's connection ends for any
	// reason, after the connection is deregistered.
	HandleDisconnect(workerID string)
}

// Server accepts worker WebSocket connections, runs the session
// handshake, and maintains one connection record per worker.
type Server struct {
	logger   *slog.Logger
	cfg      config.TransportConfig
	sessions *session.Manager
	store    *store.Store
	handler  Handler
	metrics  *metrics.Metrics
	version  string

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn

	httpSrv *http.Server
}

// wsConn is one worker's live connection. Writes are serialized by the
// mutex; reads happen only on the connection's own pump goroutine.
type wsConn struct {
	workerID string
	conn     *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *wsConn) send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(msg)
}

// NewServer creates the worker-facing transport server.
func NewServer(logger *slog.Logger, cfg config.TransportConfig, sessions *session.Manager, st *store.Store, handler Handler, m *metrics.Metrics, version string) *Server {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = MaxMessageBytes
	}
	return &Server{
		logger:   logger,
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		handler:  handler,
		metrics:  m,
		version:  version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Workers are authenticated by the handshake, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// Start listens for worker connections until the context ends.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("transport listening", slog.String("addr", s.cfg.Address()))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("transport server: %w", err)
	}
	return nil
}

// Shutdown notifies connected workers and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if msg, err := NewServerMessage(TypeDisconnect, Disconnect{Reason: "coordinator shutting down"}); err == nil {
			_ = c.send(msg)
		}
		_ = c.conn.Close()
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// handleWS upgrades the connection and runs the handshake, then the
// read pump.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	maxBytes := s.cfg.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = MaxMessageBytes
	}
	conn.SetReadLimit(maxBytes)

	workerID, err := s.handshake(conn, r.RemoteAddr)
	if err != nil {
		s.logger.Warn("handshake failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		return
	}

	c := &wsConn{
		workerID:     workerID,
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
	}
	s.register(c)
	s.readPump(c)
}

// handshake reads the client_hello and answers with server_hello. A
// live session is resumed without rekeying; otherwise a fresh session
// key is established and wrapped for the worker.
func (s *Server) handshake(conn *websocket.Conn, remoteAddr string) (string, error) {
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	if msg.Type != TypeClientHello {
		return "", fmt.Errorf("expected %s, got %s", TypeClientHello, msg.Type)
	}

	var hello ClientHello
	if err := msg.Decode(&hello); err != nil {
		return "", err
	}
	if hello.WorkerID == "" {
		return "", errors.New("hello missing worker id")
	}

	serverPub, err := s.sessions.PublicKeyPEM()
	if err != nil {
		return "", err
	}

	reply := ServerHello{
		Status:          HelloAccepted,
		ServerPublicKey: string(serverPub),
	}

	if hello.Resume && s.sessions.Resume(hello.WorkerID) {
		reply.Resumed = true
	} else {
		wrapped, err := s.sessions.Establish(hello.WorkerID, []byte(hello.PublicKey))
		if err != nil {
			rej := ServerHello{Status: HelloRejected, Reason: "invalid public key"}
			if out, merr := NewServerMessage(TypeServerHello, rej); merr == nil {
				_ = conn.WriteJSON(out)
			}
			return "", fmt.Errorf("establishing session for %s: %w", hello.WorkerID, err)
		}
		reply.SessionKey = EncodeBinary(wrapped)
	}

	s.store.RegisterWorker(hello.WorkerID, remoteAddr, hello.Capabilities)

	out, err := NewServerMessage(TypeServerHello, reply)
	if err != nil {
		return "", err
	}
	if err := conn.WriteJSON(out); err != nil {
		return "", fmt.Errorf("writing server_hello: %w", err)
	}

	s.logger.Info("worker connected",
		slog.String("worker_id", hello.WorkerID),
		slog.String("remote", remoteAddr),
		slog.String("version", hello.Version),
		slog.Bool("resumed", reply.Resumed),
	)
	return hello.WorkerID, nil
}

func (s *Server) register(c *wsConn) {
	s.mu.Lock()
	if old, ok := s.conns[c.workerID]; ok {
		_ = old.conn.Close()
	}
	s.conns[c.workerID] = c
	s.trackConnsLocked()
	s.mu.Unlock()
}

func (s *Server) deregister(c *wsConn) {
	s.mu.Lock()
	if cur, ok := s.conns[c.workerID]; ok && cur == c {
		delete(s.conns, c.workerID)
	}
	s.trackConnsLocked()
	s.mu.Unlock()
}

// trackConnsLocked updates the connected-workers gauge. Caller holds
// the lock.
func (s *Server) trackConnsLocked() {
	if s.metrics != nil {
		s.metrics.WorkersConnected.Set(float64(len(s.conns)))
	}
}

// readPump dispatches inbound messages until the connection ends.
func (s *Server) readPump(c *wsConn) {
	defer func() {
		s.deregister(c)
		_ = c.conn.Close()
		s.handler.HandleDisconnect(c.workerID)
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("worker connection lost",
					slog.String("worker_id", c.workerID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch msg.Type {
		case TypeBatchResult:
			var result BatchResult
			if err := msg.Decode(&result); err != nil {
				s.sendError(c, ErrCodeBadMessage, err.Error())
				continue
			}
			s.handler.HandleResult(c.workerID, &result)

		case TypeHeartbeat:
			var hb Heartbeat
			if err := msg.Decode(&hb); err != nil {
				s.sendError(c, ErrCodeBadMessage, err.Error())
				continue
			}
			s.handler.HandleHeartbeat(c.workerID, &hb)

		case TypePing:
			var pp PingPong
			_ = msg.Decode(&pp)
			if out, err := NewServerMessage(TypePong, PingPong{Timestamp: pp.Timestamp}); err == nil {
				_ = c.send(out)
			}

		case TypeDisconnect:
			s.logger.Info("worker disconnecting", slog.String("worker_id", c.workerID))
			return

		case TypeError:
			var ep ErrorPayload
			_ = msg.Decode(&ep)
			s.logger.Warn("worker reported error",
				slog.String("worker_id", c.workerID),
				slog.String("code", ep.Code),
				slog.String("message", ep.Message),
			)

		default:
			s.sendError(c, ErrCodeBadMessage, fmt.Sprintf("unexpected message type %q", msg.Type))
		}
	}
}

func (s *Server) sendError(c *wsConn, code, detail string) {
	if msg, err := NewServerMessage(TypeError, ErrorPayload{Code: code, Message: detail}); err == nil {
		_ = c.send(msg)
	}
}

// SendAssignment seals the batch archive for the worker's session and
// delivers the assignment.
func (s *Server) SendAssignment(workerID string, batch *models.Batch, archive []byte, cfg models.BatchConfig, timeout time.Duration) error {
	sealed, err := s.sessions.EncryptFor(workerID, archive)
	if err != nil {
		return err
	}

	assignment := BatchAssignment{
		BatchID:        batch.ID,
		BatchData:      EncodeBinary(sealed),
		BatchConfig:    cfg,
		StartFrame:     batch.StartFrame,
		EndFrame:       batch.EndFrame,
		TimeoutSeconds: int(timeout.Seconds()),
	}
	msg, err := NewServerMessage(TypeBatchAssignment, assignment)
	if err != nil {
		return err
	}
	return s.sendTo(workerID, msg)
}

// SendCancel tells the worker to abandon a batch.
func (s *Server) SendCancel(workerID string, batchID models.ULID, reason string) error {
	msg, err := NewServerMessage(TypeBatchCancel, BatchCancel{BatchID: batchID, Reason: reason})
	if err != nil {
		return err
	}
	return s.sendTo(workerID, msg)
}

// SendDisconnect asks the worker to close, e.g. on eviction.
func (s *Server) SendDisconnect(workerID, reason string) error {
	msg, err := NewServerMessage(TypeDisconnect, Disconnect{Reason: reason})
	if err != nil {
		return err
	}
	return s.sendTo(workerID, msg)
}

func (s *Server) sendTo(workerID string, msg *Message) error {
	s.mu.RLock()
	c, ok := s.conns[workerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s not connected", models.ErrWorkerUnavailable, workerID)
	}
	if err := c.send(msg); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Type, workerID, err)
	}
	return nil
}

// Connected reports whether the worker currently holds a live
// connection.
func (s *Server) Connected(workerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[workerID]
	return ok
}

// DecryptResult opens a sealed result archive from the worker.
func (s *Server) DecryptResult(workerID string, result *BatchResult) ([]byte, error) {
	sealed, err := DecodeBinary(result.ResultData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSecurityViolation, err)
	}
	return s.sessions.DecryptFrom(workerID, sealed)
}
