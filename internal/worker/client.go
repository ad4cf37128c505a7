package worker

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/models"
	"github.com/kestrelmedia/upscaled/internal/session"
	"github.com/kestrelmedia/upscaled/internal/transport"
)

// Client is the worker daemon's connection to the coordinator. It
// reconnects with exponential backoff and keeps the session key across
// reconnects inside the session window.
type Client struct {
	logger   *slog.Logger
	cfg      config.WorkerConfig
	workerID string
	caps     models.Capabilities
	version  string
	executor *Executor

	key    *rsa.PrivateKey
	cipher *session.Cipher

	conn    *websocket.Conn
	writeMu sync.Mutex

	// current tracks the single in-flight batch.
	currentMu     sync.Mutex
	currentBatch  models.ULID
	currentCancel context.CancelFunc
}

// NewClient creates a worker client with a fresh key pair.
func NewClient(logger *slog.Logger, cfg config.WorkerConfig, caps models.Capabilities, version string, executor *Executor) (*Client, error) {
	if cfg.CoordinatorURL == "" {
		return nil, fmt.Errorf("%w: coordinator url is required", models.ErrConfiguration)
	}

	key, err := session.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	workerID := cfg.ID
	if workerID == "" {
		workerID = DeriveWorkerID()
	}

	return &Client{
		logger:   logger,
		cfg:      cfg,
		workerID: workerID,
		caps:     caps,
		version:  version,
		executor: executor,
		key:      key,
	}, nil
}

// WorkerID returns the stable identifier used on the wire.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Run connects and serves until the context ends, reconnecting with
// exponential backoff after connection loss.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	maxDelay := c.cfg.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	backoff := delay
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("connection ended",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff),
			)
		} else {
			backoff = delay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxDelay {
			backoff = maxDelay
		}
	}
}

// connectAndServe dials, performs the handshake, and pumps messages
// until the connection drops.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.CoordinatorURL, nil)
	if err != nil {
		return fmt.Errorf("dialing coordinator: %w", err)
	}
	conn.SetReadLimit(transport.MaxMessageBytes)
	c.conn = conn
	defer func() {
		c.conn = nil
		_ = conn.Close()
	}()

	if err := c.handshake(conn); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx)

	return c.readLoop(ctx, conn)
}

// handshake sends the client_hello and processes the server_hello,
// unwrapping a fresh session key unless the previous session resumed.
func (c *Client) handshake(conn *websocket.Conn) error {
	pubPEM, err := session.EncodePublicKey(&c.key.PublicKey)
	if err != nil {
		return err
	}

	hello := transport.ClientHello{
		WorkerID:     c.workerID,
		PublicKey:    string(pubPEM),
		Capabilities: c.caps,
		Version:      c.version,
		Resume:       c.cipher != nil,
	}
	msg, err := transport.NewClientMessage(transport.TypeClientHello, c.workerID, hello)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	var reply transport.Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("reading server hello: %w", err)
	}
	if reply.Type != transport.TypeServerHello {
		return fmt.Errorf("expected %s, got %s", transport.TypeServerHello, reply.Type)
	}

	var sh transport.ServerHello
	if err := reply.Decode(&sh); err != nil {
		return err
	}
	if sh.Status != transport.HelloAccepted {
		return fmt.Errorf("coordinator rejected hello: %s", sh.Reason)
	}

	if sh.Resumed {
		if c.cipher == nil {
			return errors.New("coordinator resumed a session this worker no longer holds")
		}
	} else {
		wrapped, err := transport.DecodeBinary(sh.SessionKey)
		if err != nil {
			return err
		}
		key, err := session.UnwrapKey(c.key, wrapped)
		if err != nil {
			return err
		}
		cipher, err := session.NewCipher(key)
		if err != nil {
			return err
		}
		c.cipher = cipher
	}

	c.logger.Info("connected to coordinator",
		slog.String("worker_id", c.workerID),
		slog.Bool("resumed", sh.Resumed),
	)
	return nil
}

// heartbeatLoop reports liveness and in-flight progress.
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepNonces(time.Now())
			status := "idle"
			c.currentMu.Lock()
			busy := !c.currentBatch.IsZero()
			c.currentMu.Unlock()
			if busy {
				status = "processing"
			}
			hb := transport.Heartbeat{
				Timestamp:    time.Now().Unix(),
				ClientStatus: status,
			}
			if err := c.send(transport.TypeHeartbeat, hb); err != nil {
				return
			}
		}
	}
}

// sweepNonces purges accepted nonces outside the replay window. The
// coordinator sweeps its side of the session; the worker sweeps here
// so the set stays bounded over the daemon's lifetime.
func (c *Client) sweepNonces(now time.Time) {
	if c.cipher != nil {
		c.cipher.SweepNonces(now)
	}
}

// readLoop dispatches coordinator messages until the connection drops.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg transport.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		switch msg.Type {
		case transport.TypeBatchAssignment:
			var assignment transport.BatchAssignment
			if err := msg.Decode(&assignment); err != nil {
				c.sendError(transport.ErrCodeBadMessage, err.Error())
				continue
			}
			c.acceptAssignment(ctx, &assignment)

		case transport.TypeBatchCancel:
			var cancel transport.BatchCancel
			if err := msg.Decode(&cancel); err != nil {
				continue
			}
			c.cancelCurrent(cancel.BatchID, cancel.Reason)

		case transport.TypePing:
			var pp transport.PingPong
			_ = msg.Decode(&pp)
			_ = c.send(transport.TypePong, transport.PingPong{Timestamp: pp.Timestamp})

		case transport.TypePong:
			// latency probe answer, nothing to do

		case transport.TypeDisconnect:
			var d transport.Disconnect
			_ = msg.Decode(&d)
			c.logger.Info("coordinator requested disconnect", slog.String("reason", d.Reason))
			return nil

		case transport.TypeError:
			var ep transport.ErrorPayload
			_ = msg.Decode(&ep)
			c.logger.Warn("coordinator reported error",
				slog.String("code", ep.Code),
				slog.String("message", ep.Message),
			)

		default:
			c.sendError(transport.ErrCodeBadMessage, fmt.Sprintf("unexpected message type %q", msg.Type))
		}
	}
}

// acceptAssignment starts processing unless a batch is already in
// flight.
func (c *Client) acceptAssignment(ctx context.Context, assignment *transport.BatchAssignment) {
	c.currentMu.Lock()
	if !c.currentBatch.IsZero() {
		c.currentMu.Unlock()
		c.logger.Warn("assignment refused, batch already in flight",
			slog.String("batch_id", assignment.BatchID.String()),
		)
		result := transport.BatchResult{
			BatchID:      assignment.BatchID,
			Status:       transport.ResultFailed,
			ErrorMessage: "worker already processing a batch",
		}
		_ = c.send(transport.TypeBatchResult, result)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.currentBatch = assignment.BatchID
	c.currentCancel = cancel
	c.currentMu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.currentMu.Lock()
			c.currentBatch = models.ULID{}
			c.currentCancel = nil
			c.currentMu.Unlock()
		}()

		result := c.executor.Process(runCtx, assignment, c.cipher)
		if runCtx.Err() != nil && result.Status == transport.ResultFailed {
			// Cancelled work is discarded, not reported as failure.
			return
		}
		if err := c.send(transport.TypeBatchResult, *result); err != nil {
			c.logger.Error("sending batch result failed",
				slog.String("batch_id", assignment.BatchID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// cancelCurrent kills the in-flight run when the ids match.
func (c *Client) cancelCurrent(batchID models.ULID, reason string) {
	c.currentMu.Lock()
	defer c.currentMu.Unlock()

	if c.currentBatch != batchID || c.currentCancel == nil {
		return
	}
	c.logger.Info("cancelling batch",
		slog.String("batch_id", batchID.String()),
		slog.String("reason", reason),
	)
	c.currentCancel()
}

func (c *Client) send(t transport.Type, payload any) error {
	msg, err := transport.NewClientMessage(t, c.workerID, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.conn
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.WriteJSON(msg)
}

func (c *Client) sendError(code, detail string) {
	_ = c.send(transport.TypeError, transport.ErrorPayload{Code: code, Message: detail})
}
