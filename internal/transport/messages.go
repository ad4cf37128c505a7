// Package transport carries the coordinator/worker wire protocol: a
// persistent WebSocket per worker exchanging JSON messages, with batch
// archives sealed by the session cipher and base64-encoded inside
// fields.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelmedia/upscaled/internal/models"
)

// MaxMessageBytes is the hard frame-size ceiling on both directions.
const MaxMessageBytes = 10 << 20

// Type identifies a protocol message.
type Type string

const (
	TypeClientHello     Type = "client_hello"
	TypeServerHello     Type = "server_hello"
	TypeBatchAssignment Type = "batch_assignment"
	TypeBatchResult     Type = "batch_result"
	TypeBatchCancel     Type = "batch_cancel"
	TypeHeartbeat       Type = "heartbeat"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeDisconnect      Type = "disconnect"
	TypeError           Type = "error"
)

// Message is the wire envelope. Worker-originated messages carry the
// worker id; coordinator-originated messages carry a server nonce and
// timestamp.
type Message struct {
	Type      Type            `json:"type"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewServerMessage builds a coordinator-originated envelope with a
// fresh nonce and current timestamp.
func NewServerMessage(t Type, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Message{
		Type:      t,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// NewClientMessage builds a worker-originated envelope.
func NewClientMessage(t Type, workerID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return &Message{Type: t, WorkerID: workerID, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// ClientHello opens the handshake. Resume is set when the worker still
// holds a session key from an earlier handshake; the coordinator only
// resumes when both sides have the key.
type ClientHello struct {
	WorkerID     string              `json:"worker_id"`
	PublicKey    string              `json:"public_key"`
	Capabilities models.Capabilities `json:"capabilities"`
	Version      string              `json:"version"`
	Resume       bool                `json:"resume,omitempty"`
}

// HelloAccepted and HelloRejected are the server_hello statuses.
const (
	HelloAccepted = "accepted"
	HelloRejected = "rejected"
)

// ServerHello answers a client_hello. On acceptance SessionKey holds
// the OAEP-wrapped symmetric key, base64-encoded; Resumed marks a
// reconnect inside the session window, where the worker keeps its
// previous key and SessionKey is empty.
type ServerHello struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ServerPublicKey string `json:"server_public_key,omitempty"`
	SessionKey      string `json:"session_key,omitempty"`
	Resumed         bool   `json:"resumed,omitempty"`
}

// BatchAssignment hands a batch to a worker. BatchData is the sealed
// frame archive, base64-encoded.
type BatchAssignment struct {
	BatchID        models.ULID        `json:"batch_id"`
	BatchData      string             `json:"batch_data"`
	BatchConfig    models.BatchConfig `json:"batch_config"`
	StartFrame     int                `json:"start_frame"`
	EndFrame       int                `json:"end_frame"`
	TimeoutSeconds int                `json:"timeout_seconds"`
}

// Batch result statuses.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// BatchResult reports the outcome of a batch. ResultData is the sealed
// upscaled-frame archive, base64-encoded, present only on success.
type BatchResult struct {
	BatchID      models.ULID `json:"batch_id"`
	Status       string      `json:"status"`
	ResultData   string      `json:"result_data,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// BatchCancel instructs the worker to discard in-flight work at the
// next safe point.
type BatchCancel struct {
	BatchID models.ULID `json:"batch_id"`
	Reason  string      `json:"reason,omitempty"`
}

// Heartbeat is the worker's periodic liveness report.
type Heartbeat struct {
	Timestamp    int64   `json:"timestamp"`
	ClientStatus string  `json:"client_status"`
	Progress     float64 `json:"progress,omitempty"`
}

// PingPong carries a latency probe in either direction.
type PingPong struct {
	Timestamp int64 `json:"timestamp"`
}

// Disconnect announces an orderly close.
type Disconnect struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a protocol-level error in either direction.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Protocol error codes.
const (
	ErrCodeSecurity    = "security_violation"
	ErrCodeBadMessage  = "bad_message"
	ErrCodeUnavailable = "unavailable"
	ErrCodeInternal    = "internal"
)

// EncodeBinary base64-encodes sealed binary data for embedding in a
// JSON field.
func EncodeBinary(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBinary reverses EncodeBinary.
func DecodeBinary(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding binary field: %w", err)
	}
	return data, nil
}
