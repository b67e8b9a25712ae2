// Package transport implements the worker-facing wire protocol:
// length-prefixed framed messages of the form
// [4B header-len | header | 4B body-len | body], exchanged over plain TCP
// between the orchestrator and a registered worker node. Header and body
// are both JSON; an explicit listener/dialer pair enforces an io deadline
// on every read and write so a stalled peer can't hang a connection.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
)

// MsgType enumerates the worker-protocol message kinds.
type MsgType string

const (
	MsgRegisterNode  MsgType = "RegisterNode"
	MsgHeartbeat     MsgType = "Heartbeat"
	MsgDispatchTask  MsgType = "DispatchTask"
	MsgTaskEvent     MsgType = "TaskEvent"
	MsgCancelTask    MsgType = "CancelTask"
	MsgTaskResponse  MsgType = "TaskResponse"
	MsgErrorResponse MsgType = "ErrorResponse"
)

// Header is the fixed envelope carried on every framed message.
type Header struct {
	MsgType       MsgType `json:"msg_type"`
	CorrelationID string  `json:"correlation_id"`
}

// maxFrameLen guards against a malformed or hostile peer claiming an
// absurd frame size and exhausting memory on a single read.
const maxFrameLen = 32 << 20 // 32MiB

// WriteMessage writes one framed message: [4B header-len|header|4B body-len|body].
func WriteMessage(w io.Writer, h Header, body []byte) error {
	headerBytes, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal header: %w", err)
	}
	if err := writeLenPrefixed(w, headerBytes); err != nil {
		return fmt.Errorf("transport: failed to write header frame: %w", err)
	}
	if err := writeLenPrefixed(w, body); err != nil {
		return fmt.Errorf("transport: failed to write body frame: %w", err)
	}
	return nil
}

func writeLenPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMessage reads one framed message from r, which should be wrapped in a
// *bufio.Reader by the caller so repeated small reads don't each hit the
// socket.
func ReadMessage(r *bufio.Reader) (Header, []byte, error) {
	headerBytes, err := readLenPrefixed(r)
	if err != nil {
		return Header{}, nil, err
	}
	var h Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return Header{}, nil, fmt.Errorf("transport: failed to unmarshal header: %w", err)
	}
	body, err := readLenPrefixed(r)
	if err != nil {
		return Header{}, nil, fmt.Errorf("transport: failed to read body frame: %w", err)
	}
	return h, body, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("transport: frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// RegisterNodeRequest is the worker->orchestrator body for MsgRegisterNode.
// NodeAuthKey is checked against the configured NODE_AUTH_KEY.
type RegisterNodeRequest struct {
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
	NodeAuthKey  string   `json:"node_auth_key"`
}

// RegisterNodeResponse is the orchestrator->worker reply carrying the
// allocated NodeId.
type RegisterNodeResponse struct {
	NodeID id.ID `json:"node_id"`
}

// HeartbeatRequest is the worker->orchestrator body for MsgHeartbeat.
type HeartbeatRequest struct {
	NodeID   id.ID            `json:"node_id"`
	InFlight int              `json:"in_flight"`
	Status   types.NodeStatus `json:"status"`
}

// HeartbeatResponse acknowledges a heartbeat; empty today but kept as a
// distinct type so the wire contract can grow a field without breaking
// framing.
type HeartbeatResponse struct{}

// DispatchTaskMessage is the orchestrator->worker body for MsgDispatchTask:
// everything the black-box agent needs to start the job, decrypted and
// flattened out of the internal Task record (which never serializes
// GithubToken/EnvVars directly).
type DispatchTaskMessage struct {
	TaskID            id.ID           `json:"task_id"`
	RepoURL           string          `json:"repo_url"`
	Branch            string          `json:"branch"`
	Prompt            string          `json:"prompt"`
	GitHubToken       string          `json:"github_token,omitempty"`
	CreatePR          bool            `json:"create_pr"`
	PRTitle           string          `json:"pr_title,omitempty"`
	PRBody            string          `json:"pr_body,omitempty"`
	EnvVars           []types.EnvVar  `json:"env_vars,omitempty"`
	MaxIterations     int             `json:"max_iterations"`
	CompletionPromise string          `json:"completion_promise,omitempty"`
}

// TaskEventMessage is the worker->orchestrator body for MsgTaskEvent: one
// lifecycle/log/usage/progress event the agent wants recorded. Sequence is
// assigned by the orchestrator's event bus on receipt, not by the worker.
type TaskEventMessage struct {
	TaskID  id.ID           `json:"task_id"`
	Kind    types.EventKind `json:"kind"`
	State   types.TaskState `json:"state,omitempty"`
	Data    []byte          `json:"data,omitempty"`
	Usage   *types.UsageRecord `json:"usage,omitempty"`
	PRURL   string          `json:"pr_url,omitempty"`
	Message string          `json:"message,omitempty"`
}

// CancelTaskMessage carries a cancellation in one direction only: the
// orchestrator sends it to tell a worker to stop a running task; the worker
// never originates it.
type CancelTaskMessage struct {
	TaskID id.ID `json:"task_id"`
}

// TaskResponseMessage is the worker->orchestrator acknowledgement of a
// CancelTask, correlated by Header.CorrelationID. A DispatchTask gets no
// TaskResponse; the worker's first TaskEvent confirms pickup instead.
type TaskResponseMessage struct {
	TaskID  id.ID `json:"task_id"`
	Success bool  `json:"success"`
}

// ErrorResponseMessage is returned in place of a normal reply when a
// request cannot be satisfied.
type ErrorResponseMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
