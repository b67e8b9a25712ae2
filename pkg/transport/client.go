package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/types"
)

// Runner is the black-box agent executor on a worker node. A Runner is
// handed one dispatched task and reports its lifecycle back through the
// returned channel; it must respect ctx cancellation (sent on CancelTask).
type Runner interface {
	Run(ctx context.Context, task DispatchTaskMessage) <-chan TaskEventMessage
}

// WorkerClient is the worker side of the protocol: it registers with the
// orchestrator, sends periodic heartbeats, receives DispatchTask/CancelTask
// frames, and reports TaskEvent frames back as the Runner produces them.
type WorkerClient struct {
	address      string // this worker's own dial-back address, advertised at registration
	orchestrator string
	capabilities []string
	capacity     int
	nodeAuthKey  string
	runner       Runner

	mu       sync.Mutex
	conn     net.Conn
	writeMu  sync.Mutex
	nodeID   id.ID
	inFlight int

	cancelFns map[id.ID]context.CancelFunc
}

// NewWorkerClient builds a WorkerClient. Call Run to connect and serve.
func NewWorkerClient(address, orchestrator string, capabilities []string, capacity int, nodeAuthKey string, runner Runner) *WorkerClient {
	return &WorkerClient{
		address:      address,
		orchestrator: orchestrator,
		capabilities: capabilities,
		capacity:     capacity,
		nodeAuthKey:  nodeAuthKey,
		runner:       runner,
		cancelFns:    make(map[id.ID]context.CancelFunc),
	}
}

// Run dials the orchestrator, registers, and serves until ctx is cancelled
// or the connection is lost. Callers that want reconnect-on-failure should
// loop on Run themselves.
func (w *WorkerClient) Run(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", w.orchestrator, ioDeadline)
	if err != nil {
		return fmt.Errorf("transport: failed to dial orchestrator %s: %w", w.orchestrator, err)
	}
	w.conn = conn
	defer conn.Close()

	reader := bufio.NewReader(conn)

	regBody, _ := json.Marshal(RegisterNodeRequest{
		Address:      w.address,
		Capabilities: w.capabilities,
		Capacity:     w.capacity,
		NodeAuthKey:  w.nodeAuthKey,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(ioDeadline))
	if err := WriteMessage(conn, Header{MsgType: MsgRegisterNode, CorrelationID: id.New().String()}, regBody); err != nil {
		return fmt.Errorf("transport: failed to send RegisterNode: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(ioDeadline))
	h, body, err := ReadMessage(reader)
	if err != nil {
		return fmt.Errorf("transport: failed to read registration reply: %w", err)
	}
	if h.MsgType == MsgErrorResponse {
		var errResp ErrorResponseMessage
		_ = json.Unmarshal(body, &errResp)
		return fmt.Errorf("transport: registration rejected: %s: %s", errResp.Code, errResp.Message)
	}
	var regResp RegisterNodeResponse
	if err := json.Unmarshal(body, &regResp); err != nil {
		return fmt.Errorf("transport: malformed registration reply: %w", err)
	}
	w.nodeID = regResp.NodeID
	log.WithComponent("worker").Info().Str("node_id", w.nodeID.String()).Str("orchestrator", w.orchestrator).Msg("registered with orchestrator")

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.heartbeatLoop(heartbeatCtx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		h, body, err := ReadMessage(reader)
		if err != nil {
			return fmt.Errorf("transport: connection to orchestrator lost: %w", err)
		}
		w.handleInbound(ctx, h, body)
	}
}

func (w *WorkerClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			inFlight := w.inFlight
			w.mu.Unlock()
			body, _ := json.Marshal(HeartbeatRequest{NodeID: w.nodeID, InFlight: inFlight, Status: types.NodeIdle})
			if err := w.send(Header{MsgType: MsgHeartbeat, CorrelationID: id.New().String()}, body); err != nil {
				log.WithComponent("worker").Warn().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (w *WorkerClient) send(h Header, body []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(ioDeadline))
	return WriteMessage(w.conn, h, body)
}

func (w *WorkerClient) handleInbound(ctx context.Context, h Header, body []byte) {
	switch h.MsgType {
	case MsgDispatchTask:
		var msg DispatchTaskMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return
		}
		w.startTask(ctx, msg)
	case MsgCancelTask:
		var msg CancelTaskMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return
		}
		w.mu.Lock()
		cancel, ok := w.cancelFns[msg.TaskID]
		w.mu.Unlock()
		if ok {
			cancel()
		}
		respBody, _ := json.Marshal(TaskResponseMessage{TaskID: msg.TaskID, Success: true})
		_ = w.send(Header{MsgType: MsgTaskResponse, CorrelationID: h.CorrelationID}, respBody)
	}
}

func (w *WorkerClient) startTask(ctx context.Context, msg DispatchTaskMessage) {
	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelFns[msg.TaskID] = cancel
	w.inFlight++
	w.mu.Unlock()

	events := w.runner.Run(taskCtx, msg)
	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.cancelFns, msg.TaskID)
			w.inFlight--
			w.mu.Unlock()
			cancel()
		}()
		for evt := range events {
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := w.send(Header{MsgType: MsgTaskEvent, CorrelationID: id.New().String()}, body); err != nil {
				log.WithComponent("worker").Warn().Err(err).Str("task_id", msg.TaskID.String()).Msg("failed to report task event")
				return
			}
		}
	}()
}
