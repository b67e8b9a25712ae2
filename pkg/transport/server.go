package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/marathon/pkg/apierr"
	"github.com/cuemby/marathon/pkg/auth"
	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metering"
	"github.com/cuemby/marathon/pkg/metrics"
	"github.com/cuemby/marathon/pkg/registry"
	"github.com/cuemby/marathon/pkg/scheduler"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/cuemby/marathon/pkg/types"
)

// ioDeadline bounds the registration handshake and every frame write so a
// stalled peer can't pin a connection goroutine open indefinitely; the
// steady-state read loops use longer deadlines sized to the heartbeat
// cadence.
const ioDeadline = 10 * time.Second

// Server is the orchestrator side of the worker protocol: it accepts
// connections from registered nodes, routes inbound heartbeats and task
// events into the registry/store/metering aggregator, and implements
// scheduler.Dispatcher by writing DispatchTask/CancelTask frames to the
// connection owning a given node address.
type Server struct {
	registry  *registry.Registry
	store     *store.Store
	metering  *metering.Aggregator
	bus       *events.Bus
	scheduler *scheduler.Scheduler

	nodeAuthKey string

	mu    sync.Mutex
	conns map[string]*workerConn // by node address
}

// NewServer constructs a Server. SetScheduler must be called once the
// scheduler exists, since the scheduler itself depends on this Server as
// its Dispatcher (a cyclic construction resolved by a two-step wire-up:
// build the Server first, construct the Scheduler against it, then hand the
// Scheduler back to the Server via SetScheduler).
func NewServer(reg *registry.Registry, st *store.Store, met *metering.Aggregator, bus *events.Bus, nodeAuthKey string) *Server {
	return &Server{
		registry:    reg,
		store:       st,
		metering:    met,
		bus:         bus,
		nodeAuthKey: nodeAuthKey,
		conns:       make(map[string]*workerConn),
	}
}

// SetScheduler wires the scheduler this server reports dispatch/cancel
// acknowledgements to.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// workerConn is one live worker connection: a writer mutex (frames must
// not interleave) and the node ID assigned at registration.
type workerConn struct {
	nodeID  id.ID
	address string
	conn    net.Conn
	writeMu sync.Mutex
}

func (wc *workerConn) send(h Header, body any) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal %s body: %w", h.MsgType, err)
	}
	_ = wc.conn.SetWriteDeadline(time.Now().Add(ioDeadline))
	return WriteMessage(wc.conn, h, payload)
}

// Serve accepts worker connections on address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, address string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", address, err)
	}
	log.WithComponent("transport").Info().Str("address", address).Msg("worker transport listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("transport: accept failed: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(ioDeadline))
	h, body, err := ReadMessage(reader)
	if err != nil {
		log.WithComponent("transport").Warn().Err(err).Msg("failed to read registration frame")
		return
	}
	if h.MsgType != MsgRegisterNode {
		s.sendError(conn, h.CorrelationID, apierr.InvalidArgument, "first message must be RegisterNode")
		return
	}
	var reg RegisterNodeRequest
	if err := json.Unmarshal(body, &reg); err != nil {
		s.sendError(conn, h.CorrelationID, apierr.InvalidArgument, "malformed RegisterNode body")
		return
	}
	if err := auth.CheckNodeKey(s.nodeAuthKey, reg.NodeAuthKey); err != nil {
		s.sendError(conn, h.CorrelationID, apierr.Unauthenticated, err.Error())
		return
	}

	nodeID := s.registry.Register(registry.NodeInfo{
		Address:      reg.Address,
		Capabilities: reg.Capabilities,
		Capacity:     reg.Capacity,
	})
	metrics.WorkerRPCsTotal.WithLabelValues(string(MsgRegisterNode), "inbound").Inc()

	wc := &workerConn{nodeID: nodeID, address: reg.Address, conn: conn}
	s.mu.Lock()
	s.conns[reg.Address] = wc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conns[reg.Address] == wc {
			delete(s.conns, reg.Address)
		}
		s.mu.Unlock()
		s.registry.Deregister(nodeID)
	}()

	respBody, _ := json.Marshal(RegisterNodeResponse{NodeID: nodeID})
	_ = conn.SetWriteDeadline(time.Now().Add(ioDeadline))
	if err := WriteMessage(conn, Header{MsgType: MsgRegisterNode, CorrelationID: h.CorrelationID}, respBody); err != nil {
		log.WithComponent("transport").Warn().Err(err).Msg("failed to ack registration")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * registry.DefaultHeartbeatTimeout))
		h, body, err := ReadMessage(reader)
		if err != nil {
			log.WithComponent("transport").Info().Err(err).Str("node_id", nodeID.String()).Msg("worker connection closed")
			return
		}
		s.dispatchInbound(ctx, nodeID, h, body)
	}
}

func (s *Server) dispatchInbound(ctx context.Context, nodeID id.ID, h Header, body []byte) {
	metrics.WorkerRPCsTotal.WithLabelValues(string(h.MsgType), "inbound").Inc()
	switch h.MsgType {
	case MsgHeartbeat:
		var req HeartbeatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return
		}
		s.registry.Heartbeat(nodeID, req.InFlight)
	case MsgTaskEvent:
		var evt TaskEventMessage
		if err := json.Unmarshal(body, &evt); err != nil {
			return
		}
		s.handleTaskEvent(ctx, evt)
	case MsgTaskResponse:
		var resp TaskResponseMessage
		if err := json.Unmarshal(body, &resp); err != nil {
			return
		}
		if s.scheduler != nil {
			s.scheduler.AckCancel(ctx, resp.TaskID)
		}
	default:
		log.WithComponent("transport").Warn().Str("msg_type", string(h.MsgType)).Msg("unexpected inbound message type")
	}
}

// handleTaskEvent routes one worker-reported event into the store (state
// transitions), the metering aggregator (usage) and the event bus (log/
// progress, via the store's own StateChange publication for state events).
func (s *Server) handleTaskEvent(ctx context.Context, evt TaskEventMessage) {
	task := s.store.Get(evt.TaskID)
	if task == nil {
		return
	}

	// The worker's first event after dispatch confirms it picked the task
	// up; that's what drives Starting -> Running, not a separate
	// transport-level ack.
	if task.State == types.TaskStarting {
		if _, err := s.store.Transition(ctx, evt.TaskID, []types.TaskState{types.TaskStarting}, types.TaskRunning, store.Patch{}); err == nil {
			if s.scheduler != nil {
				s.scheduler.AckRunning(evt.TaskID)
			}
			task = s.store.Get(evt.TaskID)
		}
	}

	switch evt.Kind {
	case types.EventUsage:
		if evt.Usage != nil {
			s.metering.RecordUsage(evt.TaskID, *evt.Usage)
			_, _ = s.store.ApplyUsage(ctx, evt.TaskID, *evt.Usage)
		}
		s.bus.Publish(evt.TaskID, types.EventUsage, types.TaskUnspecified, evt.Data)
	case types.EventStateChange:
		s.applyTerminal(ctx, evt)
	case types.EventLog, types.EventProgress:
		// Log/progress lines don't touch the task record; they go straight
		// to the bus so SSE followers see them without a DB round trip.
		s.bus.Publish(evt.TaskID, evt.Kind, types.TaskUnspecified, evt.Data)
	}
}

func (s *Server) applyTerminal(ctx context.Context, evt TaskEventMessage) {
	switch evt.State {
	case types.TaskCompleted:
		_, err := s.store.Transition(ctx, evt.TaskID, []types.TaskState{types.TaskRunning}, types.TaskCompleted, store.Patch{PRURL: evt.PRURL})
		if err == nil {
			_ = s.metering.FlushTerminal(ctx, evt.TaskID)
		}
	case types.TaskFailed:
		msg := evt.Message
		if msg == "" {
			msg = "agent reported failure"
		}
		_, err := s.store.Transition(ctx, evt.TaskID, []types.TaskState{types.TaskRunning, types.TaskStarting}, types.TaskFailed, store.Patch{ErrorMessage: msg})
		if err == nil {
			_ = s.metering.FlushTerminal(ctx, evt.TaskID)
		}
	}
}

func (s *Server) sendError(conn net.Conn, correlationID string, code apierr.Code, message string) {
	body, _ := json.Marshal(ErrorResponseMessage{Code: string(code), Message: message})
	_ = conn.SetWriteDeadline(time.Now().Add(ioDeadline))
	_ = WriteMessage(conn, Header{MsgType: MsgErrorResponse, CorrelationID: correlationID}, body)
}

// Dispatch implements scheduler.Dispatcher: it writes a DispatchTask frame
// to the connection registered under nodeAddress.
func (s *Server) Dispatch(ctx context.Context, nodeAddress string, task *types.Task) error {
	wc, ok := s.connFor(nodeAddress)
	if !ok {
		return apierr.Newf(apierr.DispatchFailed, "no live connection for node address %s", nodeAddress)
	}
	msg := DispatchTaskMessage{
		TaskID:            task.ID,
		RepoURL:           task.RepoURL,
		Branch:            task.Branch,
		Prompt:            task.Prompt,
		GitHubToken:       task.GitHubToken,
		CreatePR:          task.CreatePR,
		PRTitle:           task.PRTitle,
		PRBody:            task.PRBody,
		EnvVars:           task.EnvVars,
		MaxIterations:     task.MaxIterations,
		CompletionPromise: task.CompletionPromise,
	}
	if err := wc.send(Header{MsgType: MsgDispatchTask, CorrelationID: id.New().String()}, msg); err != nil {
		return apierr.Wrap(apierr.DispatchFailed, "failed to write DispatchTask frame", err)
	}
	metrics.WorkerRPCsTotal.WithLabelValues(string(MsgDispatchTask), "outbound").Inc()
	return nil
}

// Cancel implements scheduler.Dispatcher: it writes a CancelTask frame to
// the connection registered under nodeAddress. The scheduler tracks its own
// ack timeout; this call only needs to deliver the frame.
func (s *Server) Cancel(ctx context.Context, nodeAddress string, taskID id.ID) error {
	wc, ok := s.connFor(nodeAddress)
	if !ok {
		return apierr.Newf(apierr.Internal, "no live connection for node address %s", nodeAddress)
	}
	if err := wc.send(Header{MsgType: MsgCancelTask, CorrelationID: id.New().String()}, CancelTaskMessage{TaskID: taskID}); err != nil {
		return apierr.Wrap(apierr.Internal, "failed to write CancelTask frame", err)
	}
	metrics.WorkerRPCsTotal.WithLabelValues(string(MsgCancelTask), "outbound").Inc()
	return nil
}

func (s *Server) connFor(address string) (*workerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wc, ok := s.conns[address]
	return wc, ok
}
