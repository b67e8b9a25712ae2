// Handlers for every echo route registered in New: auth, task
// submission/listing/cancellation, usage, and SSE event streaming. Split
// from gateway.go the way 88lin-divinesense keeps router wiring and handler
// bodies in separate files within the same package.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cuemby/marathon/pkg/apierr"
	"github.com/cuemby/marathon/pkg/auth"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.InvalidArgument, "malformed request body", err))
	}
	if req.Username == "" || req.Password == "" {
		return writeAPIErr(c, apierr.New(apierr.InvalidArgument, "username and password are required"))
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.Internal, "failed to hash password", err))
	}

	user := &types.User{
		ID:           id.New(),
		Username:     req.Username,
		PasswordHash: hash,
		APIKey:       id.New().String(),
	}
	if err := s.users.CreateUser(c.Request().Context(), user); err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.Internal, "failed to create user", err))
	}

	token, err := s.issuer.Issue(user.ID, user.Username)
	if err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.Internal, "failed to issue token", err))
	}
	return c.JSON(http.StatusOK, authResponse{Success: true, Token: token, APIKey: user.APIKey, Message: "registered"})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.InvalidArgument, "malformed request body", err))
	}

	user, err := s.users.GetUserByUsername(c.Request().Context(), req.Username)
	if err != nil || user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		return writeAPIErr(c, apierr.New(apierr.Unauthenticated, "invalid username or password"))
	}

	token, err := s.issuer.Issue(user.ID, user.Username)
	if err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.Internal, "failed to issue token", err))
	}
	return c.JSON(http.StatusOK, authResponse{Success: true, Token: token, APIKey: user.APIKey, Message: "logged in"})
}

// handleSubmitTask implements POST /tasks: create in the task store, then
// register the task with the metering aggregator so its first Usage event
// has somewhere to land, then enqueue it on the scheduler.
func (s *Server) handleSubmitTask(c echo.Context) error {
	var req types.SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return writeAPIErr(c, apierr.Wrap(apierr.InvalidArgument, "malformed request body", err))
	}
	if req.RepoURL == "" || req.Prompt == "" {
		return writeAPIErr(c, apierr.New(apierr.InvalidArgument, "repo_url and prompt are required"))
	}

	userID := callerID(c)
	task, err := s.store.Create(c.Request().Context(), userID, req)
	if err != nil {
		return writeAPIErr(c, err)
	}

	s.metering.RegisterTask(task.ID, userID)
	s.sched.Enqueue(task.ID)
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) handleListTasks(c echo.Context) error {
	filter := types.ListFilter{UserID: callerID(c), Limit: 100}
	if state := c.QueryParam("state"); state != "" {
		filter.State = types.TaskState(state)
	}
	if cursor := c.QueryParam("cursor"); cursor != "" {
		parsed, err := id.Parse(cursor)
		if err != nil {
			return writeAPIErr(c, apierr.Wrap(apierr.InvalidArgument, "malformed cursor", err))
		}
		filter.CursorAfter = &parsed
	}
	return c.JSON(http.StatusOK, s.store.List(filter))
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return writeAPIErr(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return writeAPIErr(c, err)
	}
	if err := s.sched.Cancel(c.Request().Context(), task.ID); err != nil {
		return writeAPIErr(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (s *Server) handleUsage(c echo.Context) error {
	usage, _ := s.metering.GetUserUsage(callerID(c))
	return c.JSON(http.StatusOK, usage)
}

// handleStreamEvents streams a task's events as server-sent events: each
// data line is the raw types.TaskEvent, JSON-encoded by writeSSEEvent.
func (s *Server) handleStreamEvents(c echo.Context) error {
	task, err := s.ownedTask(c)
	if err != nil {
		return writeAPIErr(c, err)
	}

	fromSeq := uint64(0)
	if cursor := c.QueryParam("from_sequence"); cursor != "" {
		var parsed uint64
		if _, scanErr := fmt.Sscanf(cursor, "%d", &parsed); scanErr == nil {
			fromSeq = parsed
		}
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(task.ID, fromSeq)
	defer s.bus.Unsubscribe(sub)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(resp, event); err != nil {
				return nil
			}
			resp.Flush()
			if event.Kind == types.EventStateChange && event.State.Terminal() {
				_ = writeSSEComment(resp, "terminal")
				resp.Flush()
				return nil
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event types.TaskEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
	return err
}

func writeSSEComment(w http.ResponseWriter, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// ownedTask loads the task named by the :id path param and enforces that it
// belongs to the caller.
func (s *Server) ownedTask(c echo.Context) (*types.Task, error) {
	taskID, err := id.Parse(c.Param("id"))
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidArgument, "malformed task id", err)
	}
	task := s.store.Get(taskID)
	if task == nil {
		return nil, apierr.Newf(apierr.NotFound, "task %s not found", taskID)
	}
	if task.UserID != callerID(c) {
		return nil, apierr.New(apierr.PermissionDenied, "task belongs to another user")
	}
	return task, nil
}
