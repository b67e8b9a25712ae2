package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_StoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		_ = json.NewEncoder(w).Encode(authResponse{Success: true, Token: "tok-1", Message: "logged in"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", resp.Token)
	assert.Equal(t, "tok-1", c.token)
}

func TestSubmitTask_SendsBearerToken(t *testing.T) {
	taskID := id.New()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		_ = json.NewEncoder(w).Encode(types.Task{ID: taskID, State: types.TaskQueued})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("tok-1")
	task, err := c.SubmitTask(context.Background(), types.SubmitTaskRequest{RepoURL: "https://example.com/r.git", Prompt: "do it"})
	require.NoError(t, err)
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestDo_ErrorResponseIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "NotFound", "message": "task not found"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetTask(context.Background(), id.New().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
	assert.Contains(t, err.Error(), "task not found")
}

func TestCancelTask_NoBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.CancelTask(context.Background(), id.New().String())
	require.NoError(t, err)
}

func TestStreamEvents_DecodesDataLines(t *testing.T) {
	taskID := id.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 2; i++ {
			event := types.TaskEvent{TaskID: taskID, Sequence: uint64(i + 1), Kind: types.EventLog, Data: []byte(fmt.Sprintf("line-%d", i))}
			payload, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.StreamEvents(ctx, taskID.String(), 0)
	require.NoError(t, err)

	var got []types.TaskEvent
	for event := range events {
		got = append(got, event)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "line-0", string(got[0].Data))
	assert.Equal(t, "line-1", string(got[1].Data))
}
