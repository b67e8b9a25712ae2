package transport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cuemby/marathon/pkg/types"
)

// ExecRunner is the default Runner: it shells out to an external agent
// binary per dispatched task and relays its stdout lines as Log events,
// finishing with a Completed or Failed StateChange event. The agent itself
// is a black box; ExecRunner only knows its path and the environment
// contract it's invoked with.
type ExecRunner struct {
	// AgentPath is the executable invoked for each task, e.g. the path to
	// a `claude` CLI binary. Required.
	AgentPath string
	// WorkspaceRoot is the parent directory under which each task gets its
	// own scratch clone directory, named by TaskID.
	WorkspaceRoot string
}

// Run implements Runner by invoking AgentPath as a subprocess.
func (r *ExecRunner) Run(ctx context.Context, task DispatchTaskMessage) <-chan TaskEventMessage {
	out := make(chan TaskEventMessage, 16)
	go r.run(ctx, task, out)
	return out
}

func (r *ExecRunner) run(ctx context.Context, task DispatchTaskMessage, out chan<- TaskEventMessage) {
	defer close(out)

	workDir := filepath.Join(r.WorkspaceRoot, task.TaskID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventStateChange, State: types.TaskFailed, Message: fmt.Sprintf("failed to create workspace: %v", err)}
		return
	}

	args := []string{
		"--repo", task.RepoURL,
		"--branch", task.Branch,
		"--prompt", task.Prompt,
		"--max-iterations", fmt.Sprintf("%d", task.MaxIterations),
	}
	if task.CreatePR {
		args = append(args, "--pr")
		if task.PRTitle != "" {
			args = append(args, "--pr-title", task.PRTitle)
		}
		if task.PRBody != "" {
			args = append(args, "--pr-body", task.PRBody)
		}
	}
	cmd := exec.CommandContext(ctx, r.AgentPath, args...)
	cmd.Dir = workDir
	cmd.Env = buildAgentEnv(task)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventStateChange, State: types.TaskFailed, Message: fmt.Sprintf("failed to attach agent stdout: %v", err)}
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventStateChange, State: types.TaskFailed, Message: fmt.Sprintf("failed to start agent: %v", err)}
		return
	}

	// First event confirms pickup to the orchestrator.
	out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventProgress, Message: "agent process started"}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventLog, Data: []byte(scanner.Text())}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return // cancelled: the scheduler already transitions to Cancelled
		}
		out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventStateChange, State: types.TaskFailed, Message: fmt.Sprintf("agent exited with error: %v", err)}
		return
	}

	out <- TaskEventMessage{TaskID: task.TaskID, Kind: types.EventStateChange, State: types.TaskCompleted}
}

// buildAgentEnv constructs the minimal explicit environment passed to the
// agent subprocess: the worker's HOME and PATH, the task's GitHub token and
// completion promise (as MARATHON_COMPLETION_PROMISE), and the task's own
// env_vars, never the worker process's full ambient environment.
func buildAgentEnv(task DispatchTaskMessage) []string {
	env := []string{
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + os.Getenv("PATH"),
	}
	if task.GitHubToken != "" {
		env = append(env, "GITHUB_TOKEN="+task.GitHubToken)
	}
	if task.CompletionPromise != "" {
		env = append(env, "MARATHON_COMPLETION_PROMISE="+task.CompletionPromise)
	}
	for _, kv := range task.EnvVars {
		env = append(env, kv.Key+"="+kv.Value)
	}
	return env
}
