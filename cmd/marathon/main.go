// Command marathon is the client CLI: submit, status, cancel and usage
// against a marathond gateway, with an SSE follow mode for submit. It's a
// verb-per-resource command tree built on pkg/client's bearer-JWT HTTP
// wrapper. Exit codes: 0 success, 1 usage error, 2 server error, 3
// connection error.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/marathon/pkg/client"
	"github.com/cuemby/marathon/pkg/types"
)

const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitServerError = 2
	exitConnError   = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "marathon",
	Short:         "Marathon CLI: submit and track autonomous coding agent runs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "marathond gateway address")
	rootCmd.PersistentFlags().String("token", "", "bearer token (falls back to $MARATHON_TOKEN)")

	rootCmd.AddCommand(registerCmd, loginCmd, submitCmd, statusCmd, cancelCmd, usageCmd)

	submitCmd.Flags().String("repo", "", "repository URL to work against (required)")
	submitCmd.Flags().String("branch", "main", "branch to check out")
	submitCmd.Flags().String("prompt", "", "task prompt for the agent (required)")
	submitCmd.Flags().Bool("pr", false, "open a pull request on completion")
	submitCmd.Flags().String("pr-title", "", "pull request title")
	submitCmd.Flags().String("pr-body", "", "pull request body")
	submitCmd.Flags().StringArrayP("env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	submitCmd.Flags().Int("max-iterations", 50, "maximum agent iterations")
	submitCmd.Flags().String("completion-promise", "", "opaque completion-promise payload forwarded to the agent")
	submitCmd.Flags().BoolP("follow", "f", false, "stream task events to stdout until the task finishes")

	registerCmd.Flags().String("username", "", "account username (required)")
	registerCmd.Flags().String("password", "", "account password (required)")
	loginCmd.Flags().String("username", "", "account username (required)")
	loginCmd.Flags().String("password", "", "account password (required)")
}

// cliError carries an explicit exit code alongside the message printed to
// stderr, so main doesn't have to re-classify errors bubbled out of cobra.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitServerError
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("MARATHON_TOKEN")
	}
	c := client.New(server)
	if token != "" {
		c.SetToken(token)
	}
	return c
}

// classify turns a pkg/client transport/RPC error into the usage-error vs
// server-error vs connection-error exit code.
func classify(err error) *cliError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "request failed:"), strings.Contains(msg, "failed to open event stream"):
		return &cliError{code: exitConnError, err: err}
	case strings.Contains(msg, "InvalidArgument"), strings.Contains(msg, "Unauthenticated"), strings.Contains(msg, "PermissionDenied"):
		return &cliError{code: exitUsageError, err: err}
	default:
		return &cliError{code: exitServerError, err: err}
	}
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if username == "" || password == "" {
			return &cliError{code: exitUsageError, err: fmt.Errorf("--username and --password are required")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		resp, err := newClient(cmd).Register(ctx, username, password)
		if err != nil {
			return classify(err)
		}
		fmt.Printf("registered. token=%s api_key=%s\n", resp.Token, resp.APIKey)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and print a bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if username == "" || password == "" {
			return &cliError{code: exitUsageError, err: fmt.Errorf("--username and --password are required")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		resp, err := newClient(cmd).Login(ctx, username, password)
		if err != nil {
			return classify(err)
		}
		fmt.Printf("token=%s\n", resp.Token)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	repo, _ := cmd.Flags().GetString("repo")
	branch, _ := cmd.Flags().GetString("branch")
	prompt, _ := cmd.Flags().GetString("prompt")
	createPR, _ := cmd.Flags().GetBool("pr")
	prTitle, _ := cmd.Flags().GetString("pr-title")
	prBody, _ := cmd.Flags().GetString("pr-body")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	completionPromise, _ := cmd.Flags().GetString("completion-promise")
	follow, _ := cmd.Flags().GetBool("follow")

	if repo == "" || prompt == "" {
		return &cliError{code: exitUsageError, err: fmt.Errorf("--repo and --prompt are required")}
	}

	envVars := make([]types.EnvVar, 0, len(envPairs))
	for _, pair := range envPairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return &cliError{code: exitUsageError, err: fmt.Errorf("malformed -e value %q: want KEY=VALUE", pair)}
		}
		envVars = append(envVars, types.EnvVar{Key: key, Value: value})
	}

	req := types.SubmitTaskRequest{
		RepoURL:           repo,
		Branch:            branch,
		Prompt:            prompt,
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		CreatePR:          createPR,
		PRTitle:           prTitle,
		PRBody:            prBody,
		EnvVars:           envVars,
		MaxIterations:     maxIterations,
		CompletionPromise: completionPromise,
	}

	c := newClient(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	task, err := c.SubmitTask(ctx, req)
	cancel()
	if err != nil {
		return classify(err)
	}
	fmt.Printf("submitted task %s (state=%s)\n", task.ID, task.State)

	if !follow {
		return nil
	}
	return followTask(c, task.ID.String())
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's status, or list all tasks if task-id is omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()

		if len(args) == 0 {
			tasks, err := c.ListTasks(ctx, "")
			if err != nil {
				return classify(err)
			}
			for _, task := range tasks {
				printTaskSummary(task)
			}
			return nil
		}

		task, err := c.GetTask(ctx, args[0])
		if err != nil {
			return classify(err)
		}
		printTaskSummary(task)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		if err := newClient(cmd).CancelTask(ctx, args[0]); err != nil {
			return classify(err)
		}
		fmt.Printf("cancel requested for task %s\n", args[0])
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show rolling usage totals for the authenticated account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		usage, err := newClient(cmd).GetUsage(ctx)
		if err != nil {
			return classify(err)
		}
		fmt.Printf("input_tokens=%d output_tokens=%d compute_time_ms=%d tool_calls=%d\n",
			usage.InputTokens, usage.OutputTokens, usage.ComputeTimeMs, usage.ToolCalls)
		return nil
	},
}

func printTaskSummary(task *types.Task) {
	fmt.Printf("%s  %-10s  %s\n", task.ID, task.State, task.RepoURL)
	if task.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", task.ErrorMessage)
	}
	if task.PRURL != "" {
		fmt.Printf("  pr: %s\n", task.PRURL)
	}
}

// followTask streams events for taskID: every state change and event is
// printed as it arrives, with the error message on Failed and the PR URL
// on Completed.
func followTask(c *client.Client, taskID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
	defer cancel()

	events, err := c.StreamEvents(ctx, taskID, 0)
	if err != nil {
		return classify(err)
	}

	for event := range events {
		switch event.Kind {
		case types.EventStateChange:
			fmt.Printf("[%s] state -> %s\n", event.Timestamp.Format(time.RFC3339), event.State)
			if event.State == types.TaskFailed {
				task, getErr := c.GetTask(ctx, taskID)
				if getErr == nil && task.ErrorMessage != "" {
					fmt.Printf("error: %s\n", task.ErrorMessage)
				}
				return &cliError{code: exitServerError, err: fmt.Errorf("task failed")}
			}
			if event.State == types.TaskCompleted {
				task, getErr := c.GetTask(ctx, taskID)
				if getErr == nil && task.PRURL != "" {
					fmt.Printf("pr: %s\n", task.PRURL)
				}
				return nil
			}
			if event.State == types.TaskCancelled {
				return nil
			}
		case types.EventLog:
			fmt.Printf("[%s] %s\n", event.Timestamp.Format(time.RFC3339), string(event.Data))
		case types.EventProgress, types.EventUsage:
			fmt.Printf("[%s] %s: %s\n", event.Timestamp.Format(time.RFC3339), event.Kind, string(event.Data))
		}
		if event.Gap != nil {
			fmt.Printf("(missed events %d..%d)\n", event.Gap.From, event.Gap.To)
		}
	}
	return nil
}
