// Command marathon-worker runs on a fleet machine: it registers with the
// orchestrator's worker transport, advertises its capabilities and
// capacity, and executes dispatched tasks through the configured agent
// runner (an external black-box binary). It reconnects around
// transport.WorkerClient's long-lived RPC session on connection loss.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "marathon-worker",
	Short: "Marathon worker agent runner",
	RunE:  runWorker,
}

func init() {
	rootCmd.Flags().String("address", "", "this worker's own dial-back address, advertised at registration (required)")
	rootCmd.Flags().String("orchestrator", "127.0.0.1:7717", "orchestrator worker-transport address to register with")
	rootCmd.Flags().StringSlice("capabilities", []string{"claude-code"}, "capability tags this worker satisfies")
	rootCmd.Flags().Int("capacity", 1, "maximum concurrent tasks this worker accepts")
	rootCmd.Flags().String("agent-path", "", "path to the agent executable invoked per dispatched task (required)")
	rootCmd.Flags().String("workspace-root", "./marathon-worker-workspace", "scratch directory parent for per-task clones")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
}

func runWorker(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	address, _ := cmd.Flags().GetString("address")
	orchestrator, _ := cmd.Flags().GetString("orchestrator")
	capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
	capacity, _ := cmd.Flags().GetInt("capacity")
	agentPath, _ := cmd.Flags().GetString("agent-path")
	workspaceRoot, _ := cmd.Flags().GetString("workspace-root")

	if address == "" {
		return fmt.Errorf("marathon-worker: --address is required")
	}
	if agentPath == "" {
		return fmt.Errorf("marathon-worker: --agent-path is required")
	}
	nodeAuthKey := os.Getenv("NODE_AUTH_KEY")
	if nodeAuthKey == "" {
		return fmt.Errorf("marathon-worker: NODE_AUTH_KEY must be set")
	}

	runner := &transport.ExecRunner{AgentPath: agentPath, WorkspaceRoot: workspaceRoot}
	client := transport.NewWorkerClient(address, orchestrator, capabilities, capacity, nodeAuthKey, runner)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithComponent("worker").Info().
		Str("address", address).
		Str("orchestrator", orchestrator).
		Str("capabilities", strings.Join(capabilities, ",")).
		Msg("marathon-worker starting")

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			log.Info("marathon-worker shutting down")
			return nil
		}
		log.WithComponent("worker").Warn().Err(err).Dur("retry_in", backoff).Msg("lost connection to orchestrator, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
