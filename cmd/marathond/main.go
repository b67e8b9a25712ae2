// Command marathond is the orchestrator process: the node registry,
// scheduler, task store and event bus, fronted by the worker-facing
// transport and the client-facing HTTP gateway. It's a single
// long-running daemon with no subcommands of its own, just a root command
// plus persistent flags; logging is set up at the start of RunE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/marathon/pkg/auth"
	"github.com/cuemby/marathon/pkg/config"
	"github.com/cuemby/marathon/pkg/crypto"
	"github.com/cuemby/marathon/pkg/events"
	"github.com/cuemby/marathon/pkg/gateway"
	"github.com/cuemby/marathon/pkg/id"
	"github.com/cuemby/marathon/pkg/log"
	"github.com/cuemby/marathon/pkg/metering"
	"github.com/cuemby/marathon/pkg/recovery"
	"github.com/cuemby/marathon/pkg/registry"
	"github.com/cuemby/marathon/pkg/scheduler"
	"github.com/cuemby/marathon/pkg/storage"
	"github.com/cuemby/marathon/pkg/store"
	"github.com/cuemby/marathon/pkg/transport"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "marathond",
	Short:   "Marathon orchestrator daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	config.BindFlags(rootCmd)
	rootCmd.Flags().String("gateway-address", "0.0.0.0:8080", "address the client-facing HTTP gateway binds to")
	rootCmd.SetVersionTemplate(fmt.Sprintf("marathond %s (%s)\n", Version, Commit))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat != "console"})

	gatewayAddress, _ := cmd.Flags().GetString("gateway-address")
	workerAddress := fmt.Sprintf("%s:%d", cfg.OrchestratorAddress, cfg.OrchestratorPort)

	var db *storage.DB
	if cfg.PostgresURL != "" {
		opened, err := storage.Open(cfg.PostgresURL, storage.DefaultPoolConfig())
		if err != nil {
			return fmt.Errorf("marathond: failed to open postgres: %w", err)
		}
		defer opened.Close()
		if err := opened.Migrate(context.Background()); err != nil {
			return fmt.Errorf("marathond: failed to run migrations: %w", err)
		}
		db = opened
		log.Info("connected to postgres, persistence enabled")
	} else {
		log.Info("POSTGRES_URL not set, persistence disabled")
	}

	var sealer *crypto.Box
	if cfg.JWTSecret != "" {
		box, err := crypto.NewBox(cfg.JWTSecret)
		if err != nil {
			return fmt.Errorf("marathond: failed to build secret box: %w", err)
		}
		sealer = box
	}

	bus := events.NewBus()
	defer bus.Stop()

	storeOpts := []store.Option{}
	if db != nil {
		storeOpts = append(storeOpts, store.WithPersister(db))
	}
	if sealer != nil {
		storeOpts = append(storeOpts, store.WithSecretSealer(sealer))
	}
	st := store.New(bus, storeOpts...)

	var metPersister metering.Persister
	if db != nil {
		metPersister = db
	}
	met := metering.New(metPersister)

	// The registry's dead-node handler and the scheduler it drives are
	// mutually dependent: the registry holds a closure over a forward
	// declaration, assigned once the scheduler is built. The registry's
	// sweeper already runs by then; the closure ignores dead-node reports
	// while sched is still nil.
	var sched *scheduler.Scheduler
	reg := registry.New(
		registry.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		registry.WithSweepInterval(cfg.SweepInterval),
		registry.WithDeadNodeHandler(func(nodeID id.ID) {
			if sched != nil {
				sched.OnNodeDead(nodeID)
			}
		}),
	)
	defer reg.Stop()

	workerSrv := transport.NewServer(reg, st, met, bus, cfg.NodeAuthKey)

	sched = scheduler.New(reg, st, workerSrv,
		scheduler.WithMaxRetries(cfg.MaxRetries),
		scheduler.WithDispatchAckTimeout(cfg.DispatchAckTimeout),
		scheduler.WithCancelAckTimeout(cfg.CancelAckTimeout),
		scheduler.WithHeadBlockSkip(cfg.HeadBlockSkip),
	)
	workerSrv.SetScheduler(sched)
	sched.Start()
	defer sched.Stop()

	if cfg.JWTSecret == "" {
		return fmt.Errorf("marathond: JWT_SECRET is required to issue client tokens")
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, 0)
	if err != nil {
		return fmt.Errorf("marathond: failed to build token issuer: %w", err)
	}

	var users gateway.UserStore
	if db != nil {
		users = db
	} else {
		return fmt.Errorf("marathond: POSTGRES_URL is required (the gateway needs a durable user store)")
	}
	gw := gateway.New(st, sched, bus, met, users, issuer)

	if db != nil {
		loader := recovery.New(db, st, met, sched, sealer)
		recoveryCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := loader.Run(recoveryCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("marathond: startup recovery failed: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return workerSrv.Serve(groupCtx, workerAddress)
	})
	group.Go(func() error {
		return gw.Start(groupCtx, gatewayAddress)
	})

	log.WithComponent("marathond").Info().
		Str("worker_address", workerAddress).
		Str("gateway_address", gatewayAddress).
		Msg("marathond started")

	if err := group.Wait(); err != nil && groupCtx.Err() == nil {
		return fmt.Errorf("marathond: %w", err)
	}
	log.Info("marathond shutting down")
	return nil
}
