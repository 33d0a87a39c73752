// Command sandboxd is the control plane: it owns the durable Raft-backed
// command log, drives the sandbox lifecycle scheduler and pool maintenance,
// and serves the inbound host-status callback and the operator-facing
// admin API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sandboxd/pkg/api"
	"github.com/cuemby/sandboxd/pkg/callback"
	"github.com/cuemby/sandboxd/pkg/config"
	"github.com/cuemby/sandboxd/pkg/controlplane"
	"github.com/cuemby/sandboxd/pkg/hostgw"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/pool"
	"github.com/cuemby/sandboxd/pkg/sandboxsetup"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/sourcehost"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "Control plane for ephemeral, per-session development sandboxes",
	Version: "dev",
	RunE:    runServe,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	config.BindFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.InitLogging(cfg)

	mgr, err := controlplane.NewManager(&controlplane.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("create control plane manager: %w", err)
	}
	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap raft group: %w", err)
	}

	hostClient := hostgw.NewClient(hostgw.Config{
		BaseURL:      cfg.Host.BaseURL,
		SharedSecret: cfg.Host.SharedSecret,
		RetryMax:     cfg.Host.RetryMax,
		RetryWaitMin: cfg.Host.RetryWaitMin,
		RetryWaitMax: cfg.Host.RetryWaitMax,
	})

	poolMgr := pool.New(mgr, hostClient, pool.Config{
		GenericTarget:      cfg.Pool.GenericTarget,
		GenericMin:         cfg.Pool.GenericMin,
		GenericMaxCreating: cfg.Pool.GenericMaxCreating,
		RepoTarget:         cfg.Pool.RepoTarget,
		HotRepoWindow:      cfg.Pool.HotRepoWindow,
		MaxCreating:        cfg.Pool.MaxCreating,
		StaleAssignedAfter: cfg.Pool.StaleAssignedAfter,
	})

	oauthCfg := sourcehost.NewOAuthConfig(cfg.SourceHost.ClientID, cfg.SourceHost.ClientSecret, cfg.SourceHost.RedirectURL, []string{"repo"})
	branchResolver := sourcehost.NewResolver(mgr, oauthCfg)
	setupCoordinator := sandboxsetup.New(mgr, hostClient, branchResolver, sandboxsetup.Config{
		CallbackBaseURL: cfg.CallbackBaseURL,
	})

	lifecycleRunner := scheduler.New(mgr, hostClient, setupCoordinator, scheduler.Config{
		BatchSize:          cfg.Sched.BatchSize,
		CreatingTimeout:    cfg.Sched.CreatingTimeout,
		CloningTimeout:     cfg.Sched.CloningTimeout,
		InstallingTimeout:  cfg.Sched.InstallingTimeout,
		StartingTimeout:    cfg.Sched.StartingTimeout,
		HeartbeatWarning:   cfg.Sched.HeartbeatWarning,
		HeartbeatStop:      cfg.Sched.HeartbeatStop,
		DestroyedRetention: cfg.Sched.DestroyedRetention,
	})

	// Pool replenishment and GC tick on the same Task/Runner machinery the
	// lifecycle scheduler uses, just under a separate Runner so triggering
	// one set of tasks from the admin API never touches the other's cadence.
	poolRunner := scheduler.NewRunner([]scheduler.Task{
		{Name: "pool-replenish", Interval: 10 * time.Second, Fn: poolMgr.Replenish},
		{Name: "pool-gc", Interval: 30 * time.Second, Fn: poolMgr.GC},
	})

	callbackSrv := callback.New(mgr)
	apiSrv := api.New(mgr, poolMgr, lifecycleRunner, setupCoordinator, cfg.APIAdminSecret)
	metricsCollector := controlplane.NewMetricsCollector(mgr)

	lifecycleRunner.Start()
	poolRunner.Start()
	metricsCollector.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := callbackSrv.Listen(cfg.CallbackAddr); err != nil {
			errCh <- fmt.Errorf("callback server: %w", err)
		}
	}()
	go func() {
		if err := apiSrv.Listen(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("admin api server: %w", err)
		}
	}()

	log.Info(fmt.Sprintf("sandboxd node %s listening: callback=%s api=%s raft=%s",
		cfg.NodeID, cfg.CallbackAddr, cfg.APIAddr, cfg.BindAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("sandboxd shutting down")
	case err := <-errCh:
		log.Error(err.Error())
	}

	metricsCollector.Stop()
	poolRunner.Stop()
	lifecycleRunner.Stop()
	if err := callbackSrv.Shutdown(); err != nil {
		log.Error(fmt.Sprintf("callback server shutdown: %v", err))
	}
	if err := apiSrv.Shutdown(); err != nil {
		log.Error(fmt.Sprintf("admin api server shutdown: %v", err))
	}
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutdown control plane manager: %w", err)
	}

	return nil
}
