package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tokspider/tokspider/internal/buildinfo"
	"github.com/tokspider/tokspider/internal/config"
	"github.com/tokspider/tokspider/internal/netns"
	"github.com/tokspider/tokspider/internal/probe"
	"github.com/tokspider/tokspider/internal/proxypool"
	"github.com/tokspider/tokspider/internal/scheduler"
	"github.com/tokspider/tokspider/internal/session"
	"github.com/tokspider/tokspider/internal/store"
	"github.com/tokspider/tokspider/internal/subscription"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	log.Printf("tokspider %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 2. Open the database and recover stale leases
	st, err := store.Open(envCfg.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.ClearProxyUsageFlags(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 3. Provision the namespace pool; one namespace per session slot
	provisioner := netns.NewProvisioner(netns.NewLinuxOps(), envCfg.MaxSessions)
	if err := provisioner.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: namespace setup: %v\n", err)
		os.Exit(1)
	}
	defer provisioner.Teardown()
	if provisioner.Count() == 0 {
		fmt.Fprintln(os.Stderr, "fatal: no namespaces could be provisioned")
		os.Exit(1)
	}

	// 4. Subscriptions: populate the proxy table and forwarder config
	refresher, err := subscription.New(subscription.Config{
		Store:     st,
		Schedule:  envCfg.SubscriptionSchedule,
		BasePort:  envCfg.SubscriptionBasePort,
		ConfigDir: envCfg.ForwarderConfigDir,
		Timeout:   envCfg.SubscriptionTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := refresher.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer refresher.Stop()

	// 5. Latency probe
	prober, err := probe.New(probe.Config{
		Store:        st,
		Schedule:     envCfg.ProbeSchedule,
		InitialDelay: envCfg.ProbeInitialDelay,
		Concurrency:  envCfg.ProbeConcurrency,
		Budget:       envCfg.ProbeTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	if err := prober.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer prober.Stop()

	// 6. Session pool over namespaces + proxies + child processes
	registry := proxypool.NewRegistry(proxypool.Config{
		Store:         st,
		AllowUnprobed: envCfg.AllowUnprobedProxies,
	})
	manager := session.NewManager(session.Config{
		Pool:           provisioner,
		Proxies:        registry,
		MaxSessions:    envCfg.MaxSessions,
		SessionTimeout: envCfg.SessionTimeout,
		ChildCommand:   envCfg.ChildCommand,
	})
	manager.Start(ctx)
	defer manager.Close()

	// 7. Scheduler drives the scrape loop until shutdown
	sched := scheduler.New(scheduler.Config{
		Store:                st,
		Sessions:             manager,
		Proxies:              registry,
		Workers:              envCfg.MaxSessions,
		SendTimeout:          envCfg.SessionTimeout,
		Cooldown:             envCfg.TaskCooldown,
		IdleDelay:            envCfg.SweepIdleDelay,
		EmptyResponsePenalty: envCfg.EmptyResponsePenalty,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(runCtx)
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	cancel()
	<-done
	log.Println("Scheduler stopped")
}
