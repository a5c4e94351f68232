package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"excelmcpd/internal/comexcel"
	"excelmcpd/internal/config"
	"excelmcpd/internal/ipc"
	"excelmcpd/internal/obslog"
	"excelmcpd/internal/registry"
	"excelmcpd/internal/router"
	"excelmcpd/internal/session"
	"excelmcpd/internal/supervisor"
	"excelmcpd/internal/watchdog"
)

func main() {
	if err := obslog.InitializeFromFile("logger-config.json"); err != nil {
		obslog.InitializeWithDefaults(obslog.INFO)
		fmt.Printf("[INIT] warning: could not load logger config: %v\n", err)
	}
	logger := obslog.Get()
	defer logger.Close()

	logger.Info(obslog.ComponentApp, "daemon starting")

	defer func() {
		if r := recover(); r != nil {
			logger.Fatal(obslog.ComponentApp, fmt.Sprintf("recovered panic: %v", r))
		}
	}()

	cfg, err := config.Load("config.json")
	if err != nil {
		logger.Warnf(obslog.ComponentConfig, "using default configuration: %v", err)
		cfg = config.Defaults()
	}
	if lvl, ok := config.ParseLevel(cfg.LogLevel); ok {
		logger.SetLevel(lvl)
	}
	watcher := config.WatchLogLevel("config.json")
	defer watcher.Close()

	sessions := session.NewManager(comexcel.Factory(comexcel.NewOLEApp), cfg.DefaultOperationTimeout)
	commands := registry.New(comexcel.Factory(comexcel.NewOLEApp))

	ctx, cancel := context.WithCancel(context.Background())

	r := router.New(sessions, commands, cancel)

	wd := watchdog.New(sessions, cfg.IdleTimeout, cancel)
	go wd.Start()
	defer wd.Stop()

	endpointName := cfg.PipeName
	if endpointName == "" {
		endpointName, err = ipc.EndpointName()
		if err != nil {
			logger.Fatal(obslog.ComponentIPC, fmt.Sprintf("resolving IPC endpoint: %v", err))
			os.Exit(1)
		}
	}
	listener, err := ipc.Listen(endpointName)
	if err != nil {
		logger.Fatal(obslog.ComponentIPC, fmt.Sprintf("binding IPC endpoint %s: %v", endpointName, err))
		os.Exit(1)
	}

	if err := supervisor.WritePIDFile(); err != nil {
		logger.Warnf(obslog.ComponentSupervisor, "could not write pidfile: %v", err)
	}
	defer supervisor.RemovePIDFile()

	server := ipc.NewServer(listener, r.Handle, wd, cfg.MaxConnections)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof(obslog.ComponentApp, "received signal %v, shutting down", sig)
		case <-r.ShutdownRequested():
			logger.Info(obslog.ComponentApp, "shutdown requested over RPC")
		}
		cancel()
	}()

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	logger.Infof(obslog.ComponentIPC, "listening on %s", endpointName)
	if err := server.Serve(ctx); err != nil {
		logger.Errorf(obslog.ComponentIPC, "accept loop aborted: %v", err)
		sessions.Shutdown()
		os.Exit(1)
	}

	sessions.Shutdown()
	logger.Info(obslog.ComponentApp, "daemon stopped")
}
