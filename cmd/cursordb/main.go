package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kartikbazzad/cursordb/internal/api"
	"github.com/kartikbazzad/cursordb/internal/config"
	"github.com/kartikbazzad/cursordb/internal/ipc"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/server"
)

func main() {
	listenAddr := flag.String("listen", "", "HTTP listen address (default :8529)")
	socketPath := flag.String("socket", "", "Unix socket path for the IPC server")
	enableIPC := flag.Bool("ipc", false, "Enable the IPC server")
	batchSize := flag.Int("batch-size", 0, "Default cursor batch size (0 = built-in default)")
	ttl := flag.Duration("ttl", 0, "Default cursor ttl (0 = built-in default)")
	cacheMode := flag.String("cache-mode", "", "Query result cache mode: off, on or demand")
	maxResults := flag.Int("cache-max-results", 0, "Maximum number of cached query results")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
		cfg.IPC.Enable = true
	}
	if *enableIPC {
		cfg.IPC.Enable = true
	}
	if *batchSize > 0 {
		cfg.Cursor.DefaultBatchSize = *batchSize
	}
	if *ttl > 0 {
		cfg.Cursor.DefaultTTL = *ttl
	}
	if *cacheMode != "" {
		cfg.Cache.Mode = *cacheMode
	}
	if *maxResults > 0 {
		cfg.Cache.MaxResults = *maxResults
	}

	logr := logger.Default()
	logr.SetLevel(logger.ParseLevel(*logLevel))

	logr.Info("Starting cursordb...")
	logr.Info("HTTP: %s", cfg.HTTP.ListenAddr)
	logr.Info("Cursor defaults: batchSize=%d ttl=%s", cfg.Cursor.DefaultBatchSize, cfg.Cursor.DefaultTTL)
	logr.Info("Result cache: mode=%s maxResults=%d", cfg.Cache.Mode, cfg.Cache.MaxResults)

	core, err := api.New(cfg, logr, nil)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	core.Start()

	httpSrv := server.NewServer(cfg, logr.Component("http"), core)
	go func() {
		if err := httpSrv.Start(); err != nil {
			logr.Error("HTTP server exited: %v", err)
		}
	}()

	var ipcSrv *ipc.Server
	if cfg.IPC.Enable {
		ipcSrv = ipc.NewServer(cfg, logr.Component("ipc"), core)
		if err := ipcSrv.Start(); err != nil {
			log.Fatalf("Failed to start IPC server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logr.Info("Shutting down...")

	if ipcSrv != nil {
		if err := ipcSrv.Stop(); err != nil {
			logr.Error("Error stopping IPC server: %v", err)
		}
	}
	if err := httpSrv.Stop(); err != nil {
		logr.Error("Error stopping HTTP server: %v", err)
	}
	core.Stop()

	logr.Info("cursordb stopped")
	os.Exit(0)
}
