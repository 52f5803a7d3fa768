package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/spf13/pflag"

	"devkitd/api"
	"devkitd/config"
	"devkitd/logger"
	"devkitd/service"
	"devkitd/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devkitd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		dataDir    string
		debug      bool
	)

	flagSet := pflag.NewFlagSet("devkitd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML configuration (default: $"+config.EnvConfigPath+")")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address")
	flagSet.StringVar(&dataDir, "data-dir", "", "directory holding the device database")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if debug {
		cfg.Log.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCloser, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logCloser.Close()

	log := logger.WithComponent("main")
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting devkit service")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another instance is using %s", cfg.DataDir)
	}
	defer lock.Unlock()

	db, err := config.InitDatabase(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	registry := service.NewDeviceRegistry(db, logger.WithComponent("registry"))
	if err := registry.Load(); err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	manifests := service.NewManifestStore(db)
	dialer := transport.NewSSHDialer(transport.SSHOptions{
		User:            cfg.SSH.User,
		Port:            cfg.SSH.Port,
		KeyPath:         cfg.SSH.KeyPath,
		ConnectTimeout:  cfg.SSH.ConnectTimeout,
		ParallelUploads: cfg.Deploy.ParallelUploads,
		Store:           manifests,
		Logger:          logger.WithComponent("transport"),
	})
	sessions := service.NewSessionManager(registry, dialer, logger.WithComponent("sessions"))

	commands, err := service.NewCommands(cfg.Deploy)
	if err != nil {
		return err
	}
	pipeline := service.NewPipeline(sessions, registry, commands, cfg.Deploy, logger.WithComponent("pipeline"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsHub := api.NewWebSocketHub(logger.WithComponent("websocket"))
	go wsHub.Run(ctx)

	dispatcher := service.NewDispatcher(registry, pipeline, wsHub, service.DispatcherOptions{
		LogLines:   cfg.Deploy.LogLines,
		RetainJobs: cfg.Deploy.RetainJobs,
	}, logger.WithComponent("dispatcher"))

	gin.SetMode(gin.ReleaseMode)
	if cfg.Log.Debug {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger.WithComponent("http")))
	api.SetupRoutes(router, &api.Services{
		Registry:   registry,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Ops:        service.NewDeviceOps(sessions, commands, manifests, cfg.Deploy.CommandTimeout),
	}, wsHub)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Int("devices", len(registry.List())).Msg("HTTP API listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving HTTP: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Jobs still running at shutdown")
	}
	if err := sessions.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing sessions")
	}
	log.Info().Msg("Stopped")
	return nil
}
