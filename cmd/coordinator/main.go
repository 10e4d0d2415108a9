package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	coordinator "github.com/medhive/coordinator"
	"github.com/medhive/coordinator/manager"
	"github.com/medhive/coordinator/manager/api"
	"github.com/medhive/coordinator/pkg/crypto"
	"github.com/medhive/coordinator/pkg/events"
	"github.com/medhive/coordinator/pkg/model"
	"github.com/medhive/coordinator/pkg/registry"
	"github.com/medhive/coordinator/pkg/sink"
	"github.com/medhive/coordinator/pkg/storage"
)

// Exit codes, stable for supervisors: 1 key material, 2 bind, 3 storage.
const (
	exitKeyFailure     = 1
	exitBindFailure    = 2
	exitStorageFailure = 3
)

const shutdownGrace = 30 * time.Second

var logLevel slog.Level

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		code := 1
		var ee exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func run() error {
	cfg, err := coordinator.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting coordinator service", "bind", cfg.BindAddress, "storage", cfg.StorageRoot)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keys, err := crypto.Generate(cfg.KeysDir)
	if err != nil {
		return exitError{code: exitKeyFailure, err: fmt.Errorf("failed to initialize key material: %w", err)}
	}

	store, err := storage.New(cfg.StorageRoot)
	if err != nil {
		return exitError{code: exitStorageFailure, err: fmt.Errorf("failed to open model store: %w", err)}
	}

	announcer := events.Announcer(events.Noop{})
	if cfg.MQTTURL != "" {
		mqttCfg := events.MQTTConfig{URL: cfg.MQTTURL, ClientID: "coordinator", Timeout: 10 * time.Second}
		if cfg.ConfigFile != "" {
			fileCfg, err := coordinator.LoadConfig(cfg.ConfigFile)
			if err != nil {
				return fmt.Errorf("failed to load config file: %w", err)
			}
			if fileCfg.MQTT.ClientID != "" {
				mqttCfg.ClientID = fileCfg.MQTT.ClientID
			}
			mqttCfg.Username = fileCfg.MQTT.Username
			mqttCfg.Password = fileCfg.MQTT.Password
			mqttCfg.QoS = byte(fileCfg.MQTT.QoS)
			mqttCfg.CAPath = fileCfg.MQTT.CAPath
			mqttCfg.CertPath = fileCfg.MQTT.CertPath
			mqttCfg.KeyPath = fileCfg.MQTT.KeyPath
		}
		announcer, err = events.NewMQTT(mqttCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
	}

	metricSink := sink.Sink(sink.Noop{})
	if cfg.SinkEndpoint != "" {
		metricSink = sink.NewHTTP(cfg.SinkEndpoint, logger)
	}

	svc := manager.NewService(
		store, keys,
		registry.New(cfg.ClientStaleness), model.Default(),
		announcer, metricSink,
		manager.NewWorkerPool(cfg.Workers, 4*cfg.Workers), logger,
		manager.WithSecurity(cfg.SecurityEnabled),
		manager.WithTestSet(cfg.TestSetPath),
	)

	handler := api.MakeHandler(svc, api.NewAuthorizer(keys, cfg.SecurityEnabled), cfg.Workers)

	listener, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return exitError{code: exitBindFailure, err: fmt.Errorf("failed to bind %s: %w", cfg.BindAddress, err)}
	}

	server := &http.Server{Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server did not drain", "error", err)
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Service shutdown incomplete", "error", err)
		}

		return announcer.Close(shutdownCtx)
	})

	return g.Wait()
}

func configureLogger(level string) *slog.Logger {
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(logHandler)
}
