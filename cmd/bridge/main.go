package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carrymate/bridge/domain/robot"
	"github.com/carrymate/bridge/pkg/api"
	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
	"github.com/carrymate/bridge/pkg/pairing"
	"github.com/carrymate/bridge/pkg/transport"
	"github.com/carrymate/bridge/services"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("BRIDGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := customlog.NewLogrusLogger(cfg.Logging.Level, cfg.Logging.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Infof("Starting CarryMate bridge for device %s (%s transport, broker %s)",
		cfg.DeviceID, cfg.Transport.Kind, cfg.BrokerAddress())
	if d, err := pairing.FromConfig(cfg); err != nil {
		logger.Warnf("No pairing descriptor: %v", err)
	} else {
		logger.Infof("Pairing URI: %s", d.URI())
	}

	tr, err := transport.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create transport: %v", err)
	}

	// no motor driver on the bench build; log what would be driven
	motors := robot.ActuatorFunc(func(kind robot.Kind, hold bool) error {
		logger.Debugf("Drive %s (hold=%v)", kind, hold)
		return nil
	})

	runtime := services.NewBridgeRuntime(cfg, tr, logger, services.RuntimeOptions{Actuator: motors})

	var server *api.Server
	if cfg.HTTP.Port > 0 {
		hub := api.NewTelemetryHub(logger.WithField("component", "api"))
		runtime.AddTelemetryPublisher(hub)
		server = api.NewServer(cfg, runtime, hub, logger.WithField("component", "api"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.Start(ctx); err != nil {
		logger.Errorf("Bridge failed to start: %v", err)
		os.Exit(1)
	}

	if server != nil {
		go func() {
			if err := server.Listen(); err != nil {
				logger.Errorf("Status API stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Infof("Received shutdown signal")

	exitCode := 0
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Status API forced to shutdown: %v", err)
		}
		cancel()
	}
	if err := runtime.Shutdown(); err != nil {
		logger.Errorf("Bridge shutdown completed with errors: %v", err)
		exitCode = 1
	}

	logger.Infof("Bridge exited")
	os.Exit(exitCode)
}
