// ABOUTME: Entry point for the Ananas audio distribution server
// ABOUTME: Parses CLI flags, wires the engine to an audio source and runs the optional surfaces
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
	"github.com/Resonate-Protocol/ananas-go/internal/discovery"
	"github.com/Resonate-Protocol/ananas-go/internal/host"
	"github.com/Resonate-Protocol/ananas-go/internal/server"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultLogFile = "ananas-server.log"

var (
	configPath  = flag.String("config", "", "YAML config file (default: built-in settings)")
	channels    = flag.Int("channels", 2, "Number of channels per audio packet")
	iface       = flag.String("interface", "", "Multicast interface name or IPv4 address")
	blockSize   = flag.Int("block-size", 128, "Host block size in frames; each block is sent as a burst of packets")
	audioFile   = flag.String("audio", "", "Audio file to stream (MP3, FLAC). If not specified, plays test tone")
	logFile     = flag.String("log-file", defaultLogFile, "Log file path")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "text", "Log format (text, json)")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, log to stdout")
	noMDNS      = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	stateAddr   = flag.String("state-addr", "", "Serve the websocket state feed and /health on this address")
	stateFile   = flag.String("state-file", "", "Persist module ids to this file")
	name        = flag.String("name", "", "Advertised name (default: hostname-ananas-server)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ananas-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	useTUI := !*noTUI
	logger, closeLog, err := setupLogger(cfg.Log, useTUI)
	if err != nil {
		return err
	}
	defer closeLog()

	serverName := cfg.Services.Name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-ananas-server", hostname)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	src, err := host.NewSource(*audioFile, cfg.NumChannels, logger)
	if err != nil {
		return fmt.Errorf("failed to open audio source: %w", err)
	}
	defer src.Close()

	driver := host.NewDriver(src, srv, cfg.NumChannels, *blockSize, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"name":   serverName,
		"id":     srv.ID(),
		"source": src.Title(),
		"log":    cfg.Log.File,
	}).Info("Starting Ananas Server")

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return driver.Run(gctx)
	})

	if cfg.Services.MetricsAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, cfg.Services.MetricsAddr, srv.Metrics().Handler(), logger)
		})
	}

	if cfg.Services.StateAddr != "" {
		feed := server.NewStateFeed(srv, logger)
		g.Go(func() error {
			return feed.Serve(gctx, cfg.Services.StateAddr)
		})
	}

	if cfg.Services.MDNS {
		mdnsManager := discovery.NewManager(discovery.Config{
			ServiceName: serverName,
			Port:        cfg.AudioSender.RemotePort,
			Group:       cfg.AudioSender.Group,
			ServerID:    srv.ID(),
			Logger:      logger,
		})
		g.Go(func() error {
			if err := mdnsManager.Advertise(); err != nil {
				// Advertising is best effort; the stream does not depend on it
				logger.WithError(err).Warn("Failed to start mDNS advertisement")
				return nil
			}
			<-gctx.Done()
			mdnsManager.Stop()
			return nil
		})
	}

	if useTUI {
		tui := server.NewServerTUI(srv, src.Title())
		g.Go(func() error {
			err := tui.Run(gctx)
			// Quitting the TUI stops the server
			cancel()
			return err
		})
	} else {
		logger.Info("Press Ctrl-C to stop")
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.WithError(runErr).Error("Server error")
	} else {
		runErr = nil
	}

	if err := srv.Stop(); err != nil && runErr == nil {
		runErr = err
	}

	logger.WithFields(logrus.Fields{
		"blocks":  driver.Blocks(),
		"skipped": driver.Skipped(),
	}).Info("Server stopped")
	return runErr
}

// loadConfig reads -config and applies explicitly set flags on top.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "channels":
			cfg.NumChannels = *channels
		case "interface":
			cfg.Interface = *iface
		case "log-file":
			cfg.Log.File = *logFile
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "no-mdns":
			cfg.Services.MDNS = !*noMDNS
		case "metrics-addr":
			cfg.Services.MetricsAddr = *metricsAddr
		case "state-addr":
			cfg.Services.StateAddr = *stateAddr
		case "state-file":
			cfg.StateFile = *stateFile
		case "name":
			cfg.Services.Name = *name
		}
	})

	if cfg.Log.File == "" {
		cfg.Log.File = defaultLogFile
	}
	return cfg, cfg.Validate()
}

// setupLogger logs to the file only while the TUI owns the terminal, and to
// both stdout and the file otherwise.
func setupLogger(lc config.LogConfig, tui bool) (*logrus.Logger, func(), error) {
	f, err := os.OpenFile(lc.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %w", err)
	}

	logger := logrus.New()
	if tui {
		logger.SetOutput(f)
	} else {
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	logger.SetLevel(level)

	switch lc.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger, func() { f.Close() }, nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger logrus.FieldLogger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Metrics listening")
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
