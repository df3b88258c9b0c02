// ABOUTME: Diagnostic tool that listens to an Ananas audio stream and reports on it
// ABOUTME: Can also pose as clients or a time authority and browse for servers over mDNS
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
	"github.com/Resonate-Protocol/ananas-go/internal/discovery"
	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/Resonate-Protocol/ananas-go/internal/probe"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "YAML config file shared with the server")
	iface      = flag.String("interface", "", "Multicast interface name or IPv4 address")
	duration   = flag.Duration("duration", 0, "Stop after this long (0 runs until Ctrl-C)")
	interval   = flag.Duration("interval", time.Second, "Report interval")
	announce   = flag.Int("announce", 0, "Pose as this many clients with module ids 1..N")
	authority  = flag.Bool("authority", false, "Pose as the time authority")
	discover   = flag.Bool("discover", false, "Browse for servers over mDNS")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := run(logger); err != nil {
		logger.WithError(err).Error("Probe failed")
		os.Exit(1)
	}
}

func run(logger *logrus.Logger) error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *iface != "" {
		cfg.Interface = *iface
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	stats := probe.NewStats()
	audioOpts := multicast.ListenerOptions(cfg.Interface, config.SocketConfig{
		Name:      "Ananas Probe",
		Group:     cfg.AudioSender.Group,
		LocalPort: cfg.AudioSender.RemotePort,
	})
	receiver := multicast.NewReceiver(audioOpts, cfg.AudioSender.Timeout(), 65536, func(_ net.IP, payload []byte) {
		stats.Observe(payload)
	}, logger)
	if err := receiver.Connect(ctx); err != nil {
		return fmt.Errorf("failed to join audio group: %w", err)
	}
	defer receiver.Close()

	logger.WithFields(logrus.Fields{
		"group": cfg.AudioSender.Group,
		"port":  cfg.AudioSender.RemotePort,
	}).Info("Listening for audio")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.Run(gctx) })

	g.Go(func() error {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				fmt.Println(stats.Take().String())
			}
		}
	})

	if *announce > 0 {
		conn, err := openSender(ctx, cfg, cfg.ClientListener)
		if err != nil {
			return err
		}
		defer conn.Close()

		for id := 1; id <= *announce; id++ {
			client := probe.NewFakeClient(uint16(id), 48000)
			g.Go(func() error {
				return probe.Announce(gctx, conn, 100*time.Millisecond, client.Next, logger)
			})
		}
		logger.WithField("clients", *announce).Info("Announcing fake clients")
	}

	if *authority {
		conn, err := openSender(ctx, cfg, cfg.AuthorityListener)
		if err != nil {
			return err
		}
		defer conn.Close()

		fake := probe.NewFakeAuthority(int32(*announce))
		g.Go(func() error {
			return probe.Announce(gctx, conn, 100*time.Millisecond, fake.Next, logger)
		})
		logger.Info("Announcing fake time authority")
	}

	if *discover {
		manager := discovery.NewManager(discovery.Config{Logger: logger})
		manager.Browse()
		g.Go(func() error {
			defer manager.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case s := <-manager.Servers():
					logger.WithFields(logrus.Fields{
						"name":  s.Name,
						"host":  s.Host,
						"group": s.Group,
						"port":  s.Port,
						"id":    s.ID,
					}).Info("Found server")
				}
			}
		})
	}

	return g.Wait()
}

// openSender opens a socket that sends to the group a server listener
// is bound to.
func openSender(ctx context.Context, cfg config.Config, listener config.SocketConfig) (*multicast.Conn, error) {
	opts := multicast.SenderOptions(cfg.Interface, config.SocketConfig{
		Name:       "Ananas Probe Announcer",
		Group:      listener.Group,
		RemotePort: listener.LocalPort,
	})
	opts.Loopback = true

	conn, err := multicast.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open announce socket for %s: %w", listener.Group, err)
	}
	return conn, nil
}
