// Command xcpslave is a runnable example ASAM XCP 1.4 Ethernet slave: it
// wires pkg/config, pkg/server and a small in-memory demo measurement
// buffer together, the way cmd/canopen wires a bus, an object dictionary
// and a node into a running CANopen stack.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/samsamfire/goxcp/pkg/config"
	"github.com/samsamfire/goxcp/pkg/daq"
	"github.com/samsamfire/goxcp/pkg/server"
	"github.com/samsamfire/goxcp/pkg/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configFile := pflag.StringP("config-file", "c", "", "YAML configuration file (overrides built-in defaults).")
	transportFlag := pflag.StringP("transport", "t", "", "Transport override: udp or tcp.")
	bindAddr := pflag.StringP("bind-addr", "b", "", "Bind address override, host:port.")
	metricsAddr := pflag.StringP("metrics-addr", "m", ":9100", "Prometheus /metrics listen address; empty disables it.")
	eventPeriod := pflag.DurationP("event-period", "e", 100*time.Millisecond, "Demo measurement event trigger period.")
	logLevel := pflag.StringP("log-level", "l", "", "Log level override: debug, info, warn, error.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "xcpslave - example ASAM XCP 1.4 Ethernet slave.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: xcpslave [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cli := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "xcpslave",
	})

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			cli.Fatal("loading config", "file", *configFile, "error", err)
		}
		cfg = loaded
	}
	if *transportFlag != "" {
		cfg.Transport = config.TransportKind(*transportFlag)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		cli.Fatal("invalid configuration", "error", err)
	}

	cli.SetLevel(parseCharmLevel(cfg.LogLevel))
	coreLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseSlogLevel(cfg.LogLevel)}))

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			cli.Info("serving prometheus metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				cli.Error("metrics server stopped", "error", err)
			}
		}()
	}

	conn, reconnector, err := dial(cfg, coreLogger)
	if err != nil {
		cli.Fatal("binding transport", "transport", cfg.Transport, "addr", cfg.BindAddr, "error", err)
	}

	app := newDemoApplication(4096, cli)
	events := []daq.Event{{Name: "demo_tick", Cycle: 1, TimeUnit: 8}} // TimeUnit 8 == 100ms, matching eventPeriod's default
	srv := server.New(cfg, events, app, conn, coreLogger, prometheus.DefaultRegisterer)
	if reconnector != nil {
		srv.SetReconnector(reconnector)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(*eventPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.tick()
				if err := srv.TriggerEvent(0, app.GetBaseAddr()); err != nil {
					coreLogger.Warn("event trigger reported a sampling error", "error", err)
				}
			}
		}
	}()

	cli.Info("xcp slave listening", "transport", cfg.Transport, "addr", cfg.BindAddr)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		cli.Fatal("server stopped", "error", err)
	}
	cli.Info("shutting down")
}

// tcpReconnector adapts a *transport.TCPListener to server.Reconnector:
// TCPListener.Accept returns the concrete *transport.TCPConn type, which
// doesn't itself satisfy an interface method returning transport.Conn.
type tcpReconnector struct {
	ln *transport.TCPListener
}

func (r *tcpReconnector) Accept() (transport.Conn, error) { return r.ln.Accept() }
func (r *tcpReconnector) Close() error                    { return r.ln.Close() }

// dial binds the configured transport and returns its first connection.
// For TCP it also returns a Reconnector so the server can accept a new
// session after the master disconnects instead of exiting.
func dial(cfg config.Config, logger *slog.Logger) (transport.Conn, server.Reconnector, error) {
	switch cfg.Transport {
	case config.TransportUDP:
		conn, err := transport.ListenUDP(logger, cfg.BindAddr)
		return conn, nil, err
	case config.TransportTCP:
		ln, err := transport.ListenTCP(logger, cfg.BindAddr)
		if err != nil {
			return nil, nil, err
		}
		conn, err := ln.Accept()
		if err != nil {
			return nil, nil, err
		}
		return conn, &tcpReconnector{ln: ln}, nil
	default:
		return nil, nil, fmt.Errorf("xcpslave: unknown transport %q", cfg.Transport)
	}
}

func parseCharmLevel(level string) charmlog.Level {
	switch level {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
