// Command pgclient-demo connects to a PostgreSQL server using pgclient, runs
// a minimal line-at-a-time SQL REPL against it, and demonstrates
// LISTEN/NOTIFY delivery and Prometheus metrics export. It is a runnable
// demonstration of the library, not a production tool.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgstream/pgclient"
)

func main() {
	configPath := flag.String("config", "pgclient-demo.yaml", "path to configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9090 (disabled if empty)")
	listenChannel := flag.String("listen", "pgclient_demo", "channel to LISTEN on for the duration of the session")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := pgclient.NewMetrics("pgclient_demo")
	registry.MustRegister(metrics.Collectors()...)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server", "err", err)
			}
		}()
		logger.Info("serving metrics", "addr", *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("connect", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	watcher, err := watchConfig(*configPath, func(newCfg *Config) {
		logger.Info("config changed; reconnect required to apply", "path", *configPath)
		cfg = newCfg
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "err", err)
	} else {
		defer watcher.Stop()
	}

	notifications, cancelListen, err := conn.Listen(ctx, *listenChannel)
	if err != nil {
		logger.Error("listen", "channel", *listenChannel, "err", err)
	} else {
		defer cancelListen()
		go func() {
			for n := range notifications {
				logger.Info("notification", "channel", n.Channel, "payload", n.Payload, "pid", n.PID)
			}
		}()
	}

	logger.Info("connected", "backend_pid", conn.BackendPID(), "database", cfg.Database)
	repl(ctx, conn, logger)
}

func connect(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *pgclient.Metrics) (*pgclient.Connection, error) {
	return pgclient.Connect(ctx, cfg.connectConfig(),
		pgclient.WithLogger(logger),
		pgclient.WithApplicationName(cfg.ApplicationName),
		pgclient.WithConnectTimeout(cfg.ConnectTimeout),
		pgclient.WithMetrics(metrics),
		pgclient.WithNoticeHandler(func(n *pgclient.PgError) {
			logger.Info("server notice", "severity", n.Severity, "message", n.Message)
		}),
	)
}

// repl reads one SQL statement per line from stdin and streams its results
// to stdout, until EOF, ctx is cancelled, or the connection dies.
func repl(ctx context.Context, conn *pgclient.Connection, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprint(os.Stdout, "pgclient> ")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			logger.Error("connection closed", "err", conn.Err())
			return
		default:
		}

		sql := strings.TrimSpace(scanner.Text())
		if sql == "" {
			fmt.Fprint(os.Stdout, "pgclient> ")
			continue
		}

		runQuery(ctx, conn, sql)
		fmt.Fprint(os.Stdout, "pgclient> ")
	}
}

func runQuery(ctx context.Context, conn *pgclient.Connection, sql string) {
	result, err := conn.QueryStreaming(ctx, sql)
	if err != nil {
		fmt.Fprintf(os.Stdout, "error: %v\n", err)
		return
	}
	defer result.Close()

	for _, f := range result.Fields {
		fmt.Fprintf(os.Stdout, "%s\t", f.Name)
	}
	fmt.Fprintln(os.Stdout)

	n := 0
	for {
		row, ok := result.Next()
		if !ok {
			break
		}
		for i := range result.Fields {
			fmt.Fprintf(os.Stdout, "%v\t", row.At(i).Interface())
		}
		fmt.Fprintln(os.Stdout)
		n++
	}

	if err := result.Err(); err != nil {
		fmt.Fprintf(os.Stdout, "error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stdout, "(%s %d rows)\n", result.Completion().Command, n)
}
