package pgclient

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// OptionFn follows the options pattern used throughout this client to
// configure a Connection before it dials.
type OptionFn func(*ConnectionOptions)

// ConnectionOptions collects everything Connect needs beyond the DSN/address
// itself.
type ConnectionOptions struct {
	Logger          *slog.Logger
	TLSConfig       *tls.Config
	ConnectTimeout  time.Duration
	ApplicationName string
	Metrics         *Metrics

	// NoticeHandler, if set, is invoked on the dispatcher goroutine for
	// every NoticeResponse the server sends outside of an ErrorResponse
	// (warnings, notices from PL/pgSQL, etc). Left nil, notices are only
	// logged at debug level.
	NoticeHandler func(*PgError)
}

func defaultOptions() *ConnectionOptions {
	return &ConnectionOptions{
		Logger:         slog.Default(),
		ConnectTimeout: 30 * time.Second,
	}
}

// WithLogger overrides the *slog.Logger used for connection-lifecycle and
// wire-level debug logging.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *ConnectionOptions) {
		o.Logger = logger
	}
}

// WithTLSConfig enables a TLS upgrade of the connection using the given
// configuration once the server acknowledges the SSLRequest.
func WithTLSConfig(cfg *tls.Config) OptionFn {
	return func(o *ConnectionOptions) {
		o.TLSConfig = cfg
	}
}

// WithConnectTimeout bounds how long dialing and the startup handshake may
// take before Connect gives up.
func WithConnectTimeout(d time.Duration) OptionFn {
	return func(o *ConnectionOptions) {
		o.ConnectTimeout = d
	}
}

// WithApplicationName sets the application_name startup parameter reported
// to the server.
func WithApplicationName(name string) OptionFn {
	return func(o *ConnectionOptions) {
		o.ApplicationName = name
	}
}

// WithMetrics attaches a Metrics collector that the connection reports
// query counts, latencies and error counts to.
func WithMetrics(m *Metrics) OptionFn {
	return func(o *ConnectionOptions) {
		o.Metrics = m
	}
}

// WithNoticeHandler registers a callback invoked for every NoticeResponse
// the server sends (warnings, PL/pgSQL RAISE NOTICE, and similar). The
// dispatcher awaits the handler before resuming, the same backpressure it
// applies to notification fan-out.
func WithNoticeHandler(f func(*PgError)) OptionFn {
	return func(o *ConnectionOptions) {
		o.NoticeHandler = f
	}
}
