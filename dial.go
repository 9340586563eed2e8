package pgclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
)

// dial turns a ConnectConfig into a net.Conn: TCP or Unix-domain, selected
// by cfg.Network. The TLS upgrade itself happens later, in handshake (it
// needs to send SSLRequest and read the server's reply first), so dial only
// ever returns a plaintext net.Conn.
func dial(ctx context.Context, cfg ConnectConfig) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, cfg.network(), cfg.Address())
	if err != nil {
		return nil, errs.WithCode(fmt.Errorf("dial: %w", err), codes.SQLclientUnableToEstablishSQLconnection)
	}
	return conn, nil
}

// tlsConfigFor builds the *tls.Config the handshake should upgrade to, or
// nil if cfg.SSLMode asks for no TLS at all. An explicit opts.TLSConfig
// always takes priority over what the DSN says.
func tlsConfigFor(cfg ConnectConfig, opts *ConnectionOptions) (*tls.Config, error) {
	if opts.TLSConfig != nil {
		return opts.TLSConfig, nil
	}

	switch cfg.SSLMode {
	case "", "disable":
		return nil, nil
	case "verify-full":
		tlsCfg := &tls.Config{ServerName: cfg.Host}

		if cfg.SSLRootCert != "" {
			pem, err := os.ReadFile(cfg.SSLRootCert)
			if err != nil {
				return nil, fmt.Errorf("read sslrootcert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("sslrootcert %q: no certificates parsed", cfg.SSLRootCert)
			}
			tlsCfg.RootCAs = pool
		}

		return tlsCfg, nil
	default:
		return nil, errs.WithCode(fmt.Errorf("unsupported sslmode %q", cfg.SSLMode), codes.FeatureNotSupported)
	}
}
