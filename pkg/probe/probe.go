// Package probe decides when a freshly started target is ready to serve.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrNotReady is returned when the target did not answer before the timeout.
var ErrNotReady = errors.New("target not ready")

const (
	DefaultTimeout  = 20 * time.Second
	DefaultInterval = time.Second

	minAttemptTimeout = 2 * time.Second
)

// FixedDelay waits a fixed duration without looking at the target.
type FixedDelay struct {
	Duration time.Duration
}

// Wait sleeps for the configured duration or until ctx is done.
func (d FixedDelay) Wait(ctx context.Context, _ types.Host) error {
	log.Info().Dur("delay", d.Duration).Msg("Waiting for target")

	timer := time.NewTimer(d.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TLSFiles names the PEM files used for mutual TLS with the target.
type TLSFiles struct {
	CA         string
	Cert       string
	Key        string
	ServerName string
}

// Credentials loads the files into gRPC transport credentials.
func (f TLSFiles) Credentials() (credentials.TransportCredentials, error) {
	pair, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	caPEM, err := os.ReadFile(f.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in CA %s", f.CA)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   f.ServerName,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// GNMIProbe polls the target's gNMI Capabilities RPC until it answers.
type GNMIProbe struct {
	Addr string
	// Credentials secures the connection; nil dials in plaintext.
	Credentials credentials.TransportCredentials
	Timeout     time.Duration
	Interval    time.Duration
}

// Wait dials from the given host and returns once Capabilities succeeds.
func (p *GNMIProbe) Wait(ctx context.Context, from types.Host) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("addr", p.Addr).
		Str("from", from.Name()).
		Dur("timeout", timeout).
		Msg("Probing target")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := p.probeOnce(ctx, from, max(interval, minAttemptTimeout))
		if err == nil {
			log.Info().Int("attempts", attempt).Msg("Target ready")
			return nil
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("Target not ready yet")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s: %v", ErrNotReady, p.Addr, timeout, err)
		case <-ticker.C:
		}
	}
}

func (p *GNMIProbe) probeOnce(ctx context.Context, from types.Host, attemptTimeout time.Duration) error {
	creds := p.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(p.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithContextDialer(hostDialer(from)),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	resp, err := gpb.NewGNMIClient(conn).Capabilities(ctx, &gpb.CapabilityRequest{}, grpc.WaitForReady(true))
	if status.Code(err) == codes.Unimplemented {
		// Serving gNMI, just not this RPC.
		return nil
	}
	if err != nil {
		return err
	}
	log.Debug().Str("gnmi_version", resp.GetGNMIVersion()).Int("models", len(resp.GetSupportedModels())).Msg("Capabilities answered")
	return nil
}

// hostDialer opens TCP connections from inside host's namespace. The socket
// keeps that namespace after the thread switches back.
func hostDialer(host types.Host) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var conn net.Conn
		err := host.Do(func() error {
			var d net.Dialer
			c, err := d.DialContext(ctx, "tcp", addr)
			conn = c
			return err
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
