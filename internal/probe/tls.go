// Package probe implements the scanner kinds workers can serve. The tls
// kind performs a TLS handshake against the target and records the full
// handshake log as the scan document.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	ztls "github.com/zmap/zcrypto/tls"

	"github.com/bulkprobe/bulkprobe/internal/scan"
)

// KindTLS is the scan config kind served by this package.
const KindTLS = "tls"

const defaultDialTimeout = 10 * time.Second

// tlsOptions is the kind-specific configuration carried in a scan
// config's options document.
type tlsOptions struct {
	// Dial timeout in milliseconds for the TCP connection.
	DialTimeoutMillis int `json:"dial_timeout_ms,omitempty"`

	// Offered protocol version bounds (TLS wire values). Zero means
	// the library default.
	MinVersion uint16 `json:"min_version,omitempty"`
	MaxVersion uint16 `json:"max_version,omitempty"`

	// Override for the SNI value; the target hostname is used when
	// empty.
	ServerName string `json:"server_name,omitempty"`
}

// TLSScanner probes targets with a TLS handshake. One instance serves a
// whole bulk scan and is safe for concurrent probes.
type TLSScanner struct {
	cfg     scan.ScanConfig
	options tlsOptions
	dialer  *net.Dialer
}

// NewTLSScanner builds a scanner from one bulk scan's config.
func NewTLSScanner(cfg scan.ScanConfig) (*TLSScanner, error) {
	var options tlsOptions
	if len(cfg.Options) > 0 {
		if err := json.Unmarshal(cfg.Options, &options); err != nil {
			return nil, fmt.Errorf("invalid tls scanner options: %w", err)
		}
	}
	dialTimeout := defaultDialTimeout
	if options.DialTimeoutMillis > 0 {
		dialTimeout = time.Duration(options.DialTimeoutMillis) * time.Millisecond
	}
	return &TLSScanner{
		cfg:     cfg,
		options: options,
		dialer:  &net.Dialer{Timeout: dialTimeout},
	}, nil
}

// Register adds the tls factory to a registry.
func Register(registry *scan.ScannerRegistry) error {
	return registry.Register(KindTLS, func(_ int64, cfg scan.ScanConfig, _ int) (scan.Scanner, error) {
		return NewTLSScanner(cfg)
	})
}

// Init implements scan.Scanner. The handshake scanner holds no shared
// state to set up.
func (s *TLSScanner) Init(_ context.Context) error {
	return nil
}

// Cleanup implements scan.Scanner.
func (s *TLSScanner) Cleanup(_ context.Context) error {
	return nil
}

// Probe performs the handshake, retrying per the configured
// re-execution count. The last error wins when every attempt fails.
func (s *TLSScanner) Probe(ctx context.Context, target scan.ScanTarget) (json.RawMessage, error) {
	attempts := s.cfg.Reexecutions + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		doc, err := s.handshake(ctx, target)
		if err == nil {
			return doc, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *TLSScanner) handshake(ctx context.Context, target scan.ScanTarget) (json.RawMessage, error) {
	address := target.IP
	if address == "" {
		address = target.Hostname
	}
	endpoint := net.JoinHostPort(address, strconv.Itoa(target.Port))

	conn, err := s.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	serverName := s.options.ServerName
	if serverName == "" {
		serverName = target.Hostname
	}
	tlsConn := ztls.Client(conn, &ztls.Config{
		// Scans record what the server presents; validity is judged
		// offline from the handshake log.
		InsecureSkipVerify: true,
		ServerName:         serverName,
		MinVersion:         s.options.MinVersion,
		MaxVersion:         s.options.MaxVersion,
	})
	defer tlsConn.Close()

	// Unblock the handshake if the scan is canceled mid-flight.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", endpoint, err)
	}

	doc, err := json.Marshal(tlsConn.GetHandshakeLog())
	if err != nil {
		return nil, fmt.Errorf("serialize handshake log: %w", err)
	}
	return doc, nil
}
