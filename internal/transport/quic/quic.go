// Package quic implements the transport adapter over a single QUIC stream
// per link, reusing the length-prefixed framing of the stream adapters.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/gezibash/arc-mesh/internal/transport"
	"github.com/gezibash/arc-mesh/pkg/provider"
)

// Type is the adapter name carried in announcements.
const Type = "quic"

// alpn is the application protocol negotiated during the handshake.
const alpn = "arc-mesh"

const (
	codeNormal   quic.ApplicationErrorCode = 0
	codeShutdown quic.ApplicationErrorCode = 1
)

func init() {
	transport.Register(Type, func(opts transport.Options) (transport.Adapter, error) {
		return New(opts), nil
	})
}

// Adapter dials and serves QUIC links. Servers present a throwaway
// self-signed certificate which clients do not verify.
type Adapter struct {
	opts transport.Options

	certOnce sync.Once
	cert     tls.Certificate
	certErr  error
}

// New creates a QUIC adapter.
func New(opts transport.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() string { return Type }

func (a *Adapter) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  a.opts.Grace * 2,
		KeepAlivePeriod: a.opts.ProbeInterval,
	}
}

// stream closes its whole connection, since each connection carries
// exactly one stream.
type stream struct {
	quic.Stream
	conn quic.Connection
}

func (s stream) Close() error {
	s.Stream.CancelRead(quic.StreamErrorCode(codeNormal))
	_ = s.Stream.Close()
	return s.conn.CloseWithError(codeNormal, "closed")
}

// Connect dials the provider and opens the link stream.
func (a *Adapter) Connect(ctx context.Context, p *provider.Provider, kind provider.Kind, h transport.ClientHandler) error {
	if p.Endpoint(kind) == nil {
		return transport.ErrNoEndpoint
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // mesh peers use ephemeral certificates
		NextProtos:         []string{alpn},
	}
	conn, err := quic.DialAddr(dialCtx, p.Addr(kind), tlsConf, a.quicConfig())
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Addr(kind), err)
	}
	s, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(codeNormal, "open stream")
		return fmt.Errorf("open stream %s: %w", p.Addr(kind), err)
	}

	transport.DialStream(stream{Stream: s, conn: conn}, p, h, a.opts)
	return nil
}

// StartServer binds a UDP socket on host:port and serves one stream per
// accepted connection.
func (a *Adapter) StartServer(ctx context.Context, host string, port int, h transport.ServerHandler) (transport.Server, error) {
	cert, err := a.certificate()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}

	ln, err := quic.ListenAddr(net.JoinHostPort(host, strconv.Itoa(port)), tlsConf, a.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &server{ln: ln, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, h, a.opts)
	}()

	slog.Info("quic transport listening", "component", "transport", "addr", ln.Addr().String())
	return s, nil
}

type server struct {
	ln     *quic.Listener
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (s *server) Port() int {
	return s.ln.Addr().(*net.UDPAddr).Port
}

func (s *server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *server) acceptLoop(ctx context.Context, h transport.ServerHandler, opts transport.Options) {
	var conns sync.WaitGroup
	defer conns.Wait()

	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "component", "transport", "error", err)
			continue
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			st, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(codeShutdown, "no stream")
				return
			}
			transport.ServeStream(ctx, uuid.NewString(), stream{Stream: st, conn: conn}, h, opts)
		}()
	}
}

func (a *Adapter) certificate() (tls.Certificate, error) {
	a.certOnce.Do(func() {
		a.cert, a.certErr = selfSigned()
	})
	return a.cert, a.certErr
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := x509.Certificate{
		Subject:      pkix.Name{CommonName: alpn},
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
