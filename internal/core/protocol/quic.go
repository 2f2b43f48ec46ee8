package protocol

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

const (
	quicALPN = "distmaster"
	// quicCloseLinger is how long a closing channel waits for the peer to drain the
	// stream before the connection is torn down.
	quicCloseLinger = 250 * time.Millisecond
)

// QUICTransport runs every channel on the first bidirectional stream of its own QUIC connection.
//
// A QUIC stream only becomes visible to the peer once data is written on it, so the
// dialing side must send first. Slaves always open with an identity token or a declare
// message, which satisfies this.
type QUICTransport struct {
	config     Config
	quicConfig *quic.Config
}

var _ Transport = (*QUICTransport)(nil)

func NewQUICTransport(config Config) *QUICTransport {
	config = config.withDefaults()
	return &QUICTransport{
		config: config,
		quicConfig: &quic.Config{
			MaxIdleTimeout:        30 * time.Second,
			MaxIncomingStreams:    16,
			MaxIncomingUniStreams: -1,
			KeepAlivePeriod:       config.KeepAlive,
		},
	}
}

func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

func (t *QUICTransport) Listen(_ context.Context, addr string) (Listener, error) {
	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to generate TLS config")
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, t.quicConfig)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to listen on %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:       ln,
		config:   t.config,
		accepted: make(chan Channel),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Channel, error) {
	clientTLSConfig := &tls.Config{
		InsecureSkipVerify: true, // self-signed listener certificates
		NextProtos:         []string{quicALPN},
	}

	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig, t.quicConfig)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to dial %s", addr)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, pkgerrors.Wrap(err, "failed to open stream")
	}

	return newQUICChannel(conn, stream, t.config), nil
}

func newQUICChannel(conn *quic.Conn, stream *quic.Stream, config Config) Channel {
	closeFn := func() error {
		_ = stream.Close()
		timer := time.NewTimer(quicCloseLinger)
		select {
		case <-conn.Context().Done():
		case <-timer.C:
		}
		timer.Stop()
		return conn.CloseWithError(0, "channel closed")
	}
	return newStreamChannel(TransportQUIC, stream, conn.LocalAddr(), conn.RemoteAddr(), config, closeFn)
}

type quicListener struct {
	ln       *quic.Listener
	config   Config
	accepted chan Channel

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// acceptLoop accepts connections and waits for their first stream off the caller's
// path, so one silent peer cannot hold up the others.
func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.awaitStream(conn)
	}
}

func (l *quicListener) awaitStream(conn *quic.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(l.ctx, l.config.StreamAcceptTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		_ = conn.CloseWithError(0, "no stream opened")
		return
	}

	ch := newQUICChannel(conn, stream, l.config)
	select {
	case l.accepted <- ch:
	case <-l.ctx.Done():
		_ = ch.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	default:
	}

	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, timeoutError(ctx)
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.ln.Close()
		l.wg.Wait()
	})
	return l.closeErr
}

// generateTLSConfig creates a self-signed certificate for a listener.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"distmaster"},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicALPN},
	}, nil
}
