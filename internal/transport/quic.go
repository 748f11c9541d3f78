package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

const (
	alpnProtocol = "dtnex-quic"

	// Stream frame: 1 service byte, 8-byte big-endian source node id,
	// payload.
	svcExchange     = 0x01
	svcEcho         = 0x02
	frameHeaderSize = 9

	maxFrameSize = 4096
	dialTimeout  = 8 * time.Second
	connIdle     = 30 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// identityCert derives a deterministic self-signed certificate from the
// preshared key. Every node holding the key produces the same
// certificate, so clients pin it; message authenticity is enforced at the
// application layer.
func identityCert(presharedKey string) (tls.Certificate, []byte, error) {
	kdf := hkdf.New(sha256.New, []byte(presharedKey), []byte("dtnex-quic-v1"), []byte("node-identity"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return tls.Certificate{}, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"dtnex"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return cert, der, nil
}

func tlsConfigs(presharedKey string) (server, client *tls.Config, err error) {
	cert, der, err := identityCert(presharedKey)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(parsed)
	server = &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}
	client = &tls.Config{
		RootCAs:    pool,
		ServerName: "dtnex",
		NextProtos: []string{alpnProtocol},
	}
	return server, client, nil
}

// QUICConfig wires a QUIC transport to its statically configured peers.
type QUICConfig struct {
	NodeID        wire.NodeID
	ListenAddress string
	Peers         map[wire.NodeID]string
	PresharedKey  string
	Logger        *zap.Logger
}

// QUIC is the production Transport. Each message travels on its own
// bidirectional stream; connections to peers are pooled and re-dialed
// when they go stale.
type QUIC struct {
	cfg       QUICConfig
	log       *zap.Logger
	tlsServer *tls.Config
	tlsClient *tls.Config

	inbox     chan Received
	interrupt chan struct{}
	intOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	faults    chan error

	mu       sync.Mutex
	listener *quic.Listener
	conns    map[string]*pooledConn
}

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

func NewQUIC(cfg QUICConfig) (*QUIC, error) {
	if cfg.NodeID == 0 {
		return nil, errors.New("node id required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	server, client, err := tlsConfigs(cfg.PresharedKey)
	if err != nil {
		return nil, fmt.Errorf("derive transport identity: %w", err)
	}
	return &QUIC{
		cfg:       cfg,
		log:       cfg.Logger,
		tlsServer: server,
		tlsClient: client,
		inbox:     make(chan Received, 64),
		interrupt: make(chan struct{}),
		closed:    make(chan struct{}),
		faults:    make(chan error, 1),
		conns:     make(map[string]*pooledConn),
	}, nil
}

// Connect binds the listener and starts accepting peers. It returns once
// the listener is ready.
func (q *QUIC) Connect(ctx context.Context) error {
	ln, err := quic.ListenAddr(q.cfg.ListenAddress, q.tlsServer, nil)
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", q.cfg.ListenAddress, err)
	}
	q.mu.Lock()
	q.listener = ln
	q.mu.Unlock()
	q.log.Info("transport listening", zap.String("addr", ln.Addr().String()))
	go q.acceptLoop(ln)
	return nil
}

// Alive reports whether the local listen address is usable. It is only
// meaningful while disconnected; the connection manager uses it to pick
// the retry interval.
func (q *QUIC) Alive(context.Context) bool {
	pc, err := net.ListenPacket("udp", probeAddr(q.cfg.ListenAddress))
	if err != nil {
		return false
	}
	_ = pc.Close()
	return true
}

// probeAddr keeps the host part but asks the kernel for a free port, so
// the probe never collides with the active listener.
func probeAddr(listen string) string {
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return ":0"
	}
	return net.JoinHostPort(host, "0")
}

func (q *QUIC) acceptLoop(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			select {
			case <-q.closed:
			default:
				q.log.Warn("transport accept failed", zap.Error(err))
				select {
				case q.faults <- err:
				default:
				}
			}
			return
		}
		go q.serveConn(conn)
	}
}

func (q *QUIC) serveConn(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go q.serveStream(stream)
	}
}

func (q *QUIC) serveStream(stream *quic.Stream) {
	defer stream.Close()
	data, err := io.ReadAll(io.LimitReader(stream, maxFrameSize+1))
	if err != nil {
		q.log.Debug("stream read failed", zap.Error(err))
		return
	}
	if len(data) < frameHeaderSize || len(data) > maxFrameSize {
		q.log.Debug("dropping malframed stream", zap.Int("bytes", len(data)))
		return
	}
	svc := data[0]
	src := wire.NodeID(binary.BigEndian.Uint64(data[1:9]))
	payload := data[frameHeaderSize:]
	switch svc {
	case svcExchange:
		select {
		case q.inbox <- Received{Data: payload, Source: src}:
		case <-q.closed:
		}
	case svcEcho:
		if _, err := stream.Write(payload); err != nil {
			q.log.Debug("echo reply failed", zap.Error(err))
		}
	default:
		q.log.Debug("unknown service byte", zap.Uint8("svc", svc))
	}
}

func (q *QUIC) Send(ctx context.Context, dest wire.NodeID, data []byte, ttl time.Duration) error {
	return q.sendFrame(ctx, dest, svcExchange, data, ttl)
}

// Ping sends payload to dest's echo responder and returns the reply.
func (q *QUIC) Ping(ctx context.Context, dest wire.NodeID, payload []byte, timeout time.Duration) ([]byte, error) {
	addr, ok := q.cfg.Peers[dest]
	if !ok {
		return nil, ErrUnknownDestination
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stream, err := q.openStream(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	if err := q.writeFrame(stream, svcEcho, payload); err != nil {
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(dl)
	}
	return io.ReadAll(io.LimitReader(stream, maxFrameSize))
}

func (q *QUIC) sendFrame(ctx context.Context, dest wire.NodeID, svc byte, data []byte, ttl time.Duration) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	addr, ok := q.cfg.Peers[dest]
	if !ok {
		return ErrUnknownDestination
	}
	if ttl <= 0 || ttl > dialTimeout {
		ttl = dialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	stream, err := q.openStream(ctx, addr)
	if err != nil {
		return fmt.Errorf("open stream to node %d: %w", dest, err)
	}
	if err := q.writeFrame(stream, svc, data); err != nil {
		_ = stream.Close()
		return fmt.Errorf("write to node %d: %w", dest, err)
	}
	return stream.Close()
}

func (q *QUIC) writeFrame(stream *quic.Stream, svc byte, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = svc
	binary.BigEndian.PutUint64(frame[1:9], uint64(q.cfg.NodeID))
	copy(frame[frameHeaderSize:], payload)
	_, err := stream.Write(frame)
	return err
}

func (q *QUIC) openStream(ctx context.Context, addr string) (*quic.Stream, error) {
	conn, err := q.getConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn.OpenStreamSync(ctx)
}

func (q *QUIC) getConn(ctx context.Context, addr string) (*quic.Conn, error) {
	now := time.Now()
	q.mu.Lock()
	if ent, ok := q.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= connIdle {
			ent.lastUsed = now
			conn := ent.conn
			q.mu.Unlock()
			return conn, nil
		}
		delete(q.conns, addr)
		stale := ent.conn
		q.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		q.mu.Unlock()
	}
	conn, err := quic.DialAddr(ctx, addr, q.tlsClient, nil)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	q.mu.Unlock()
	return conn, nil
}

func (q *QUIC) Receive(ctx context.Context) (Received, error) {
	select {
	case r := <-q.inbox:
		return r, nil
	case <-q.interrupt:
		return Received{}, ErrInterrupted
	case <-q.closed:
		return Received{}, ErrClosed
	case <-ctx.Done():
		return Received{}, ctx.Err()
	}
}

func (q *QUIC) Interrupt() {
	q.intOnce.Do(func() { close(q.interrupt) })
}

// Faults delivers at most one asynchronous listener failure.
func (q *QUIC) Faults() <-chan error {
	return q.faults
}

func (q *QUIC) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	q.mu.Lock()
	ln := q.listener
	q.listener = nil
	conns := q.conns
	q.conns = make(map[string]*pooledConn)
	q.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
	return nil
}

// Neighbors lists the statically configured peers, sorted ascending.
func (q *QUIC) Neighbors(context.Context) ([]wire.NodeID, error) {
	out := make([]wire.NodeID, 0, len(q.cfg.Peers))
	for id := range q.cfg.Peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
