package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shardkit/tabletclient/pkg/security"
)

// Transport dispatches RPC segments against a specific tablet server
// address. The batcher's dispatch driver depends on this interface rather
// than a concrete gRPC client so tests can substitute a fake that never
// touches the network.
type Transport interface {
	Write(ctx context.Context, addr string, req *WriteRequest) (*WriteResponse, error)
	Read(ctx context.Context, addr string, req *ReadRequest) (*ReadResponse, error)
	Close() error
}

// GRPCTransport dials tablet servers over mTLS (or, in insecure mode, plain
// TCP) and caches one connection per address for the transport's lifetime,
// the same per-address connection reuse the teacher's client package relies
// on implicitly via a single long-lived grpc.ClientConn.
type GRPCTransport struct {
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport builds a transport that authenticates to tablet servers
// using the mTLS identity in certDir.
func NewGRPCTransport(certDir string) (*GRPCTransport, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}
	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}

	return &GRPCTransport{
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec)),
		},
		conns: make(map[string]*grpc.ClientConn),
	}, nil
}

// NewInsecureGRPCTransport builds a transport without transport security,
// for local demos and tests.
func NewInsecureGRPCTransport() *GRPCTransport {
	return &GRPCTransport{
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec)),
		},
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) dial(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial tablet server %s: %w", addr, err)
	}
	t.conns[addr] = conn
	return conn, nil
}

// Write sends a WriteRequest to addr.
func (t *GRPCTransport) Write(ctx context.Context, addr string, req *WriteRequest) (*WriteResponse, error) {
	conn, err := t.dial(addr)
	if err != nil {
		return nil, err
	}
	out := new(WriteResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Write", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Read sends a ReadRequest to addr.
func (t *GRPCTransport) Read(ctx context.Context, addr string, req *ReadRequest) (*ReadResponse, error) {
	conn, err := t.dial(addr)
	if err != nil {
		return nil, err
	}
	out := new(ReadResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/Read", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears down every cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection to %s: %w", addr, err)
		}
		delete(t.conns, addr)
	}
	return firstErr
}
