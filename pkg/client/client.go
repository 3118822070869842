package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shardkit/tabletclient/pkg/api"
	"github.com/shardkit/tabletclient/pkg/rpc"
	"github.com/shardkit/tabletclient/pkg/security"
)

// Client dials one driver process and opens sessions against it.
type Client struct {
	conn *grpc.ClientConn
}

// Option configures NewClient.
type Option func(*clientOptions)

type clientOptions struct {
	certDir string
}

// WithCertDir enables mTLS using the node.crt/node.key/ca.crt layout
// pkg/security writes. Without it, NewClient dials insecurely.
func WithCertDir(certDir string) Option {
	return func(o *clientOptions) { o.certDir = certDir }
}

// NewClient dials addr, a tabletctl driver's gRPC API address.
func NewClient(addr string, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	var conn *grpc.ClientConn
	var err error
	if o.certDir != "" {
		conn, err = connectWithMTLS(addr, o.certDir)
	} else {
		conn, err = grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rpc.Codec)),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	return &Client{conn: conn}, nil
}

func connectWithMTLS(addr, certDir string) (*grpc.ClientConn, error) {
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

	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rpc.Codec)),
	)
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// OpenSession asks the driver to open a new session and returns a handle
// scoped to it. The context only bounds the OpenSession call itself, not
// the session's later Add/Flush/Close calls.
func (c *Client) OpenSession(ctx context.Context) (*Session, error) {
	resp := new(api.OpenSessionResponse)
	if err := c.conn.Invoke(ctx, "/"+driverServiceName+"/OpenSession", &api.OpenSessionRequest{}, resp); err != nil {
		return nil, fmt.Errorf("client: open session: %w", err)
	}
	return &Session{conn: c.conn, id: resp.SessionID}, nil
}

const driverServiceName = "tabletclient.DriverService"
