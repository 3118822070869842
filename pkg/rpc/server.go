package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/shardkit/tabletclient/pkg/security"
)

// Server wraps a gRPC server exposing TabletServer, mirroring the
// certificate-loading and grpc.Server wiring the teacher uses for its
// manager API, retargeted from manager<->worker identities to
// driver<->tablet-server identities.
type Server struct {
	grpc *grpc.Server
}

// NewServer builds an mTLS-secured tablet server. certDir must contain
// node.crt/node.key/ca.crt, the same layout pkg/security writes.
func NewServer(certDir string, impl TabletServer) (*Server, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load tablet server certificate: %w", err)
	}

	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS13,
	}

	grpcServer := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.ForceServerCodec(Codec),
	)
	RegisterTabletServer(grpcServer, impl)

	return &Server{grpc: grpcServer}, nil
}

// NewInsecureServer builds a tablet server without transport security, for
// local demos and tests.
func NewInsecureServer(impl TabletServer) *Server {
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(Codec))
	RegisterTabletServer(grpcServer, impl)
	return &Server{grpc: grpcServer}
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server, waiting for in-flight RPCs to finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
