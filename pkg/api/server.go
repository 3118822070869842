package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/shardkit/tabletclient/pkg/batcher"
	"github.com/shardkit/tabletclient/pkg/log"
	"github.com/shardkit/tabletclient/pkg/ops"
	"github.com/shardkit/tabletclient/pkg/rpc"
	"github.com/shardkit/tabletclient/pkg/security"
	"github.com/shardkit/tabletclient/pkg/session"
)

// Server implements DriverService over a set of concurrently open sessions,
// the mTLS wiring and Start/Stop shape grounded on pkg/rpc.Server (itself
// adapted from the teacher's manager-facing gRPC server).
type Server struct {
	sessionOpts             session.Options
	allowReadsFromFollowers *atomic.Bool
	grpc                    *grpc.Server

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newServer(sessionOpts session.Options) *Server {
	return &Server{
		sessionOpts:             sessionOpts,
		allowReadsFromFollowers: new(atomic.Bool),
		sessions:                make(map[string]*session.Session),
	}
}

// WithFollowerReadPolicy points the server at a config's live toggle, so an
// admin flipping it takes effect on the next Add call without a restart.
func (s *Server) WithFollowerReadPolicy(flag *atomic.Bool) *Server {
	s.allowReadsFromFollowers = flag
	return s
}

// NewServer builds an mTLS-secured driver API server. certDir must contain
// node.crt/node.key/ca.crt, the same layout pkg/security writes.
func NewServer(certDir string, sessionOpts session.Options) (*Server, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load driver certificate: %w", err)
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

	s := newServer(sessionOpts)
	s.grpc = grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.ForceServerCodec(rpc.Codec),
		grpc.ChainUnaryInterceptor(MetricsInterceptor()),
	)
	RegisterDriverServer(s.grpc, s)
	return s, nil
}

// NewInsecureServer builds a driver API server without transport security,
// for local demos and tests.
func NewInsecureServer(sessionOpts session.Options) *Server {
	s := newServer(sessionOpts)
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(rpc.Codec),
		grpc.ChainUnaryInterceptor(MetricsInterceptor()),
	)
	RegisterDriverServer(s.grpc, s)
	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server and aborts every still-open session.
func (s *Server) Stop() {
	s.grpc.GracefulStop()

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// ActiveBatchers implements watchdog.Registry across every open session,
// letting one Watchdog cover a whole driver process instead of one session.
func (s *Server) ActiveBatchers() []*batcher.Batcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*batcher.Batcher
	for _, sess := range s.sessions {
		out = append(out, sess.ActiveBatchers()...)
	}
	return out
}

// BufferStats aggregates buffering state across every batcher this server's
// sessions currently own, for metrics.Collector's point-in-time gauges.
func (s *Server) BufferStats() (activeBatchers, bufferedOps int, bufferBytesUsed int64) {
	batchers := s.ActiveBatchers()
	activeBatchers = len(batchers)
	for _, b := range batchers {
		bufferedOps += b.CountBufferedOperations()
		bufferBytesUsed += b.BufferBytesUsed()
	}
	return
}

func (s *Server) OpenSession(ctx context.Context, req *OpenSessionRequest) (*OpenSessionResponse, error) {
	sess := session.New(s.sessionOpts)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	log.WithSession(sess.ID()).Info().Msg("session opened")
	return &OpenSessionResponse{SessionID: sess.ID()}, nil
}

func (s *Server) lookupSession(id string) (*session.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("api: unknown session %q", id)
	}
	return sess, nil
}

func (s *Server) Add(ctx context.Context, req *AddRequest) (*AddResponse, error) {
	sess, err := s.lookupSession(req.SessionID)
	if err != nil {
		return &AddResponse{Error: err.Error()}, nil
	}

	op, err := opFromWire(req.Op, s.allowReadsFromFollowers.Load())
	if err != nil {
		return &AddResponse{Error: err.Error()}, nil
	}

	if err := sess.Add(op); err != nil {
		return &AddResponse{Error: err.Error()}, nil
	}
	return &AddResponse{}, nil
}

func (s *Server) Flush(ctx context.Context, req *FlushRequest) (*FlushResponse, error) {
	sess, err := s.lookupSession(req.SessionID)
	if err != nil {
		return &FlushResponse{Error: err.Error()}, nil
	}

	result := <-sess.Flush()

	resp := &FlushResponse{}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	for _, opErr := range result.Errors {
		resp.Errors = append(resp.Errors, OpErrorWire{
			OpID:  opErr.OpID,
			Table: opErr.Table,
			Error: opErr.Err.Error(),
		})
	}
	return resp, nil
}

func (s *Server) CloseSession(ctx context.Context, req *CloseSessionRequest) (*CloseSessionResponse, error) {
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()

	if ok {
		sess.Close()
		log.WithSession(req.SessionID).Info().Msg("session closed")
	}
	return &CloseSessionResponse{}, nil
}

// opFromWire builds the op ops.GetOpGroup will classify. followersAllowed
// gates AllowFollowerReads at admission time rather than inside GetOpGroup,
// so the classifier itself stays a pure function of the op the caller asked
// for. This only gates the key-value-style follower flag: a tabular read's
// declared consistency level (e.g. ConsistentPrefix) is the caller's own
// choice and is never forced to ConsistencyStrong by this process-wide flag.
func opFromWire(w OpWire, followersAllowed bool) (ops.Op, error) {
	switch w.Kind {
	case OpKindWrite:
		return &ops.WriteOp{TableName: w.Table, Key: w.Key, Columns: w.Columns}, nil
	case OpKindRead:
		allowFollowerReads := w.AllowFollowerReads
		if !followersAllowed {
			allowFollowerReads = false
		}
		return &ops.ReadOp{
			TableName:          w.Table,
			Key:                w.Key,
			Consistency:        ops.ConsistencyLevel(w.Consistency),
			AllowFollowerReads: allowFollowerReads,
		}, nil
	default:
		return nil, fmt.Errorf("api: unknown op kind %d", w.Kind)
	}
}
