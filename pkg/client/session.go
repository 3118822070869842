package client

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"

	"github.com/shardkit/tabletclient/pkg/api"
)

// Session is a client-side handle onto a driver-side session.Session,
// addressed by the session ID OpenSession returned.
type Session struct {
	conn *grpc.ClientConn
	id   string
}

// ID returns the driver-assigned session identifier.
func (s *Session) ID() string { return s.id }

// AddWrite buffers an insert/update/delete against table.
func (s *Session) AddWrite(ctx context.Context, table string, key []byte, columns map[string]interface{}) error {
	return s.add(ctx, api.OpWire{
		Kind:    api.OpKindWrite,
		Table:   table,
		Key:     key,
		Columns: columns,
	})
}

// AddRead buffers a point read against table. allowFollowerReads requests
// a consistent-prefix read servable by a tablet follower instead of
// requiring the leader.
func (s *Session) AddRead(ctx context.Context, table string, key []byte, allowFollowerReads bool) error {
	return s.add(ctx, api.OpWire{
		Kind:               api.OpKindRead,
		Table:              table,
		Key:                key,
		AllowFollowerReads: allowFollowerReads,
	})
}

func (s *Session) add(ctx context.Context, op api.OpWire) error {
	resp := new(api.AddResponse)
	if err := s.conn.Invoke(ctx, "/"+driverServiceName+"/Add", &api.AddRequest{SessionID: s.id, Op: op}, resp); err != nil {
		return fmt.Errorf("client: add op: %w", err)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

// FlushResult mirrors session.FlushResult on the wire: the overall flush
// error, if any, plus every per-operation failure collected along the way.
type FlushResult struct {
	Err    error
	Errors []api.OpErrorWire
}

// Flush requests the driver flush this session's current batcher and
// blocks until that flush cycle completes.
func (s *Session) Flush(ctx context.Context) (*FlushResult, error) {
	resp := new(api.FlushResponse)
	if err := s.conn.Invoke(ctx, "/"+driverServiceName+"/Flush", &api.FlushRequest{SessionID: s.id}, resp); err != nil {
		return nil, fmt.Errorf("client: flush: %w", err)
	}

	result := &FlushResult{Errors: resp.Errors}
	if resp.Error != "" {
		result.Err = errors.New(resp.Error)
	}
	return result, nil
}

// Close tells the driver to abort and discard this session.
func (s *Session) Close(ctx context.Context) error {
	resp := new(api.CloseSessionResponse)
	return s.conn.Invoke(ctx, "/"+driverServiceName+"/CloseSession", &api.CloseSessionRequest{SessionID: s.id}, resp)
}
