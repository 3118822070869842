package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTabletServer struct {
	writeErr error
	lastRead *ReadRequest
}

func (f *fakeTabletServer) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	return &WriteResponse{HybridTime: 42}, nil
}

func (f *fakeTabletServer) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	f.lastRead = req
	return &ReadResponse{
		Rows: []map[string]interface{}{{"id": "row-1"}},
	}, nil
}

func startTestServer(t *testing.T, impl TabletServer) (addr string, stop func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewInsecureServer(impl)
	go srv.Serve(lis)

	return lis.Addr().String(), func() {
		srv.Stop()
	}
}

func TestGRPCTransportWriteRoundTrip(t *testing.T) {
	impl := &fakeTabletServer{}
	addr, stop := startTestServer(t, impl)
	defer stop()

	transport := NewInsecureGRPCTransport()
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := transport.Write(ctx, addr, &WriteRequest{
		TabletID: "tablet-1",
		Table:    "orders",
		Keys:     [][]byte{[]byte("k1")},
		Columns:  []map[string]interface{}{{"amount": 10}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, resp.HybridTime)
}

func TestGRPCTransportReadRoundTrip(t *testing.T) {
	impl := &fakeTabletServer{}
	addr, stop := startTestServer(t, impl)
	defer stop()

	transport := NewInsecureGRPCTransport()
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := transport.Read(ctx, addr, &ReadRequest{
		TabletID:    "tablet-1",
		Table:       "orders",
		Keys:        [][]byte{[]byte("k1")},
		Consistency: ConsistencyPrefix,
	})
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "row-1", resp.Rows[0]["id"])
	assert.Equal(t, ConsistencyPrefix, impl.lastRead.Consistency)
}

func TestGRPCTransportCachesConnectionsPerAddress(t *testing.T) {
	transport := NewInsecureGRPCTransport()
	defer transport.Close()

	c1, err := transport.dial("127.0.0.1:9")
	require.NoError(t, err)
	c2, err := transport.dial("127.0.0.1:9")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}
