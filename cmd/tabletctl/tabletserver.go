package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shardkit/tabletclient/pkg/log"
	"github.com/shardkit/tabletclient/pkg/rpc"
)

var tabletServerCmd = &cobra.Command{
	Use:   "tablet-server",
	Short: "Run an in-memory tablet server for exercising a driver end to end",
	RunE:  runTabletServer,
}

func init() {
	tabletServerCmd.Flags().String("addr", "127.0.0.1:7071", "Address the tablet server gRPC listens on")
	tabletServerCmd.Flags().String("cert-dir", "", "mTLS certificate directory (empty disables TLS)")
}

func runTabletServer(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	logger := log.WithComponent("tablet-server")

	var srv *rpc.Server
	var err error
	if certDir == "" {
		srv = rpc.NewInsecureServer(newMemTabletServer())
	} else {
		srv, err = rpc.NewServer(certDir, newMemTabletServer())
		if err != nil {
			return fmt.Errorf("build tablet server: %w", err)
		}
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", addr).Msg("tablet server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	srv.Stop()
	return nil
}

// memTabletServer is a toy rpc.TabletServer backed by an in-memory table,
// keyed by (table, row key), good enough to drive a batcher's dispatch path
// without a real storage engine behind it.
type memTabletServer struct {
	mu   sync.Mutex
	rows map[string]map[string]interface{} // "table/key" -> columns
}

func newMemTabletServer() *memTabletServer {
	return &memTabletServer{rows: make(map[string]map[string]interface{})}
}

func rowKey(table string, key []byte) string {
	return table + "/" + string(key)
}

func (m *memTabletServer) Write(ctx context.Context, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, key := range req.Keys {
		var cols map[string]interface{}
		if i < len(req.Columns) {
			cols = req.Columns[i]
		}
		m.rows[rowKey(req.Table, key)] = cols
	}
	return &rpc.WriteResponse{HybridTime: 1}, nil
}

func (m *memTabletServer) Read(ctx context.Context, req *rpc.ReadRequest) (*rpc.ReadResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &rpc.ReadResponse{HybridTime: 1}
	for i, key := range req.Keys {
		cols, ok := m.rows[rowKey(req.Table, key)]
		if !ok {
			resp.Errors = append(resp.Errors, rpc.RowError{RowIndex: i, Message: "not found"})
			continue
		}
		row := map[string]interface{}{"key": string(key)}
		for k, v := range cols {
			row[k] = v
		}
		resp.Rows = append(resp.Rows, row)
	}
	return resp, nil
}
