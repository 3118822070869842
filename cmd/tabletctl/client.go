package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shardkit/tabletclient/pkg/client"
)

var putCmd = &cobra.Command{
	Use:   "put TABLE KEY COLUMN=VALUE...",
	Short: "Write a single row through a running driver",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get TABLE KEY",
	Short: "Read a single row through a running driver",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func init() {
	for _, c := range []*cobra.Command{putCmd, getCmd} {
		c.Flags().String("driver-addr", "127.0.0.1:7070", "Driver gRPC API address")
		c.Flags().String("cert-dir", "", "mTLS certificate directory (empty disables TLS)")
	}
	getCmd.Flags().Bool("allow-follower-reads", false, "Request a consistent-prefix read servable by a follower")
}

func dialDriver(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("driver-addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")

	var opts []client.Option
	if certDir != "" {
		opts = append(opts, client.WithCertDir(certDir))
	}
	return client.NewClient(addr, opts...)
}

func runPut(cmd *cobra.Command, args []string) error {
	table, key := args[0], args[1]
	columns := make(map[string]interface{}, len(args)-2)
	for _, pair := range args[2:] {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("expected COLUMN=VALUE, got %q", pair)
		}
		columns[k] = v
	}

	c, err := dialDriver(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := c.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close(ctx)

	if err := sess.AddWrite(ctx, table, []byte(key), columns); err != nil {
		return fmt.Errorf("add write: %w", err)
	}

	result, err := sess.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if result.Err != nil {
		return result.Err
	}
	for _, opErr := range result.Errors {
		fmt.Printf("row error: %s/%s: %s\n", opErr.Table, opErr.OpID, opErr.Error)
	}
	fmt.Println("OK")
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	table, key := args[0], args[1]
	allowFollowerReads, _ := cmd.Flags().GetBool("allow-follower-reads")

	c, err := dialDriver(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := c.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close(ctx)

	if err := sess.AddRead(ctx, table, []byte(key), allowFollowerReads); err != nil {
		return fmt.Errorf("add read: %w", err)
	}

	result, err := sess.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if result.Err != nil {
		return result.Err
	}
	for _, opErr := range result.Errors {
		return fmt.Errorf("%s: %s", opErr.Table, opErr.Error)
	}
	fmt.Printf("%s/%s found\n", table, key)
	return nil
}
