package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/shardkit/tabletclient/pkg/security"
	"github.com/shardkit/tabletclient/pkg/storage"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the cluster certificate authority used for mTLS",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a root CA, persisted under --data-dir",
	RunE:  runCAInit,
}

var caIssueNodeCmd = &cobra.Command{
	Use:   "issue-node NODE_ID",
	Short: "Issue a node certificate (for a driver or tablet server) and write it to --cert-dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAIssueNode,
}

var caIssueClientCmd = &cobra.Command{
	Use:   "issue-client CLIENT_ID",
	Short: "Issue a client certificate (for pkg/client SDK callers) and write it to --cert-dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAIssueClient,
}

func init() {
	caCmd.PersistentFlags().String("data-dir", "./tabletclient-data", "Directory the CA's root key/cert is persisted under")
	caIssueNodeCmd.Flags().String("cert-dir", "", "Directory to write the issued node cert/key/CA cert to (required)")
	caIssueNodeCmd.Flags().StringSlice("dns-names", nil, "Additional DNS SANs for the node certificate")
	caIssueNodeCmd.Flags().StringSlice("ip-addresses", nil, "Additional IP SANs for the node certificate")
	caIssueNodeCmd.Flags().String("role", "driver", "Node role (driver or tablet-server), recorded in the certificate subject")
	caIssueClientCmd.Flags().String("cert-dir", "", "Directory to write the issued client cert/key/CA cert to (required)")

	caCmd.AddCommand(caInitCmd, caIssueNodeCmd, caIssueClientCmd)
	rootCmd.AddCommand(caCmd)
}

func openCA(cmd *cobra.Command) (*security.CertAuthority, *storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open CA store: %w", err)
	}
	return security.NewCertAuthority(store), store, nil
}

func runCAInit(cmd *cobra.Command, args []string) error {
	ca, store, err := openCA(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := ca.LoadFromStore(); err == nil && ca.IsInitialized() {
		fmt.Println("CA already initialized")
		return nil
	}

	if err := ca.Initialize(); err != nil {
		return fmt.Errorf("initialize CA: %w", err)
	}
	if err := ca.SaveToStore(); err != nil {
		return fmt.Errorf("persist CA: %w", err)
	}
	fmt.Println("Root CA initialized")
	return nil
}

func runCAIssueNode(cmd *cobra.Command, args []string) error {
	nodeID := args[0]
	certDir, _ := cmd.Flags().GetString("cert-dir")
	if certDir == "" {
		return fmt.Errorf("--cert-dir is required")
	}
	role, _ := cmd.Flags().GetString("role")
	dnsNames, _ := cmd.Flags().GetStringSlice("dns-names")
	ipStrs, _ := cmd.Flags().GetStringSlice("ip-addresses")

	var ips []net.IP
	for _, s := range ipStrs {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address %q", s)
		}
		ips = append(ips, ip)
	}

	ca, store, err := openCA(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := ca.LoadFromStore(); err != nil {
		return fmt.Errorf("load CA (run 'tabletctl ca init' first): %w", err)
	}

	cert, err := ca.IssueNodeCertificate(nodeID, role, dnsNames, ips)
	if err != nil {
		return fmt.Errorf("issue node certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return fmt.Errorf("save node certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}
	fmt.Printf("Issued node certificate for %q (role=%s) into %s\n", nodeID, role, certDir)
	return nil
}

func runCAIssueClient(cmd *cobra.Command, args []string) error {
	clientID := args[0]
	certDir, _ := cmd.Flags().GetString("cert-dir")
	if certDir == "" {
		return fmt.Errorf("--cert-dir is required")
	}

	ca, store, err := openCA(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := ca.LoadFromStore(); err != nil {
		return fmt.Errorf("load CA (run 'tabletctl ca init' first): %w", err)
	}

	cert, err := ca.IssueClientCertificate(clientID)
	if err != nil {
		return fmt.Errorf("issue client certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return fmt.Errorf("save client certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return fmt.Errorf("save CA certificate: %w", err)
	}
	fmt.Printf("Issued client certificate for %q into %s\n", clientID, certDir)
	return nil
}
