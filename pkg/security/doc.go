// Package security implements the certificate authority backing mTLS between
// a driver process, the tablet servers it dispatches RPCs to, and the SDK
// clients that open sessions against a driver.
//
// CertAuthority bootstraps a root CA (RSA 4096, 10-year validity) and
// persists it through pkg/storage, then issues short-lived node certificates
// (for drivers and tablet servers, keyed by role) and client certificates
// (for pkg/client SDK callers) signed by that root. cmd/tabletctl's ca
// subcommands drive this: init bootstraps the root, issue-node and
// issue-client mint leaf certificates into a directory laid out the way
// LoadCertFromFile/LoadCACertFromFile expect.
//
// certs.go holds the file I/O for that layout plus rotation-threshold,
// expiry and chain-validation helpers; it has no self-signed certificate
// generation.
package security
