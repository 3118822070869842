// Package client is the Go SDK for talking to a tabletctl driver process:
// dial it, open a Session, add write/read operations, flush, close. It
// wraps pkg/api's DriverService the way the teacher's own client package
// wraps its manager API, down to the mTLS connection helper, but the
// session lifecycle it drives comes from the batcher's Gathering->Flushing
// cycle rather than CRUD calls against a control plane.
//
//	c, err := client.NewClient("driver:7070", client.WithCertDir(certDir))
//	sess, err := c.OpenSession(ctx)
//	sess.AddWrite(ctx, "orders", []byte("k1"), map[string]interface{}{"qty": 3})
//	result, err := sess.Flush(ctx)
//	sess.Close(ctx)
package client
