// Package transport abstracts the pub/sub primitive MeshLink rides on.
// The core only needs publish, subscribe and request-reply; subjects are
// plain dotted strings chosen by the embedding application. The in-process
// implementation in this package preserves per-publisher FIFO ordering per
// subject and backs tests, examples and single-process deployments. The
// nats subpackage binds the same interface to a NATS connection.
package transport
