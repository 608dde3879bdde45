// Package tlscontext builds immutable per-listener and per-cluster TLS
// contexts from validated configuration: certificate loading, peer
// verification policy, ALPN negotiation, and encrypted session-resumption
// tickets with key rotation. Contexts are constructed once at
// configuration-apply time and shared read-only across connections.
package tlscontext
