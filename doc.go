// Package tcpmsg is a message-oriented TCP transport: a symmetric
// client/server pair exchanging discrete framed messages over one
// long-lived connection, optionally wrapped in TLS.
//
// Each message carries a JSON metadata header and a counted payload that
// is delivered either fully buffered or as a bounded stream. On top of the
// raw exchange the package layers preshared-key authentication, liveness
// probing and idle eviction, graceful and forced disconnects, and a
// synchronous request/response correlator keyed by conversation id.
package tcpmsg
