// Package tlsutil holds the TLS settings shared by the HTTP servers and the
// node-side clients: TLS 1.2+, AEAD-only suites, optional private CA bundle.
package tlsutil
