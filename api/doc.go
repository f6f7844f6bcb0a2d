// Package api holds the wire types shared by the central HTTP handlers and
// the node-side clients: REST request bodies, the response envelope and the
// event-stream frames.
package api
