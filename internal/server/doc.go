// Package server wraps net/http.Server with a non-blocking Start, a
// ctx-driven Run for errgroups and an idempotent graceful Shutdown. The
// central API, the file-storage service and the metrics endpoint each run
// on their own Manager.
package server
