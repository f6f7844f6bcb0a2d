/*
Package metrics provides the Prometheus metrics of fedrun.

# Overview

Collector registers every metric against an injected prometheus.Registerer
(prometheus.DefaultRegisterer in production, a fresh registry in tests) and
exposes Record* methods grouped by concern.

# Metric groups

  - HTTP: request count, latency and sizes by method/path/status class.
  - Runs: state transitions by from/to status.
  - Events: published, delivered and dropped counts by topic, and the number
    of live subscriptions.
  - Node: running units by backend, event-stream reconnect attempts,
    pipeline stage failures and transferred bytes.
  - Database: open/idle connections.

Collector satisfies the small metrics interfaces declared by eventbus,
runstate, launcher, stream and coordinator.
*/
package metrics
