/*
Command fedrun runs every process of a federated run deployment.

# Subcommands

  - central    run API under /api/v1, the /events websocket stream and,
    unless --no-files, the file-storage routes
  - filestore  the file-storage routes on their own listener
  - node       a central-launcher, edge or vault node (--role)
  - mount      set or show a contributor's data directory per consortium
  - token      sign a member or central credential with the configured secret
  - migrate    golang-migrate wrapper for the run and consortium tables
  - health     probe a server's /health endpoint
  - version    print build information

Servers expose Prometheus metrics on server.metrics_port and stop on
SIGINT or SIGTERM. A node refuses the first signal while units are still
running and stops them on the second; SIGHUP re-reads the config and
resubscribes with a changed node.access_token.
*/
package main
