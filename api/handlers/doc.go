/*
Package handlers implements the HTTP surface of the central authority.

# Routes

  - RunHandler     /api/v1/runs and /api/v1/consortia: the run state machine
  - FileHandler    /upload, /download, /upload_results, /download_results
  - EventsHandler  GET /events, a websocket carrying topic subscriptions
  - HealthHandler  /health, /ready and /version

Every JSON response uses the Response envelope (success, data, error,
timestamp). Errors are *types.Error values; their code selects the HTTP
status unless WithHTTPStatus overrode it.

The /api/v1 routes expect the auth middleware to have stored the caller
identity on the request context. The file and event routes verify their own
credential from the x-access-token or Authorization header, since download
tokens are scoped to a single run and user.
*/
package handlers
