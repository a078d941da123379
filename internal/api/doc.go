// Package api implements the HTTP and WebSocket surface of the panel core.
//
// A user interface (the on-device panel, a browser, a test harness) drives a
// session through it:
//   - REST endpoints to connect, read the connection state and reading
//     history, and send RGB commands
//   - A WebSocket hub that pushes "readings" and "connection_state" events
//   - Prometheus metrics at /metrics and a JSON system summary
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Graceful Degradation
//
// The server runs while the broker is unreachable. Reads and WebSocket
// connections keep working; only connect and command requests fail, with
// 502 and 409 respectively.
package api
