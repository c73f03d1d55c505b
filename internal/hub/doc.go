// Package hub runs the agent-facing TCP server and the optional admin API.
//
// # Connection Lifecycle
//
// Each accepted connection gets its own frame parser and walks through
// connecting, unauthenticated, authenticated and closed:
//
//   - Until a valid AUTH arrives the read deadline is hub.auth_timeout
//     (120s). Expiry destroys the socket without a graceful close.
//   - AUTH with the right key binds the agent UUID, registers the agent,
//     sends CONFIG and then any pending tasks as TREQ frames. The read
//     deadline becomes hub.idle_timeout (60s); expiry half-closes.
//   - AUTH with a wrong key closes the socket. Nothing is sent back.
//   - HEART, SINFO and TRSLT are dropped until the connection authenticates.
//   - A frame whose body is not JSON, or whose declared length exceeds
//     hub.max_frame_size, closes the connection.
//
// When a connection closes its agent is marked offline, unless another
// authenticated connection for the same UUID is still open.
//
// # Admin API
//
// When http.addr is set, Hub serves:
//
//	GET    /health
//	GET    /health/ready
//	GET    /api/agents[?status=online]
//	GET    /api/agents/{uuid}
//	DELETE /api/agents/{uuid}
//	PATCH  /api/agents/{uuid}/config
//	GET    /api/tasks[?agent=<uuid>&limit=<n>]
//	POST   /api/tasks
//	GET    /api/tasks/{id}
//	POST   /api/tasks/{id}/dispatch
//	GET    /api/events[?agent=<uuid>]   (Server-Sent Events)
//
// /api routes require an Authorization: Bearer token minted with
// `agent-hub token`.
package hub
