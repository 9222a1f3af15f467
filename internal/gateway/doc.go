// Package gateway is the dispatch-gateway server: it authenticates websocket
// upgrades, runs one session actor per connection and records every
// connection lifecycle in the action log.
//
// # Architecture
//
//	HTTP (chi)
//	  GET /ws            auth.Middleware -> upgrade -> Session
//	  GET /health        liveness
//	  GET /health/ready  signing keys loaded + store ping
//	  GET /metrics       Prometheus, when enabled
//
// # Sessions
//
// A Session moves Established -> Active -> Closing -> Closed. Two duties run
// under one errgroup:
//
//   - the reader owns every read, answers pings by queueing a pong, extends
//     the read deadline on pongs and routes text frames through the Router
//   - the writer owns every write: queued frames, keep-alive pings on a
//     ticker and the final close frame
//
// When either duty stops the other follows. Teardown then runs exactly once:
// the socket closes, the session leaves the Registry, its user_sessions row
// is deleted and a disconnect entry is recorded with the remote address.
//
// A peer that stops answering pings is dropped once the pong timeout
// (twice the keep-alive interval by default) passes without a frame.
//
// # Frames
//
// Text frames are decoded as protocol.Message and dispatched by type tag.
// Text that is not a tagged JSON frame is handled as a "text" message. Call
// frames are acknowledged and audited; the business logic behind them lives
// outside the gateway and is attached with Router.Handle.
//
// # Shutdown
//
// Shutdown stops the HTTP server, sends every session a going-away close
// frame, waits for their teardown until the deadline and closes the store.
package gateway
