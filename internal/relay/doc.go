// Package relay is the client side of dispatch: a Manager keeps exactly one
// websocket session to the gateway open, reconnecting after a fixed delay
// whenever it drops.
//
// The host application reads Manager.Events for status transitions
// (connecting, connected, disconnected), inbound frames and control pongs,
// and writes with Send, SendMessage or Ping. Sends never block; they fail
// with ErrNotConnected between sessions and ErrQueueFull when the writer
// falls behind.
//
// Each attempt asks a CredentialSource for an access token and presents it
// both as a bearer token and as the access cookie, so the gateway accepts it
// whether or not an access proxy sits in front.
package relay
