// Package streaminghttp is the durable streaming HTTP transport. It mounts
// as a standard net/http handler: clients POST JSON-RPC messages and receive
// a request's events as Server-Sent Events whose ids are durable resume
// tokens.
//
// Responsibilities
//   - Session creation, validation, and teardown (via the message router)
//   - Authentication (pluggable auth.Authenticator; RFC 6750 challenges)
//   - Streaming request events over SSE with resume tokens
//   - Stream resumption from Last-Event-ID after disconnect or restart
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "https://api.example/mcp", // public endpoint base
//	    eng,                       // *engine.Engine message router
//	    authenticator,             // auth.Authenticator
//	)
//
// # Restart Behavior
//
// All session and stream state lives in the router's durable store, so a
// replacement process behind the same endpoint honors session ids and resume
// tokens issued before a restart. A client that reconnects with GET and the
// Last-Event-ID of the last event it processed receives exactly the events
// it missed, in order. The header is required on GET: a resume token names
// both the stream and the position in it, and without one there is no
// stream to resume, so the request is rejected with 400 rather than guessed
// at. Tokens the server never issued are rejected with 400 as well; they
// are never reinterpreted as a restart from the beginning.
//
// # Scaling
//
// Horizontal scale relies on a shared store. Each node handles any mix of
// requests; ordering for a given stream is preserved by the store's ordered
// event log, not sticky routing.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes; application errors are
// serialized as JSON-RPC error responses inside the stream. Authentication
// failures surface a WWW-Authenticate challenge per RFC 6750.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp/", h) // route prefix
//	http.ListenAndServe(":8080", mux)
package streaminghttp
