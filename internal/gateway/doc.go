// Package gateway orchestrates the parley-gateway server components.
//
// # Overview
//
// The gateway owns the conversation registry and the HTTP server. Every
// conversation opened on the mount path gets its own serial loop; the
// gateway installs a responder on it that answers incoming questions.
//
// # Endpoints
//
//   - POST <mount_path> - Conversation streams (see package httpstream)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check, 503 once shutdown has begun
//
// Every response carries X-Parley-Server naming the gateway instance.
//
// # Responder
//
// The default responder is Echo:
//
//	{"type":"question","id":"q1","message":{"a":1}}
//	  -> {"type":"reply","id":"q1","responseId":"<rid>","message":{"a":1}}
//
// A question carrying {"converse": true} is answered with questionReceived
// and every continueMessage from the asker is said back until it sends
// endMessage. WithResponder swaps in another exchange.Handler.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is canceled and shutdown completes
//
// Shutdown cancels live conversations before stopping the HTTP server,
// since their originating requests stay open for as long as they live.
package gateway
