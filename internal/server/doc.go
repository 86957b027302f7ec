// Package server hosts the orchestrator REST API from a single HTTP server.
//
// The server builds a consistent middleware chain of request identification,
// metrics, and logging so handlers all share common instrumentation, and keeps
// every route behind one multiplexer.
package server
