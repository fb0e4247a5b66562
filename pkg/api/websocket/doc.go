// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/executions/:id/ws to receive the execution and
// job events of one execution as JSON messages.
package websocket
