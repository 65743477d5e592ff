// Package server wires HTTP handlers into a ServeMux for the DriftChat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: the health probe, the WebSocket endpoint, and the test page.
// The health pinger may be nil when no bus is configured; the probe then
// reports the service as degraded.
func SetupRoutes(hub *Hub, health HealthPinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler(health))
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
