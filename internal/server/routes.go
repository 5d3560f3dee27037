package server

import "net/http"

// Routes returns a ServeMux with the health, WebSocket, chat lookup, metrics
// and test page endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	if s.chats != nil {
		mux.HandleFunc("GET /chats/{chatId}", s.ChatHandler)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}
